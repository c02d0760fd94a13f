package chat

import (
	"io"
	"sync"
)

// FileID identifies a posted file: the owner plus an integer unique within
// that owner's files.
type FileID struct {
	Owner UserID `json:"owner"`
	ID    int32  `json:"id"`
}

// FileDescription is the immutable public description of a posted file.
type FileDescription struct {
	ID   FileID `json:"id"`
	Size int64  `json:"size"`
	Name string `json:"name"`
}

// ReadStream is what a posted file needs from its underlying file handle.
type ReadStream interface {
	io.ReaderAt
	io.Closer
}

// PostedFile is a file the local user offers for upload: its description, the
// rooms it is posted to, and an open read stream. The stream is closed when
// the file is removed from its last room.
type PostedFile struct {
	File      FileDescription
	RoomNames map[string]struct{}

	stream    ReadStream
	closeOnce sync.Once
}

func NewPostedFile(fd FileDescription, stream ReadStream, roomName string) *PostedFile {
	return &PostedFile{
		File:      fd,
		RoomNames: map[string]struct{}{roomName: {}},
		stream:    stream,
	}
}

// ReadAt reads a part of the file at the given offset.
func (p *PostedFile) ReadAt(b []byte, off int64) (int, error) {
	return p.stream.ReadAt(b, off)
}

// Close releases the read stream. Safe to call from any cleanup path, exactly
// one close reaches the stream.
func (p *PostedFile) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.stream.Close()
	})
	return err
}

// DownloadingFile is the receiver half of one transfer: the description, an
// open write stream and the destination path. Position is the next write
// offset; only a part whose offset matches it is accepted.
type DownloadingFile struct {
	File     FileDescription
	RoomName string
	Path     string
	Position int64

	stream    io.WriteCloser
	closeOnce sync.Once
}

func NewDownloadingFile(fd FileDescription, roomName, path string, stream io.WriteCloser) *DownloadingFile {
	return &DownloadingFile{
		File:     fd,
		RoomName: roomName,
		Path:     path,
		stream:   stream,
	}
}

// Write appends part bytes and advances the position.
func (d *DownloadingFile) Write(b []byte) (int, error) {
	n, err := d.stream.Write(b)
	d.Position += int64(n)
	return n, err
}

// Progress is the download completion percentage.
func (d *DownloadingFile) Progress() int {
	if d.File.Size == 0 {
		return 100
	}
	return int(d.Position * 100 / d.File.Size)
}

// Done reports whether every byte has been written.
func (d *DownloadingFile) Done() bool {
	return d.Position >= d.File.Size
}

// Close releases the write stream, idempotently.
func (d *DownloadingFile) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.stream.Close()
	})
	return err
}
