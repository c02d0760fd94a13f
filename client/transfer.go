package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/peerchat/peerchat/chat"
	"github.com/peerchat/peerchat/command"
	"github.com/peerchat/peerchat/protocol"
)

// PostFile opens a local file and offers it to a room. The read handle stays
// open until the file is withdrawn from its last room.
func (c *Client) PostFile(roomName, path string) (chat.FileDescription, error) {
	f, err := os.Open(path)
	if err != nil {
		return chat.FileDescription{}, fmt.Errorf("open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return chat.FileDescription{}, fmt.Errorf("stat file: %w", err)
	}

	model, release, err := c.guard.Use(c.baseCtx)
	if err != nil {
		f.Close()
		return chat.FileDescription{}, err
	}
	c.mu.Lock()
	c.nextFileID++
	id := c.nextFileID
	c.mu.Unlock()
	fd := chat.FileDescription{
		ID:   chat.FileID{Owner: c.UserID(), ID: id},
		Size: info.Size(),
		Name: filepath.Base(path),
	}
	model.PostFile(fd, f, roomName)
	release()

	if err := c.send(protocol.SrvAddFileToRoom, protocol.AddFileRequest{RoomName: roomName, File: fd}); err != nil {
		return chat.FileDescription{}, err
	}
	return fd, nil
}

// UnpostFile withdraws a posted file from one room.
func (c *Client) UnpostFile(id chat.FileID, roomName string) error {
	model, release, err := c.guard.Use(c.baseCtx)
	if err != nil {
		return err
	}
	_, unpostErr := model.UnpostFile(id, roomName)
	release()
	if unpostErr != nil {
		return unpostErr
	}
	return c.send(protocol.SrvRemoveFileFromRoom, protocol.RemoveFileRequest{RoomName: roomName, FileID: id})
}

// DownloadFile starts downloading a file another user posted to a room. The
// parts flow over a direct link to the owner; when none exists yet, the
// download is queued and a pairing with the owner is requested from the
// server.
func (c *Client) DownloadFile(file chat.FileDescription, roomName, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	d := chat.NewDownloadingFile(file, roomName, destPath, out)

	model, release, err := c.guard.Use(c.baseCtx)
	if err != nil {
		out.Close()
		return err
	}
	startErr := model.StartDownload(d)
	release()
	if startErr != nil {
		out.Close()
		return startErr
	}

	owner := file.ID.Owner.Nickname
	if l, ok := c.peerByNick(owner); ok {
		c.requestNext(l, file.ID)
		return nil
	}
	c.mu.Lock()
	c.queued[owner] = append(c.queued[owner], file.ID)
	c.mu.Unlock()
	return c.ConnectToPeer(owner)
}

// CancelDownload abandons a download, releasing its write handle. The partial
// file stays on disk.
func (c *Client) CancelDownload(id chat.FileID) error {
	c.stopRetry(id)
	model, release, err := c.guard.Use(c.baseCtx)
	if err != nil {
		return err
	}
	d, lookupErr := model.Download(id)
	if lookupErr != nil {
		release()
		return lookupErr
	}
	file, path := d.File, d.Path
	endErr := model.EndDownload(id)
	release()
	c.notifier.emit(EventDownloadFailed, DownloadEvent{File: file, Path: path, Reason: "canceled"})
	return endErr
}

// requestNext asks the owner for the part at the download's current
// position and arms the retry timer.
func (c *Client) requestNext(l *peerLink, id chat.FileID) {
	model, release, err := c.guard.Use(c.baseCtx)
	if err != nil {
		return
	}
	d, lookupErr := model.Download(id)
	if lookupErr != nil {
		release()
		return
	}
	start := d.Position
	length := d.File.Size - start
	if length > c.config.ChunkSize {
		length = c.config.ChunkSize
	}
	if length > maxPartSize {
		length = maxPartSize
	}
	roomName := d.RoomName
	release()

	req := protocol.ReadFilePart{FileID: id, RoomName: roomName, Start: start, Length: length}
	if err := l.conn.Send(protocol.CltReadFilePart, req, nil); err != nil {
		c.failDownload(id, "peer link closed")
		return
	}
	c.armRetry(l, id)
}

func (c *Client) armRetry(l *peerLink, id chat.FileID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.retries[id]
	if !ok {
		state = &retryState{}
		c.retries[id] = state
	}
	if state.timer != nil {
		state.timer.Stop()
	}
	state.timer = c.clock.AfterFunc(c.config.PartTimeout, func() {
		c.retryPart(l, id)
	})
}

func (c *Client) retryPart(l *peerLink, id chat.FileID) {
	c.mu.Lock()
	state, ok := c.retries[id]
	if ok {
		state.attempts++
	}
	exhausted := ok && state.attempts >= c.config.PartRetries
	c.mu.Unlock()
	if !ok {
		return
	}
	if exhausted {
		c.failDownload(id, "part request timed out")
		return
	}
	c.logger.Debug("re-requesting file part",
		slog.String("file", id.Owner.Nickname),
		slog.Int("attempt", state.attempts))
	c.requestNext(l, id)
}

// resetRetry clears the attempt count once a part arrives. The retry limit
// is per part, not per download.
func (c *Client) resetRetry(id chat.FileID) {
	c.mu.Lock()
	if state, ok := c.retries[id]; ok {
		state.attempts = 0
	}
	c.mu.Unlock()
}

func (c *Client) stopRetry(id chat.FileID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.retries[id]; ok {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(c.retries, id)
	}
}

func (c *Client) failDownload(id chat.FileID, reason string) {
	c.stopRetry(id)
	model, release, err := c.guard.Use(c.baseCtx)
	if err != nil {
		return
	}
	d, lookupErr := model.Download(id)
	if lookupErr != nil {
		release()
		return
	}
	file, path := d.File, d.Path
	model.EndDownload(id)
	release()
	c.notifier.emit(EventDownloadFailed, DownloadEvent{File: file, Path: path, Reason: reason})
}

func (c *Client) failDownloadsFrom(nick, reason string) {
	model, release, err := c.guard.Use(c.baseCtx)
	if err != nil {
		return
	}
	var ids []chat.FileID
	for id := range model.Downloading {
		if id.Owner.Nickname == nick {
			ids = append(ids, id)
		}
	}
	release()
	for _, id := range ids {
		c.failDownload(id, reason)
	}
	c.mu.Lock()
	delete(c.queued, nick)
	c.mu.Unlock()
}

// handleReadFilePart serves one part of a posted file to a peer. A request
// for a file no longer posted to the named room, or from a peer who is not a
// member of that room, is answered with a posted-file-deleted notice so the
// downloader stops cleanly.
func (c *Client) handleReadFilePart(ctx command.Context, req *protocol.ReadFilePart) error {
	l, ok := c.peerByNick(ctx.PeerID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrPeerNotConnected, ctx.PeerID)
	}

	model, release, err := c.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	posted, exists := model.Posted[req.FileID]
	if exists {
		_, exists = posted.RoomNames[req.RoomName]
	}
	if exists {
		room, roomErr := model.Room(req.RoomName)
		exists = roomErr == nil && room.HasMember(ctx.PeerID)
	}
	if !exists {
		release()
		return l.conn.Send(protocol.CltPostedFileDeleted, protocol.PostedFileDeleted{
			RoomName: req.RoomName,
			FileID:   req.FileID,
		}, nil)
	}

	length := req.Length
	if length <= 0 || length > c.config.ChunkSize {
		length = c.config.ChunkSize
	}
	if length > maxPartSize {
		length = maxPartSize
	}
	release()

	// Read outside the guard; a stream closed by a concurrent unpost
	// surfaces as a read error.
	buf := make([]byte, length)
	n, readErr := posted.ReadAt(buf, req.Start)
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return fmt.Errorf("read part: %w", readErr)
	}

	return l.conn.Send(protocol.CltWriteFilePart, protocol.WriteFilePart{
		FileID:   req.FileID,
		RoomName: req.RoomName,
		Start:    req.Start,
	}, buf[:n])
}

// handleWriteFilePart accepts one received part. A part whose offset does
// not match the download position is a stale duplicate and is dropped; the
// retry timer re-requests the right one.
func (c *Client) handleWriteFilePart(ctx command.Context, req *protocol.WriteFilePart) error {
	model, release, err := c.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	d, lookupErr := model.Download(req.FileID)
	if lookupErr != nil {
		release()
		return nil
	}
	if req.Start != d.Position {
		release()
		return nil
	}
	if _, writeErr := d.Write(ctx.Raw); writeErr != nil {
		file, path := d.File, d.Path
		model.EndDownload(req.FileID)
		release()
		c.stopRetry(req.FileID)
		c.notifier.emit(EventDownloadFailed, DownloadEvent{File: file, Path: path, Reason: writeErr.Error()})
		return nil
	}
	file, path, progress, done := d.File, d.Path, d.Progress(), d.Done()
	if done {
		model.EndDownload(req.FileID)
	}
	release()

	c.notifier.emit(EventDownloadProgress, DownloadEvent{File: file, Path: path, Progress: progress})
	if done {
		c.stopRetry(req.FileID)
		c.notifier.emit(EventDownloadComplete, DownloadEvent{File: file, Path: path, Progress: 100})
		return nil
	}

	c.resetRetry(req.FileID)
	if l, ok := c.peerByNick(ctx.PeerID); ok {
		c.requestNext(l, req.FileID)
	} else {
		c.failDownload(req.FileID, "peer link lost")
	}
	return nil
}
