package chat

import (
	"fmt"
)

// Model is the shared aggregate of users, rooms and file transfers. It is
// the unit of mutual exclusion: every method must be called with the Guard
// held. The model is built at startup and handed to the connection-handling
// service, not reached through globals.
type Model struct {
	Users map[string]*User
	Rooms map[string]*Room

	// Posted and Downloading track the local side of file transfers.
	// They reference rooms by name but do not own the room entries.
	Posted      map[FileID]*PostedFile
	Downloading map[FileID]*DownloadingFile
}

func NewModel() *Model {
	m := &Model{
		Users:       make(map[string]*User),
		Rooms:       make(map[string]*Room),
		Posted:      make(map[FileID]*PostedFile),
		Downloading: make(map[FileID]*DownloadingFile),
	}
	m.Rooms[MainRoomName] = NewRoom(MainRoomName, KindChat, "")
	return m
}

func (m *Model) User(nick string) (*User, bool) {
	u, ok := m.Users[nick]
	return u, ok
}

func (m *Model) Room(name string) (*Room, error) {
	r, ok := m.Rooms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRoomNotExist, name)
	}
	return r, nil
}

// AddUser registers a user and joins them to the main room.
func (m *Model) AddUser(u *User) error {
	if _, ok := m.Users[u.ID.Nickname]; ok {
		return fmt.Errorf("%w: %q", ErrNicknameTaken, u.ID.Nickname)
	}
	m.Users[u.ID.Nickname] = u
	m.Rooms[MainRoomName].AddMember(u.ID.Nickname)
	return nil
}

// RoomChange describes the effect of one membership removal on one room.
type RoomChange struct {
	Room     string
	Deleted  bool
	NewAdmin string
}

// RemoveUser removes a user from every room and from the user set, applying
// admin succession and empty-room deletion per room. It returns the rooms
// that changed so callers can broadcast refreshes.
func (m *Model) RemoveUser(nick string) []RoomChange {
	var changes []RoomChange
	for _, room := range m.Rooms {
		change, ok := m.removeFromRoom(room, nick)
		if ok {
			changes = append(changes, change)
		}
	}
	delete(m.Users, nick)
	return changes
}

// CreateRoom creates a room with the given admin as first member.
func (m *Model) CreateRoom(name string, kind RoomKind, admin string) (*Room, error) {
	if _, ok := m.Rooms[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrRoomAlreadyExist, name)
	}
	if _, ok := m.Users[admin]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUserNotExist, admin)
	}
	room := NewRoom(name, kind, admin)
	m.Rooms[name] = room
	return room, nil
}

// DeleteRoom removes a room. The main room is never deleted.
func (m *Model) DeleteRoom(name string) (*Room, error) {
	if name == MainRoomName {
		return nil, ErrMainRoomImmutable
	}
	room, err := m.Room(name)
	if err != nil {
		return nil, err
	}
	if room.Kind == KindVoice && room.Enabled {
		m.adjustVoice(room, -1)
	}
	delete(m.Rooms, name)
	return room, nil
}

// JoinRoom adds a registered user to a room. Joining an enabled voice room
// raises the user's voice-activity counter.
func (m *Model) JoinRoom(roomName, nick string) error {
	room, err := m.Room(roomName)
	if err != nil {
		return err
	}
	user, ok := m.Users[nick]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUserNotExist, nick)
	}
	if room.AddMember(nick) && room.Kind == KindVoice && room.Enabled {
		user.IncVoice()
	}
	return nil
}

// LeaveResult describes what changed when a user left a room.
type LeaveResult struct {
	Left     bool
	Deleted  bool
	NewAdmin string
}

// LeaveRoom removes a user from a room. When the admin leaves, the oldest
// remaining member inherits administration; an emptied room is deleted. The
// main room cannot be left.
func (m *Model) LeaveRoom(roomName, nick string) (LeaveResult, error) {
	if roomName == MainRoomName {
		return LeaveResult{}, ErrMainRoomImmutable
	}
	room, err := m.Room(roomName)
	if err != nil {
		return LeaveResult{}, err
	}
	change, ok := m.removeFromRoom(room, nick)
	if !ok {
		return LeaveResult{}, nil
	}
	return LeaveResult{Left: true, Deleted: change.Deleted, NewAdmin: change.NewAdmin}, nil
}

// removeFromRoom applies one membership removal with succession and deletion
// rules. It reports whether the room changed at all.
func (m *Model) removeFromRoom(room *Room, nick string) (RoomChange, bool) {
	wasAdmin := room.Admin == nick
	if !room.RemoveMember(nick) {
		return RoomChange{}, false
	}
	if user, ok := m.Users[nick]; ok && room.Kind == KindVoice && room.Enabled {
		user.DecVoice()
	}
	change := RoomChange{Room: room.Name}
	if room.MemberCount() == 0 && room.Name != MainRoomName {
		delete(m.Rooms, room.Name)
		change.Deleted = true
		return change, true
	}
	if wasAdmin && room.Name != MainRoomName {
		room.Admin = room.OldestMember()
		change.NewAdmin = room.Admin
	}
	return change, true
}

// SetVoiceEnabled flips a voice room's broadcast flag, adjusting every
// member's voice-activity counter on an actual transition.
func (m *Model) SetVoiceEnabled(roomName string, enabled bool) error {
	room, err := m.Room(roomName)
	if err != nil {
		return err
	}
	if room.Kind != KindVoice {
		return fmt.Errorf("%w: %q", ErrNotVoiceRoom, roomName)
	}
	if room.Enabled == enabled {
		return nil
	}
	room.Enabled = enabled
	if enabled {
		m.adjustVoice(room, 1)
	} else {
		m.adjustVoice(room, -1)
	}
	return nil
}

func (m *Model) adjustVoice(room *Room, delta int) {
	for _, nick := range room.Members() {
		user, ok := m.Users[nick]
		if !ok {
			continue
		}
		if delta > 0 {
			user.IncVoice()
		} else {
			user.DecVoice()
		}
	}
}

// PostFile records a locally offered file. Posting the same file to another
// room extends its room set instead of reopening the stream.
func (m *Model) PostFile(fd FileDescription, stream ReadStream, roomName string) *PostedFile {
	if posted, ok := m.Posted[fd.ID]; ok {
		posted.RoomNames[roomName] = struct{}{}
		return posted
	}
	posted := NewPostedFile(fd, stream, roomName)
	m.Posted[fd.ID] = posted
	return posted
}

// UnpostFile removes a posted file from one room; removal from its last room
// closes the stream and drops the entry. It reports whether the file is gone
// entirely.
func (m *Model) UnpostFile(id FileID, roomName string) (bool, error) {
	posted, ok := m.Posted[id]
	if !ok {
		return false, fmt.Errorf("%w: %v", ErrFileNotPosted, id)
	}
	delete(posted.RoomNames, roomName)
	if len(posted.RoomNames) > 0 {
		return false, nil
	}
	delete(m.Posted, id)
	return true, posted.Close()
}

// StartDownload records a new downloading file.
func (m *Model) StartDownload(d *DownloadingFile) error {
	if _, ok := m.Downloading[d.File.ID]; ok {
		return fmt.Errorf("%w: %v", ErrAlreadyDownloading, d.File.ID)
	}
	m.Downloading[d.File.ID] = d
	return nil
}

func (m *Model) Download(id FileID) (*DownloadingFile, error) {
	d, ok := m.Downloading[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrDownloadNotExist, id)
	}
	return d, nil
}

// EndDownload releases a download on completion or cancellation.
func (m *Model) EndDownload(id FileID) error {
	d, ok := m.Downloading[id]
	if !ok {
		return nil
	}
	delete(m.Downloading, id)
	return d.Close()
}

// CloseFiles releases every open file stream. Used on shutdown and
// disconnect so no handle outlives its owner.
func (m *Model) CloseFiles() {
	for id, posted := range m.Posted {
		posted.Close()
		delete(m.Posted, id)
	}
	for id, d := range m.Downloading {
		d.Close()
		delete(m.Downloading, id)
	}
}
