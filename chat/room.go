package chat

import (
	"slices"
	"time"
)

// MainRoomName is the distinguished room every registered user belongs to.
// It can never be deleted and its membership snapshot is authoritative for
// who is connected.
const MainRoomName = "Main room"

// ConcatWindow is how close together two messages from the same owner must be
// for the second to be appended to the first instead of stored separately.
const ConcatWindow = time.Minute

// RoomKind tags a room as a plain chat room or a voice room.
type RoomKind int

const (
	KindChat RoomKind = iota
	KindVoice
)

// Message is one stored room message. IDs are monotonic per room.
type Message struct {
	ID    int64     `json:"id"`
	Owner string    `json:"owner"`
	Text  string    `json:"text"`
	Time  time.Time `json:"time"`
}

// Room holds a room's membership, files and messages. Members are kept in
// join order; the oldest member inherits administration when the admin
// leaves. Invariant: a non-empty admin is always a member.
type Room struct {
	Name  string
	Admin string
	Kind  RoomKind
	// Enabled is the voice broadcast flag. Meaningful for voice rooms only.
	Enabled bool

	members  []string
	Files    map[FileID]FileDescription
	Messages map[int64]*Message

	nextMessageID int64
	lastMessageID int64
}

func NewRoom(name string, kind RoomKind, admin string) *Room {
	r := &Room{
		Name:     name,
		Admin:    admin,
		Kind:     kind,
		Files:    make(map[FileID]FileDescription),
		Messages: make(map[int64]*Message),
	}
	if admin != "" {
		r.members = append(r.members, admin)
	}
	return r
}

// Members returns the member nicknames in join order.
func (r *Room) Members() []string {
	return slices.Clone(r.members)
}

func (r *Room) MemberCount() int {
	return len(r.members)
}

// HasMember reports whether the nickname is currently a member.
func (r *Room) HasMember(nick string) bool {
	return slices.Contains(r.members, nick)
}

// AddMember adds the user to the room. It reports whether the membership
// actually changed.
func (r *Room) AddMember(nick string) bool {
	if r.HasMember(nick) {
		return false
	}
	r.members = append(r.members, nick)
	return true
}

// RemoveMember removes the user and every file they own in this room.
// It reports whether the membership actually changed.
func (r *Room) RemoveMember(nick string) bool {
	idx := slices.Index(r.members, nick)
	if idx == -1 {
		return false
	}
	r.members = slices.Delete(r.members, idx, idx+1)
	for id := range r.Files {
		if id.Owner.Nickname == nick {
			delete(r.Files, id)
		}
	}
	if r.Admin == nick {
		r.Admin = ""
	}
	return true
}

// OldestMember returns the earliest joined remaining member, or "".
func (r *Room) OldestMember() string {
	if len(r.members) == 0 {
		return ""
	}
	return r.members[0]
}

func (r *Room) AddFile(fd FileDescription) {
	r.Files[fd.ID] = fd
}

func (r *Room) RemoveFile(id FileID) (FileDescription, bool) {
	fd, ok := r.Files[id]
	if ok {
		delete(r.Files, id)
	}
	return fd, ok
}

func (r *Room) File(id FileID) (FileDescription, bool) {
	fd, ok := r.Files[id]
	return fd, ok
}

// AddMessage stores a message. A message from the owner of the previous
// message within ConcatWindow is appended to that message with a newline
// instead of creating a new entry; the returned bool reports whether a new
// entry was created.
func (r *Room) AddMessage(owner, text string, now time.Time) (*Message, bool) {
	if last, ok := r.Messages[r.lastMessageID]; ok {
		if last.Owner == owner && now.Sub(last.Time) <= ConcatWindow {
			last.Text += "\n" + text
			return last, false
		}
	}
	r.nextMessageID++
	m := &Message{ID: r.nextMessageID, Owner: owner, Text: text, Time: now}
	r.Messages[m.ID] = m
	r.lastMessageID = m.ID
	return m, true
}

// Message returns the stored message with the given id.
func (r *Room) Message(id int64) (*Message, bool) {
	m, ok := r.Messages[id]
	return m, ok
}

// MessageIDs returns the ids of all stored messages, sorted.
func (r *Room) MessageIDs() []int64 {
	ids := make([]int64, 0, len(r.Messages))
	for id := range r.Messages {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
