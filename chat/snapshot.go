package chat

import (
	"github.com/samber/lo"
)

// UserSnapshot is the wire form of one user inside a room snapshot.
type UserSnapshot struct {
	ID    UserID `json:"id"`
	Color string `json:"color"`
	Cert  []byte `json:"cert,omitempty"`
}

// RoomSnapshot is the canonical room state broadcast to clients on open and
// refresh. The receiving side converges on it with ReconcileRoom instead of
// replacing local state wholesale.
type RoomSnapshot struct {
	Name     string            `json:"name"`
	Admin    string            `json:"admin"`
	Kind     RoomKind          `json:"kind"`
	Enabled  bool              `json:"enabled"`
	Users    []UserSnapshot    `json:"users"`
	Files    []FileDescription `json:"files"`
	Messages []Message         `json:"messages"`
}

// SnapshotRoom builds the broadcast snapshot for a room from the locked
// model.
func (m *Model) SnapshotRoom(room *Room) RoomSnapshot {
	snap := RoomSnapshot{
		Name:    room.Name,
		Admin:   room.Admin,
		Kind:    room.Kind,
		Enabled: room.Enabled,
	}
	for _, nick := range room.Members() {
		if user, ok := m.Users[nick]; ok {
			snap.Users = append(snap.Users, UserSnapshot{ID: user.ID, Color: user.Color, Cert: user.Cert})
		}
	}
	snap.Files = lo.Values(room.Files)
	for _, id := range room.MessageIDs() {
		snap.Messages = append(snap.Messages, *room.Messages[id])
	}
	return snap
}

// RoomDelta reports what a reconciliation changed, so the room-refreshed
// notification can carry the added and removed message id sets.
type RoomDelta struct {
	Created         bool
	AddedUsers      []string
	RemovedUsers    []string
	AddedMessages   []int64
	RemovedMessages []int64
}

// ReconcileRoom converges the local room onto a received snapshot without
// touching entries that are unchanged in both sets. Per identity set the
// removals are applied first, then the additions. For the main room a user
// present locally but absent from the snapshot is also purged from the
// global user set. For an enabled voice room, membership changes adjust the
// affected users' voice-activity counters. A snapshot for a room that does
// not exist locally creates it; the same snapshot applied twice is a no-op
// the second time.
func (m *Model) ReconcileRoom(snap RoomSnapshot) RoomDelta {
	var delta RoomDelta
	room, ok := m.Rooms[snap.Name]
	if !ok {
		room = NewRoom(snap.Name, snap.Kind, "")
		m.Rooms[snap.Name] = room
		room.Enabled = false
		delta.Created = true
	}

	snapUsers := lo.KeyBy(snap.Users, func(u UserSnapshot) string {
		return u.ID.Nickname
	})

	// Eviction before insertion.
	for _, nick := range room.Members() {
		if _, keep := snapUsers[nick]; keep {
			continue
		}
		room.RemoveMember(nick)
		if user, present := m.Users[nick]; present && room.Kind == KindVoice && room.Enabled {
			user.DecVoice()
		}
		if room.Name == MainRoomName {
			// The main room snapshot is authoritative for who is connected.
			delete(m.Users, nick)
		}
		delta.RemovedUsers = append(delta.RemovedUsers, nick)
	}
	for _, su := range snap.Users {
		if room.HasMember(su.ID.Nickname) {
			continue
		}
		user, present := m.Users[su.ID.Nickname]
		if !present {
			user = &User{ID: su.ID, Color: su.Color, Cert: su.Cert}
			m.Users[su.ID.Nickname] = user
		}
		room.AddMember(su.ID.Nickname)
		if room.Kind == KindVoice && room.Enabled {
			user.IncVoice()
		}
		delta.AddedUsers = append(delta.AddedUsers, su.ID.Nickname)
	}
	room.Admin = snap.Admin

	snapFiles := lo.KeyBy(snap.Files, func(fd FileDescription) FileID {
		return fd.ID
	})
	for id := range room.Files {
		if _, keep := snapFiles[id]; !keep {
			delete(room.Files, id)
		}
	}
	for id, fd := range snapFiles {
		if _, exists := room.Files[id]; !exists {
			room.Files[id] = fd
		}
	}

	snapMessages := lo.KeyBy(snap.Messages, func(msg Message) int64 {
		return msg.ID
	})
	for id := range room.Messages {
		if _, keep := snapMessages[id]; !keep {
			delete(room.Messages, id)
			delta.RemovedMessages = append(delta.RemovedMessages, id)
		}
	}
	for id, msg := range snapMessages {
		local, exists := room.Messages[id]
		switch {
		case !exists:
			room.PutMessage(msg)
			delta.AddedMessages = append(delta.AddedMessages, id)
		case local.Text != msg.Text:
			// Edit case: the snapshot wins.
			local.Text = msg.Text
			local.Time = msg.Time
			delta.AddedMessages = append(delta.AddedMessages, id)
		}
	}

	// Applied last so membership changes above see the previous flag and the
	// transition adjusts exactly the post-reconciliation member set.
	if room.Kind == KindVoice && room.Enabled != snap.Enabled {
		room.Enabled = snap.Enabled
		if snap.Enabled {
			m.adjustVoice(room, 1)
		} else {
			m.adjustVoice(room, -1)
		}
	}

	return delta
}

// PutMessage stores a message under its carried id, keeping the room's id
// counters ahead of it. Used when applying received messages.
func (r *Room) PutMessage(msg Message) {
	stored := msg
	r.Messages[msg.ID] = &stored
	if msg.ID > r.nextMessageID {
		r.nextMessageID = msg.ID
	}
	if msg.ID > r.lastMessageID {
		r.lastMessageID = msg.ID
	}
}
