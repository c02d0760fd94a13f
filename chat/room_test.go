package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomMembershipNetEffect(t *testing.T) {
	t.Parallel()
	room := NewRoom("R", KindChat, "alice")

	ops := []struct {
		add  bool
		nick string
	}{
		{true, "bob"},
		{true, "carol"},
		{false, "bob"},
		{true, "bob"},
		{false, "carol"},
		{false, "dave"}, // never added, nothing to remove
	}
	for _, op := range ops {
		if op.add {
			room.AddMember(op.nick)
		} else {
			room.RemoveMember(op.nick)
		}
	}

	assert.True(t, room.HasMember("alice"))
	assert.True(t, room.HasMember("bob"))
	assert.False(t, room.HasMember("carol"))
	assert.False(t, room.HasMember("dave"))
}

func TestRemoveMemberRemovesOwnedFiles(t *testing.T) {
	t.Parallel()
	room := NewRoom("R", KindChat, "alice")
	room.AddMember("bob")

	bobID := NewUserID("bob", "BB")
	aliceID := NewUserID("alice", "AA")
	room.AddFile(FileDescription{ID: FileID{Owner: bobID, ID: 1}, Size: 10, Name: "b1.txt"})
	room.AddFile(FileDescription{ID: FileID{Owner: bobID, ID: 2}, Size: 20, Name: "b2.txt"})
	room.AddFile(FileDescription{ID: FileID{Owner: aliceID, ID: 1}, Size: 30, Name: "a.txt"})

	require.True(t, room.RemoveMember("bob"))

	_, ok := room.File(FileID{Owner: bobID, ID: 1})
	assert.False(t, ok)
	_, ok = room.File(FileID{Owner: bobID, ID: 2})
	assert.False(t, ok)
	_, ok = room.File(FileID{Owner: aliceID, ID: 1})
	assert.True(t, ok)
}

func TestAddMemberIsIdempotent(t *testing.T) {
	t.Parallel()
	room := NewRoom("R", KindChat, "alice")
	assert.True(t, room.AddMember("bob"))
	assert.False(t, room.AddMember("bob"))
	assert.Equal(t, []string{"alice", "bob"}, room.Members())
}

func TestMessageConcatenation(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("within window merges into the earlier message", func(t *testing.T) {
		room := NewRoom("R", KindChat, "alice")
		first, created := room.AddMessage("alice", "hello", now)
		require.True(t, created)
		second, created := room.AddMessage("alice", "again", now.Add(30*time.Second))
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "hello\nagain", second.Text)
		assert.Len(t, room.Messages, 1)
	})

	t.Run("beyond window stays distinct", func(t *testing.T) {
		room := NewRoom("R", KindChat, "alice")
		room.AddMessage("alice", "hello", now)
		_, created := room.AddMessage("alice", "later", now.Add(ConcatWindow+time.Second))
		assert.True(t, created)
		assert.Len(t, room.Messages, 2)
	})

	t.Run("different owner stays distinct", func(t *testing.T) {
		room := NewRoom("R", KindChat, "alice")
		room.AddMessage("alice", "hello", now)
		_, created := room.AddMessage("bob", "hi", now.Add(time.Second))
		assert.True(t, created)
		assert.Len(t, room.Messages, 2)
	})

	t.Run("ids are monotonic", func(t *testing.T) {
		room := NewRoom("R", KindChat, "alice")
		a, _ := room.AddMessage("alice", "1", now)
		b, _ := room.AddMessage("bob", "2", now)
		c, _ := room.AddMessage("alice", "3", now.Add(2*ConcatWindow))
		assert.Less(t, a.ID, b.ID)
		assert.Less(t, b.ID, c.ID)
	})
}

func TestOldestMember(t *testing.T) {
	t.Parallel()
	room := NewRoom("R", KindChat, "alice")
	room.AddMember("bob")
	room.AddMember("carol")
	room.RemoveMember("alice")
	assert.Equal(t, "bob", room.OldestMember())
}
