package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUser(nick string) *User {
	return &User{ID: NewUserID(nick, nick+"-thumb"), Color: "#336699"}
}

func newTestModel(t *testing.T, nicks ...string) *Model {
	t.Helper()
	m := NewModel()
	for _, nick := range nicks {
		require.NoError(t, m.AddUser(newUser(nick)))
	}
	return m
}

func TestAddUserJoinsMainRoom(t *testing.T) {
	t.Parallel()
	m := newTestModel(t, "alice")
	main, err := m.Room(MainRoomName)
	require.NoError(t, err)
	assert.True(t, main.HasMember("alice"))

	assert.ErrorIs(t, m.AddUser(newUser("alice")), ErrNicknameTaken)
}

func TestAdminSuccessionOnExit(t *testing.T) {
	t.Parallel()
	m := newTestModel(t, "a", "b")
	_, err := m.CreateRoom("R", KindChat, "a")
	require.NoError(t, err)
	require.NoError(t, m.JoinRoom("R", "b"))

	res, err := m.LeaveRoom("R", "a")
	require.NoError(t, err)
	assert.True(t, res.Left)
	assert.False(t, res.Deleted, "non-empty room must not be removed")
	assert.Equal(t, "b", res.NewAdmin)

	room, err := m.Room("R")
	require.NoError(t, err)
	assert.Equal(t, "b", room.Admin)
}

func TestEmptyRoomIsDeleted(t *testing.T) {
	t.Parallel()
	m := newTestModel(t, "a")
	_, err := m.CreateRoom("R", KindChat, "a")
	require.NoError(t, err)

	res, err := m.LeaveRoom("R", "a")
	require.NoError(t, err)
	assert.True(t, res.Deleted)
	_, err = m.Room("R")
	assert.ErrorIs(t, err, ErrRoomNotExist)
}

func TestMainRoomIsImmutable(t *testing.T) {
	t.Parallel()
	m := newTestModel(t, "a")
	_, err := m.DeleteRoom(MainRoomName)
	assert.ErrorIs(t, err, ErrMainRoomImmutable)
	_, err = m.LeaveRoom(MainRoomName, "a")
	assert.ErrorIs(t, err, ErrMainRoomImmutable)
}

func TestRemoveUserSweepsAllRooms(t *testing.T) {
	t.Parallel()
	m := newTestModel(t, "a", "b")
	_, err := m.CreateRoom("R1", KindChat, "a")
	require.NoError(t, err)
	require.NoError(t, m.JoinRoom("R1", "b"))
	_, err = m.CreateRoom("R2", KindChat, "a")
	require.NoError(t, err)

	changes := m.RemoveUser("a")

	_, ok := m.User("a")
	assert.False(t, ok)
	// R1 survives with b as admin, R2 is deleted, main room shrank.
	byRoom := make(map[string]RoomChange)
	for _, c := range changes {
		byRoom[c.Room] = c
	}
	assert.Equal(t, "b", byRoom["R1"].NewAdmin)
	assert.True(t, byRoom["R2"].Deleted)
	assert.Contains(t, byRoom, MainRoomName)
}

func TestVoiceCounters(t *testing.T) {
	t.Parallel()
	m := newTestModel(t, "a", "b")
	_, err := m.CreateRoom("V", KindVoice, "a")
	require.NoError(t, err)
	require.NoError(t, m.JoinRoom("V", "b"))

	a, _ := m.User("a")
	b, _ := m.User("b")
	assert.False(t, a.VoiceActive(), "disabled room must not activate voice")

	require.NoError(t, m.SetVoiceEnabled("V", true))
	assert.True(t, a.VoiceActive())
	assert.True(t, b.VoiceActive())

	// Enabling twice must not double-count.
	require.NoError(t, m.SetVoiceEnabled("V", true))
	require.NoError(t, m.SetVoiceEnabled("V", false))
	assert.False(t, a.VoiceActive())
	assert.False(t, b.VoiceActive())

	require.NoError(t, m.SetVoiceEnabled("V", true))
	_, err = m.LeaveRoom("V", "b")
	require.NoError(t, err)
	assert.False(t, b.VoiceActive(), "leaving an enabled room must release the counter")

	assert.ErrorIs(t, m.SetVoiceEnabled(MainRoomName, true), ErrNotVoiceRoom)
}

type nopReadStream struct{ closed int }

func (s *nopReadStream) ReadAt(b []byte, off int64) (int, error) { return len(b), nil }
func (s *nopReadStream) Close() error                            { s.closed++; return nil }

func TestPostedFileLifecycle(t *testing.T) {
	t.Parallel()
	m := newTestModel(t, "a")
	stream := &nopReadStream{}
	fd := FileDescription{ID: FileID{Owner: NewUserID("a", "aa"), ID: 1}, Size: 10, Name: "f.txt"}

	m.PostFile(fd, stream, "R1")
	m.PostFile(fd, stream, "R2")
	require.Len(t, m.Posted, 1)

	gone, err := m.UnpostFile(fd.ID, "R1")
	require.NoError(t, err)
	assert.False(t, gone, "still posted to R2")
	assert.Zero(t, stream.closed)

	gone, err = m.UnpostFile(fd.ID, "R2")
	require.NoError(t, err)
	assert.True(t, gone)
	assert.Equal(t, 1, stream.closed, "stream closed exactly once on last removal")

	_, err = m.UnpostFile(fd.ID, "R2")
	assert.ErrorIs(t, err, ErrFileNotPosted)
}

type nopWriteCloser struct{ closed int }

func (w *nopWriteCloser) Write(b []byte) (int, error) { return len(b), nil }
func (w *nopWriteCloser) Close() error                { w.closed++; return nil }

func TestDownloadLifecycle(t *testing.T) {
	t.Parallel()
	m := newTestModel(t, "a")
	fd := FileDescription{ID: FileID{Owner: NewUserID("b", "bb"), ID: 1}, Size: 100, Name: "f.txt"}
	w := &nopWriteCloser{}
	d := NewDownloadingFile(fd, "R", "/tmp/f.txt", w)

	require.NoError(t, m.StartDownload(d))
	assert.ErrorIs(t, m.StartDownload(d), ErrAlreadyDownloading)

	n, err := d.Write(make([]byte, 40))
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Equal(t, 40, d.Progress())
	assert.False(t, d.Done())

	d.Write(make([]byte, 60))
	assert.Equal(t, 100, d.Progress())
	assert.True(t, d.Done())

	require.NoError(t, m.EndDownload(fd.ID))
	require.NoError(t, m.EndDownload(fd.ID), "ending twice is harmless")
	assert.Equal(t, 1, w.closed)
}

func TestUserIDThumbprintCaseInsensitive(t *testing.T) {
	t.Parallel()
	a := NewUserID("alice", "AB:CD")
	b := NewUserID("alice", "ab:cd")
	assert.Equal(t, a, b)
	c := NewUserID("Alice", "ab:cd")
	assert.NotEqual(t, a, c, "nicknames compare ordinally")
}
