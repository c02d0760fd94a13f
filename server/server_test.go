package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerchat/peerchat/chat"
	"github.com/peerchat/peerchat/protocol"
	"github.com/peerchat/peerchat/wire"
)

// testClient drives one attached connection through an in-memory pipe.
type testClient struct {
	w      *wire.Conn
	frames chan wire.Frame
}

func attachClient(t *testing.T, s *Server) *testClient {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	s.Attach(serverEnd)

	tc := &testClient{
		w:      wire.New(clientEnd),
		frames: make(chan wire.Frame, 64),
	}
	tc.w.OnReceived(func(f wire.Frame, err error) {
		if err == nil {
			tc.frames <- f
		}
	})
	tc.w.Start()
	t.Cleanup(func() { tc.w.Close() })
	return tc
}

func (tc *testClient) send(t *testing.T, id uint16, content any) {
	t.Helper()
	require.NoError(t, tc.w.Send(id, content, nil))
}

// expect waits for the next frame with the given id, discarding others.
func (tc *testClient) expect(t *testing.T, id uint16) wire.Frame {
	t.Helper()
	return tc.expectMatch(t, id, func(wire.Frame) bool { return true })
}

func (tc *testClient) expectMatch(t *testing.T, id uint16, match func(wire.Frame) bool) wire.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-tc.frames:
			if f.ID == id && match(f) {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for command %d", id)
			return wire.Frame{}
		}
	}
}

// expectRefresh waits for a refresh of the named room satisfying match,
// skipping refreshes of other rooms and stale broadcasts.
func (tc *testClient) expectRefresh(t *testing.T, name string, match func(chat.RoomSnapshot) bool) chat.RoomSnapshot {
	t.Helper()
	f := tc.expectMatch(t, protocol.CltRoomRefreshed, func(f wire.Frame) bool {
		var r protocol.RoomRefreshed
		if err := json.Unmarshal(f.Content, &r); err != nil {
			return false
		}
		return r.Room.Name == name && match(r.Room)
	})
	return decodeContent[protocol.RoomRefreshed](t, f).Room
}

func decodeContent[T any](t *testing.T, f wire.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Content, &v))
	return v
}

func newTestServer(t *testing.T) (*Server, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	s := New(Config{}, WithClock(mock))
	t.Cleanup(s.Close)
	return s, mock
}

func register(t *testing.T, tc *testClient, nick string) {
	t.Helper()
	tc.send(t, protocol.SrvRegister, protocol.RegisterRequest{
		User: chat.UserSnapshot{ID: chat.NewUserID(nick, ""), Color: "#336699"},
	})
	resp := decodeContent[protocol.RegistrationResponse](t, tc.expect(t, protocol.CltRegistrationResponse))
	require.True(t, resp.Registered, resp.Message)
	tc.expect(t, protocol.CltRoomOpened)
}

func TestRegisterJoinsMainRoom(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)

	alice.send(t, protocol.SrvRegister, protocol.RegisterRequest{
		User: chat.UserSnapshot{ID: chat.NewUserID("alice", ""), Color: "#ff0000"},
	})
	resp := decodeContent[protocol.RegistrationResponse](t, alice.expect(t, protocol.CltRegistrationResponse))
	assert.True(t, resp.Registered)

	opened := decodeContent[protocol.RoomOpened](t, alice.expect(t, protocol.CltRoomOpened))
	assert.Equal(t, chat.MainRoomName, opened.Room.Name)
	require.Len(t, opened.Room.Users, 1)
	assert.Equal(t, "alice", opened.Room.Users[0].ID.Nickname)
}

func TestRegisterDuplicateNickname(t *testing.T) {
	s, _ := newTestServer(t)
	first := attachClient(t, s)
	second := attachClient(t, s)
	register(t, first, "alice")

	second.send(t, protocol.SrvRegister, protocol.RegisterRequest{
		User: chat.UserSnapshot{ID: chat.NewUserID("alice", "")},
	})
	resp := decodeContent[protocol.RegistrationResponse](t, second.expect(t, protocol.CltRegistrationResponse))
	assert.False(t, resp.Registered)
	assert.Contains(t, resp.Message, "taken")
}

func TestRegisterRejectsRebindOnRegisteredConnection(t *testing.T) {
	s, _ := newTestServer(t)
	tc := attachClient(t, s)
	register(t, tc, "alice")

	tc.send(t, protocol.SrvRegister, protocol.RegisterRequest{
		User: chat.UserSnapshot{ID: chat.NewUserID("mallory", "")},
	})
	resp := decodeContent[protocol.RegistrationResponse](t, tc.expect(t, protocol.CltRegistrationResponse))
	assert.False(t, resp.Registered)
	assert.Contains(t, resp.Message, "already registered")

	// The connection keeps its original identity and the model never saw
	// the second nickname.
	model, release, err := s.Guard().Use(context.Background())
	require.NoError(t, err)
	defer release()
	_, ok := model.User("alice")
	assert.True(t, ok)
	_, ok = model.User("mallory")
	assert.False(t, ok)
}

func TestRegisterRejectsBadThumbprint(t *testing.T) {
	s, _ := newTestServer(t)
	tc := attachClient(t, s)

	cert := []byte("not a real certificate")
	tc.send(t, protocol.SrvRegister, protocol.RegisterRequest{
		User: chat.UserSnapshot{
			ID:   chat.NewUserID("mallory", "deadbeef"),
			Cert: cert,
		},
	})
	resp := decodeContent[protocol.RegistrationResponse](t, tc.expect(t, protocol.CltRegistrationResponse))
	assert.False(t, resp.Registered)
}

func TestRegisterRejectsThumbprintMismatchEvenWithRealDigest(t *testing.T) {
	s, _ := newTestServer(t)
	tc := attachClient(t, s)

	cert := []byte("certificate bytes")
	digest := sha256.Sum256([]byte("different bytes"))
	tc.send(t, protocol.SrvRegister, protocol.RegisterRequest{
		User: chat.UserSnapshot{
			ID:   chat.NewUserID("mallory", hex.EncodeToString(digest[:])),
			Cert: cert,
		},
	})
	resp := decodeContent[protocol.RegistrationResponse](t, tc.expect(t, protocol.CltRegistrationResponse))
	assert.False(t, resp.Registered)
}

func TestCreateRoomAndInvite(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	bob := attachClient(t, s)
	register(t, alice, "alice")
	register(t, bob, "bob")

	alice.send(t, protocol.SrvCreateRoom, protocol.CreateRoomRequest{RoomName: "den"})
	opened := decodeContent[protocol.RoomOpened](t, alice.expect(t, protocol.CltRoomOpened))
	assert.Equal(t, "den", opened.Room.Name)
	assert.Equal(t, "alice", opened.Room.Admin)

	alice.send(t, protocol.SrvInviteUsers, protocol.UsersRequest{RoomName: "den", Users: []string{"bob"}})
	bobOpened := decodeContent[protocol.RoomOpened](t, bob.expect(t, protocol.CltRoomOpened))
	assert.Equal(t, "den", bobOpened.Room.Name)
	assert.Len(t, bobOpened.Room.Users, 2)

	refreshed := alice.expectRefresh(t, "den", func(r chat.RoomSnapshot) bool { return len(r.Users) == 2 })
	assert.Equal(t, "alice", refreshed.Admin)
}

func TestInviteUnknownUser(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	register(t, alice, "alice")

	alice.send(t, protocol.SrvCreateRoom, protocol.CreateRoomRequest{RoomName: "den"})
	alice.expect(t, protocol.CltRoomOpened)

	alice.send(t, protocol.SrvInviteUsers, protocol.UsersRequest{RoomName: "den", Users: []string{"ghost"}})
	sys := decodeContent[protocol.OutSystemMessage](t, alice.expect(t, protocol.CltOutSystemMessage))
	assert.Contains(t, sys.Message, "ghost")
}

func TestSendMessageBroadcast(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	bob := attachClient(t, s)
	register(t, alice, "alice")
	register(t, bob, "bob")

	alice.send(t, protocol.SrvSendRoomMessage, protocol.SendMessageRequest{
		RoomName: chat.MainRoomName,
		Text:     "hello there",
	})
	for _, tc := range []*testClient{alice, bob} {
		out := decodeContent[protocol.OutRoomMessage](t, tc.expect(t, protocol.CltOutRoomMessage))
		assert.Equal(t, chat.MainRoomName, out.RoomName)
		assert.Equal(t, "alice", out.Message.Owner)
		assert.Equal(t, "hello there", out.Message.Text)
	}
}

func TestSendMessageToMissingRoom(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	register(t, alice, "alice")

	alice.send(t, protocol.SrvSendRoomMessage, protocol.SendMessageRequest{
		RoomName: "nowhere",
		Text:     "anyone?",
	})
	closed := decodeContent[protocol.RoomClosed](t, alice.expect(t, protocol.CltRoomClosed))
	assert.Equal(t, "nowhere", closed.RoomName)
	alice.expect(t, protocol.CltOutSystemMessage)
}

func TestKickRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	bob := attachClient(t, s)
	register(t, alice, "alice")
	register(t, bob, "bob")

	alice.send(t, protocol.SrvCreateRoom, protocol.CreateRoomRequest{RoomName: "den"})
	alice.expect(t, protocol.CltRoomOpened)
	alice.send(t, protocol.SrvInviteUsers, protocol.UsersRequest{RoomName: "den", Users: []string{"bob"}})
	bob.expect(t, protocol.CltRoomOpened)

	bob.send(t, protocol.SrvKickUsers, protocol.UsersRequest{RoomName: "den", Users: []string{"alice"}})
	sys := decodeContent[protocol.OutSystemMessage](t, bob.expect(t, protocol.CltOutSystemMessage))
	assert.Contains(t, sys.Message, "administrator")
}

func TestExitAppliesAdminSuccession(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	bob := attachClient(t, s)
	register(t, alice, "alice")
	register(t, bob, "bob")

	alice.send(t, protocol.SrvCreateRoom, protocol.CreateRoomRequest{RoomName: "den"})
	alice.expect(t, protocol.CltRoomOpened)
	alice.send(t, protocol.SrvInviteUsers, protocol.UsersRequest{RoomName: "den", Users: []string{"bob"}})
	bob.expect(t, protocol.CltRoomOpened)

	alice.send(t, protocol.SrvExitFromRoom, protocol.RoomRequest{RoomName: "den"})
	closed := decodeContent[protocol.RoomClosed](t, alice.expect(t, protocol.CltRoomClosed))
	assert.Equal(t, "den", closed.RoomName)

	refreshed := bob.expectRefresh(t, "den", func(r chat.RoomSnapshot) bool { return true })
	assert.Equal(t, "bob", refreshed.Admin)
	sys := decodeContent[protocol.OutSystemMessage](t, bob.expect(t, protocol.CltOutSystemMessage))
	assert.Contains(t, sys.Message, "administrator")
}

func TestDeleteRoomClosesForMembers(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	bob := attachClient(t, s)
	register(t, alice, "alice")
	register(t, bob, "bob")

	alice.send(t, protocol.SrvCreateRoom, protocol.CreateRoomRequest{RoomName: "den"})
	alice.expect(t, protocol.CltRoomOpened)
	alice.send(t, protocol.SrvInviteUsers, protocol.UsersRequest{RoomName: "den", Users: []string{"bob"}})
	bob.expect(t, protocol.CltRoomOpened)

	alice.send(t, protocol.SrvDeleteRoom, protocol.RoomRequest{RoomName: "den"})
	assert.Equal(t, "den", decodeContent[protocol.RoomClosed](t, alice.expect(t, protocol.CltRoomClosed)).RoomName)
	assert.Equal(t, "den", decodeContent[protocol.RoomClosed](t, bob.expect(t, protocol.CltRoomClosed)).RoomName)
}

func TestFilePostingBroadcast(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	bob := attachClient(t, s)
	register(t, alice, "alice")
	register(t, bob, "bob")

	fd := chat.FileDescription{
		ID:   chat.FileID{Owner: chat.NewUserID("alice", ""), ID: 7},
		Size: 1024,
		Name: "notes.txt",
	}
	alice.send(t, protocol.SrvAddFileToRoom, protocol.AddFileRequest{RoomName: chat.MainRoomName, File: fd})
	posted := decodeContent[protocol.FilePosted](t, bob.expect(t, protocol.CltFilePosted))
	assert.Equal(t, fd.Name, posted.File.Name)

	alice.send(t, protocol.SrvRemoveFileFromRoom, protocol.RemoveFileRequest{RoomName: chat.MainRoomName, FileID: fd.ID})
	deleted := decodeContent[protocol.PostedFileDeleted](t, bob.expect(t, protocol.CltPostedFileDeleted))
	assert.Equal(t, fd.ID, deleted.FileID)
}

func TestVoiceRoomToggleBroadcastsRefresh(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	register(t, alice, "alice")

	alice.send(t, protocol.SrvCreateRoom, protocol.CreateRoomRequest{RoomName: "radio", Voice: true})
	alice.expect(t, protocol.CltRoomOpened)

	alice.send(t, protocol.SrvEnableVoiceRoom, protocol.RoomRequest{RoomName: "radio"})
	alice.expectRefresh(t, "radio", func(r chat.RoomSnapshot) bool { return r.Enabled })

	alice.send(t, protocol.SrvDisableVoiceRoom, protocol.RoomRequest{RoomName: "radio"})
	alice.expectRefresh(t, "radio", func(r chat.RoomSnapshot) bool { return !r.Enabled })
}

func TestEnableVoiceOnChatRoom(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	register(t, alice, "alice")

	alice.send(t, protocol.SrvCreateRoom, protocol.CreateRoomRequest{RoomName: "den"})
	alice.expect(t, protocol.CltRoomOpened)

	alice.send(t, protocol.SrvEnableVoiceRoom, protocol.RoomRequest{RoomName: "den"})
	sys := decodeContent[protocol.OutSystemMessage](t, alice.expect(t, protocol.CltOutSystemMessage))
	assert.Contains(t, sys.Message, "voice")
}

func TestConnectToPeerInstructsBothSides(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	bob := attachClient(t, s)
	register(t, alice, "alice")
	register(t, bob, "bob")

	alice.send(t, protocol.SrvConnectToPeer, protocol.ConnectRequest{Nickname: "bob"})

	toAlice := decodeContent[protocol.ConnectToRendezvous](t, alice.expect(t, protocol.CltConnectToRendezvous))
	toBob := decodeContent[protocol.ConnectToRendezvous](t, bob.expect(t, protocol.CltConnectToRendezvous))
	assert.Equal(t, toAlice.PairingID, toBob.PairingID)
	assert.Equal(t, protocol.RoleSender, toAlice.Role)
	assert.Equal(t, protocol.RoleReceiver, toBob.Role)
}

func TestConnectToPeerUnknownTarget(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	register(t, alice, "alice")

	alice.send(t, protocol.SrvConnectToPeer, protocol.ConnectRequest{Nickname: "ghost"})
	sys := decodeContent[protocol.OutSystemMessage](t, alice.expect(t, protocol.CltOutSystemMessage))
	assert.Contains(t, sys.Message, "not connected")
}

func TestPingPong(t *testing.T) {
	s, _ := newTestServer(t)
	tc := attachClient(t, s)
	tc.send(t, protocol.SrvPing, nil)
	tc.expect(t, protocol.CltPong)
}

func TestUnregisterRemovesUserEverywhere(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	bob := attachClient(t, s)
	register(t, alice, "alice")
	register(t, bob, "bob")

	alice.send(t, protocol.SrvUnregister, nil)

	refreshed := bob.expectRefresh(t, chat.MainRoomName, func(r chat.RoomSnapshot) bool { return len(r.Users) == 1 })
	assert.Equal(t, "bob", refreshed.Users[0].ID.Nickname)
}

func TestDisconnectCleansUpLikeUnregister(t *testing.T) {
	s, _ := newTestServer(t)
	alice := attachClient(t, s)
	bob := attachClient(t, s)
	register(t, alice, "alice")
	register(t, bob, "bob")

	alice.w.Close()

	refreshed := bob.expectRefresh(t, chat.MainRoomName, func(r chat.RoomSnapshot) bool { return len(r.Users) == 1 })
	assert.Equal(t, "bob", refreshed.Users[0].ID.Nickname)
}

func TestSweepReapsIdleConnections(t *testing.T) {
	s, mock := newTestServer(t)
	alice := attachClient(t, s)
	register(t, alice, "alice")
	require.Equal(t, 1, s.ConnCount())

	mock.Add(DefaultIdleTimeout + time.Second)
	s.sweep()
	assert.Equal(t, 0, s.ConnCount())
}

func TestSweepReapsUnregisteredConnections(t *testing.T) {
	s, mock := newTestServer(t)
	tc := attachClient(t, s)
	require.Equal(t, 1, s.ConnCount())

	// Activity alone does not save a connection that never registered.
	mock.Add(DefaultIdleTimeout - time.Second)
	tc.send(t, protocol.SrvPing, nil)
	tc.expect(t, protocol.CltPong)
	mock.Add(DefaultIdleTimeout - time.Second)
	tc.send(t, protocol.SrvPing, nil)
	tc.expect(t, protocol.CltPong)
	mock.Add(DefaultIdleTimeout - time.Second)

	s.sweep()
	assert.Equal(t, 0, s.ConnCount())
}

func TestServerOnlyCommandFromPeerOriginDisconnects(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, 0, s.ConnCount())
	// Origin enforcement is covered at the registry level; here we check
	// that an unparsable payload costs the connection.
	tc := attachClient(t, s)
	require.NoError(t, tc.w.Send(protocol.SrvCreateRoom, []string{"not", "a", "request"}, nil))
	assert.Eventually(t, func() bool {
		return s.ConnCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
