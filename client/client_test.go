package client

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerchat/peerchat/chat"
	"github.com/peerchat/peerchat/server"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	s := server.New(server.Config{
		Addr:           "127.0.0.1:0",
		RendezvousAddr: "127.0.0.1:0",
	})
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)
	return s
}

func startClient(t *testing.T, s *server.Server, nick string, opts ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		ServerAddr: s.Addr().String(),
		Nickname:   nick,
		Color:      "#808080",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := New(cfg)
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Register(ctx))
	return c
}

// events returns a channel fed by every event of the given type.
func events(c *Client, eventType string) <-chan Event {
	ch := make(chan Event, 64)
	c.Notifier().On(eventType, func(e Event) {
		ch <- e
	})
	return ch
}

func waitEvent(t *testing.T, ch <-chan Event, what string) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return Event{}
	}
}

func TestRegisterReplicatesMainRoom(t *testing.T) {
	s := startServer(t)
	c := startClient(t, s, "alice")

	ctx := context.Background()
	model, release, err := c.Use(ctx)
	require.NoError(t, err)
	defer release()

	room, err := model.Room(chat.MainRoomName)
	require.NoError(t, err)
	assert.True(t, room.HasMember("alice"))
}

func TestRegisterDuplicateNicknameFails(t *testing.T) {
	s := startServer(t)
	startClient(t, s, "alice")

	c := New(Config{ServerAddr: s.Addr().String(), Nickname: "alice"})
	t.Cleanup(c.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	err := c.Register(ctx)
	require.ErrorIs(t, err, ErrRegistrationFailed)
}

func TestRoomLifecycleReplication(t *testing.T) {
	s := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob")

	aliceOpened := events(alice, EventRoomOpened)
	bobOpened := events(bob, EventRoomOpened)
	bobClosed := events(bob, EventRoomClosed)

	require.NoError(t, alice.CreateRoom("den", false))
	waitEvent(t, aliceOpened, "alice room opened")
	require.NoError(t, alice.InviteUsers("den", "bob"))
	waitEvent(t, bobOpened, "bob room opened")

	model, release, err := bob.Use(context.Background())
	require.NoError(t, err)
	room, roomErr := model.Room("den")
	require.NoError(t, roomErr)
	assert.ElementsMatch(t, []string{"alice", "bob"}, room.Members())
	assert.Equal(t, "alice", room.Admin)
	release()

	require.NoError(t, alice.DeleteRoom("den"))
	waitEvent(t, bobClosed, "bob room closed")

	model, release, err = bob.Use(context.Background())
	require.NoError(t, err)
	_, roomErr = model.Room("den")
	assert.ErrorIs(t, roomErr, chat.ErrRoomNotExist)
	release()
}

func TestMessageDeliveryAndReplication(t *testing.T) {
	s := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob")

	bobMessages := events(bob, EventMessageReceived)

	require.NoError(t, alice.SendMessage(chat.MainRoomName, "hello bob"))
	e := waitEvent(t, bobMessages, "message")
	msg := e.Payload.(MessageEvent)
	assert.Equal(t, chat.MainRoomName, msg.Room)
	assert.Equal(t, "alice", msg.Message.Owner)
	assert.Equal(t, "hello bob", msg.Message.Text)

	model, release, err := bob.Use(context.Background())
	require.NoError(t, err)
	room, _ := model.Room(chat.MainRoomName)
	stored, ok := room.Message(msg.Message.ID)
	require.True(t, ok)
	assert.Equal(t, "hello bob", stored.Text)
	release()
}

func TestPeerLinkEstablishment(t *testing.T) {
	s := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob")

	aliceConnected := events(alice, EventPeerConnected)
	bobConnected := events(bob, EventPeerConnected)

	require.NoError(t, alice.ConnectToPeer("bob"))
	e := waitEvent(t, aliceConnected, "alice peer link")
	assert.Equal(t, "bob", e.Payload.(PeerEvent).User.ID.Nickname)
	e = waitEvent(t, bobConnected, "bob peer link")
	assert.Equal(t, "alice", e.Payload.(PeerEvent).User.ID.Nickname)
}

func TestFileDownloadOverPeerLink(t *testing.T) {
	s := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob", func(cfg *Config) {
		// A small chunk forces the transfer through many request cycles.
		cfg.ChunkSize = 1234
	})

	content := make([]byte, 10000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	bobPosted := events(bob, EventFilePosted)
	bobProgress := events(bob, EventDownloadProgress)
	bobComplete := events(bob, EventDownloadComplete)

	fd, err := alice.PostFile(chat.MainRoomName, src)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), fd.Size)
	waitEvent(t, bobPosted, "file posted")

	dest := filepath.Join(dir, "downloaded.bin")
	require.NoError(t, bob.DownloadFile(fd, chat.MainRoomName, dest))

	e := waitEvent(t, bobComplete, "download complete")
	done := e.Payload.(DownloadEvent)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, dest, done.Path)

	// Progress was reported along the way, strictly nondecreasing.
	last := -1
	for {
		var progress int
		select {
		case pe := <-bobProgress:
			progress = pe.Payload.(DownloadEvent).Progress
		default:
			progress = -1
		}
		if progress < 0 {
			break
		}
		assert.GreaterOrEqual(t, progress, last)
		last = progress
	}

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))

	// The download entry is gone once the file is complete.
	model, release, err := bob.Use(context.Background())
	require.NoError(t, err)
	_, dlErr := model.Download(fd.ID)
	assert.ErrorIs(t, dlErr, chat.ErrDownloadNotExist)
	release()
}

func TestFileDownloadWithDefaultChunkSize(t *testing.T) {
	s := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob")

	// Larger than one default chunk, so full-size parts must cross the
	// datagram link without exceeding its payload limit.
	content := make([]byte, 100*1024)
	for i := range content {
		content[i] = byte(i % 247)
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	bobPosted := events(bob, EventFilePosted)
	bobComplete := events(bob, EventDownloadComplete)

	fd, err := alice.PostFile(chat.MainRoomName, src)
	require.NoError(t, err)
	waitEvent(t, bobPosted, "file posted")

	dest := filepath.Join(dir, "big-copy.bin")
	require.NoError(t, bob.DownloadFile(fd, chat.MainRoomName, dest))
	waitEvent(t, bobComplete, "download complete")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestDownloadDeniedToNonMember(t *testing.T) {
	s := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob")

	aliceOpened := events(alice, EventRoomOpened)
	require.NoError(t, alice.CreateRoom("private", false))
	waitEvent(t, aliceOpened, "room opened")

	content := []byte("members only")
	dir := t.TempDir()
	src := filepath.Join(dir, "secret.bin")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	fd, err := alice.PostFile("private", src)
	require.NoError(t, err)

	// Bob knows the file id and room name but is not a member of the room;
	// alice must refuse to serve parts over the direct link.
	bobFailed := events(bob, EventDownloadFailed)
	dest := filepath.Join(dir, "denied.bin")
	require.NoError(t, bob.DownloadFile(fd, "private", dest))

	e := waitEvent(t, bobFailed, "download failed")
	assert.Equal(t, "file no longer posted", e.Payload.(DownloadEvent).Reason)
	_, statErr := os.Stat(dest)
	require.NoError(t, statErr)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDownloadOfUnpostedFileFails(t *testing.T) {
	s := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob")

	content := []byte("short lived")
	dir := t.TempDir()
	src := filepath.Join(dir, "gone.bin")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	bobPosted := events(bob, EventFilePosted)
	bobFailed := events(bob, EventDownloadFailed)

	fd, err := alice.PostFile(chat.MainRoomName, src)
	require.NoError(t, err)
	waitEvent(t, bobPosted, "file posted")

	// Establish the link first so the race is between unpost and request.
	aliceConnected := events(alice, EventPeerConnected)
	bobConnected := events(bob, EventPeerConnected)
	require.NoError(t, bob.ConnectToPeer("alice"))
	waitEvent(t, bobConnected, "bob peer link")
	waitEvent(t, aliceConnected, "alice peer link")

	// Withdraw on alice's side only, then request: alice answers with a
	// deleted notice instead of a part.
	model, release, err := alice.Use(context.Background())
	require.NoError(t, err)
	_, unpostErr := model.UnpostFile(fd.ID, chat.MainRoomName)
	release()
	require.NoError(t, unpostErr)

	dest := filepath.Join(dir, "never.bin")
	require.NoError(t, bob.DownloadFile(fd, chat.MainRoomName, dest))

	e := waitEvent(t, bobFailed, "download failed")
	assert.Equal(t, "file no longer posted", e.Payload.(DownloadEvent).Reason)
}

func TestVoiceFlowsOnlyWhenEnabled(t *testing.T) {
	s := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob")

	aliceOpened := events(alice, EventRoomOpened)
	bobOpened := events(bob, EventRoomOpened)
	require.NoError(t, alice.CreateRoom("radio", true))
	waitEvent(t, aliceOpened, "alice room opened")
	require.NoError(t, alice.InviteUsers("radio", "bob"))
	waitEvent(t, bobOpened, "bob room opened")

	aliceConnected := events(alice, EventPeerConnected)
	require.NoError(t, alice.ConnectToPeer("bob"))
	waitEvent(t, aliceConnected, "peer link")

	bobVoice := events(bob, EventVoice)

	// Disabled room: samples are not delivered to anyone.
	require.NoError(t, alice.SendVoice([]byte{1, 2, 3}))
	select {
	case <-bobVoice:
		t.Fatal("voice delivered while the room was disabled")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, alice.EnableVoice("radio"))
	voiceActive := func(c *Client, nick string) func() bool {
		return func() bool {
			model, release, err := c.Use(context.Background())
			if err != nil {
				return false
			}
			defer release()
			user, ok := model.User(nick)
			return ok && user.VoiceActive()
		}
	}
	require.Eventually(t, voiceActive(alice, "bob"), 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, voiceActive(bob, "alice"), 5*time.Second, 20*time.Millisecond)

	sample := []byte{9, 8, 7, 6}
	require.NoError(t, alice.SendVoice(sample))
	e := waitEvent(t, bobVoice, "voice sample")
	voice := e.Payload.(VoiceEvent)
	assert.Equal(t, "alice", voice.From)
	assert.Equal(t, sample, voice.Sample)
}

func TestExitRoomTransfersAdmin(t *testing.T) {
	s := startServer(t)
	alice := startClient(t, s, "alice")
	bob := startClient(t, s, "bob")

	aliceOpened := events(alice, EventRoomOpened)
	bobOpened := events(bob, EventRoomOpened)
	require.NoError(t, alice.CreateRoom("den", false))
	waitEvent(t, aliceOpened, "alice room opened")
	require.NoError(t, alice.InviteUsers("den", "bob"))
	waitEvent(t, bobOpened, "bob room opened")

	bobRefreshed := events(bob, EventRoomRefreshed)
	aliceClosed := events(alice, EventRoomClosed)
	require.NoError(t, alice.ExitRoom("den"))
	waitEvent(t, aliceClosed, "alice room closed")

	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-bobRefreshed:
			model, release, err := bob.Use(context.Background())
			require.NoError(t, err)
			room, roomErr := model.Room("den")
			admin := ""
			if roomErr == nil {
				admin = room.Admin
			}
			release()
			if admin == "bob" {
				return
			}
		case <-deadline:
			t.Fatal("bob never became administrator")
		}
	}
}
