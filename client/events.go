package client

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/peerchat/peerchat/chat"
)

// Event types emitted toward the embedding application (a UI, a bot, a
// test). Handlers run on the connection's dispatch goroutine and must not
// block.
const (
	EventRegistered       = "registered"
	EventDisconnected     = "disconnected"
	EventRoomOpened       = "room-opened"
	EventRoomClosed       = "room-closed"
	EventRoomRefreshed    = "room-refreshed"
	EventMessageReceived  = "message-received"
	EventSystemMessage    = "system-message"
	EventFilePosted       = "file-posted"
	EventFileDeleted      = "file-deleted"
	EventDownloadProgress = "download-progress"
	EventDownloadComplete = "download-complete"
	EventDownloadFailed   = "download-failed"
	EventPeerConnected    = "peer-connected"
	EventPeerDisconnected = "peer-disconnected"
	EventVoice            = "voice"
	EventPong             = "pong"
)

type Event struct {
	Type    string
	Payload any
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload: %T}", e.Type, e.Payload)
}

type RegisteredEvent struct {
	Registered bool
	Message    string
}

type RoomEvent struct {
	Room  string
	Delta chat.RoomDelta
}

type MessageEvent struct {
	Room    string
	Message chat.Message
}

type SystemMessageEvent struct {
	Room string
	Text string
}

type FileEvent struct {
	Room string
	File chat.FileDescription
}

type FileDeletedEvent struct {
	Room   string
	FileID chat.FileID
}

type DownloadEvent struct {
	File     chat.FileDescription
	Path     string
	Progress int
	Reason   string
}

type PeerEvent struct {
	User chat.UserSnapshot
}

type VoiceEvent struct {
	From   string
	Sample []byte
}

// Notifier fans events out to registered listeners by type. A type with no
// listener is dropped silently.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[string][]func(Event)
	logger    *slog.Logger
}

func newNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		listeners: make(map[string][]func(Event)),
		logger:    logger,
	}
}

// On registers a listener for one event type.
func (n *Notifier) On(eventType string, fn func(Event)) {
	n.mu.Lock()
	n.listeners[eventType] = append(n.listeners[eventType], fn)
	n.mu.Unlock()
}

func (n *Notifier) emit(eventType string, payload any) {
	n.mu.RLock()
	fns := n.listeners[eventType]
	n.mu.RUnlock()
	if len(fns) == 0 {
		return
	}
	e := Event{Type: eventType, Payload: payload}
	n.logger.Debug(fmt.Sprintf("emit: %v", e))
	for _, fn := range fns {
		fn(e)
	}
}
