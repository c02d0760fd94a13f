// Package client implements the user side of the platform: the framed server
// connection, a local replica of the rooms this user belongs to, direct peer
// links established by UDP hole punching, and file and voice transfer over
// those links.
//
// The local replica converges on server snapshots through reconciliation, so
// a refresh never discards state the snapshot agrees with. Everything an
// embedding application needs to observe arrives through the Notifier.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/peerchat/peerchat/chat"
	"github.com/peerchat/peerchat/command"
	"github.com/peerchat/peerchat/peer"
	"github.com/peerchat/peerchat/protocol"
	"github.com/peerchat/peerchat/wire"
)

const (
	// serverConnID marks commands that arrived over the server link.
	serverConnID = "server"

	DefaultChunkSize   = 64 * 1024
	DefaultPartTimeout = 5 * time.Second
	DefaultPartRetries = 5

	// maxPartSize caps one file part so the encoded write-file-part frame,
	// envelope and content included, fits a single UDP datagram on the peer
	// link (65507 byte payload ceiling).
	maxPartSize = 63 * 1024
)

var (
	ErrNotConnected       = errors.New("not connected to a server")
	ErrRegistrationFailed = errors.New("registration failed")
	ErrPeerNotConnected   = errors.New("no direct link to peer")
)

type Config struct {
	ServerAddr string
	Nickname   string
	Color      string
	// Cert is the user's DER-encoded certificate; its SHA-256 digest
	// becomes the identity thumbprint. Optional.
	Cert []byte

	// ChunkSize is the file part size requested from peers.
	ChunkSize int64
	// PartTimeout and PartRetries bound how long an unanswered part
	// request is waited out before it is re-sent or the download fails.
	PartTimeout time.Duration
	PartRetries int
}

func (c *Config) withDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.PartTimeout == 0 {
		c.PartTimeout = DefaultPartTimeout
	}
	if c.PartRetries == 0 {
		c.PartRetries = DefaultPartRetries
	}
}

type Client struct {
	config   Config
	logger   *slog.Logger
	clock    clock.Clock
	baseCtx  context.Context
	guard    *chat.Guard
	registry *command.Registry
	notifier *Notifier

	conn *wire.Conn

	mu         sync.Mutex
	pending    map[int32]*pairingState
	peers      map[string]*peerLink
	queued     map[string][]chat.FileID
	retries    map[chat.FileID]*retryState
	nextFileID int32

	regCh chan protocol.RegistrationResponse

	done      chan struct{}
	closeOnce sync.Once
}

// pairingState is one rendezvous attempt in flight: the UDP session used for
// hailing and later punching, and the hail outcome the punch must wait for.
type pairingState struct {
	session *peer.Session
	role    byte
	hailed  chan error
}

// peerLink is one established direct connection.
type peerLink struct {
	user chat.UserSnapshot
	conn *wire.Conn
}

type retryState struct {
	timer    *clock.Timer
	attempts int
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithClock(cl clock.Clock) Option {
	return func(c *Client) {
		c.clock = cl
	}
}

func WithBaseContext(ctx context.Context) Option {
	return func(c *Client) {
		c.baseCtx = ctx
	}
}

func New(config Config, opts ...Option) *Client {
	config.withDefaults()
	c := &Client{
		config:   config,
		logger:   slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		clock:    clock.New(),
		baseCtx:  context.Background(),
		guard:    chat.NewGuard(chat.NewModel()),
		registry: command.NewRegistry(),
		pending:  make(map[int32]*pairingState),
		peers:    make(map[string]*peerLink),
		queued:   make(map[string][]chat.FileID),
		retries:  make(map[chat.FileID]*retryState),
		regCh:    make(chan protocol.RegistrationResponse, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.notifier = newNotifier(c.logger)
	c.registerCommands()
	return c
}

// Notifier returns the event surface for the embedding application.
func (c *Client) Notifier() *Notifier {
	return c.notifier
}

// UserID is this client's identity: the configured nickname plus the
// certificate thumbprint.
func (c *Client) UserID() chat.UserID {
	return chat.NewUserID(c.config.Nickname, thumbprint(c.config.Cert))
}

func thumbprint(cert []byte) string {
	if len(cert) == 0 {
		return ""
	}
	digest := sha256.Sum256(cert)
	return hex.EncodeToString(digest[:])
}

// Use hands out the locked local model for read access by the embedding
// application.
func (c *Client) Use(ctx context.Context) (*chat.Model, func(), error) {
	return c.guard.Use(ctx)
}

// Connect dials the server and starts routing its frames.
func (c *Client) Connect(ctx context.Context) error {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", c.config.ServerAddr)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	return c.Run(raw)
}

// Run adopts an established byte-stream connection to the server. Connect
// uses it after dialing; tests and alternative transports hand a socket in
// directly.
func (c *Client) Run(raw net.Conn) error {
	c.conn = wire.New(raw, wire.WithLogger(c.logger))
	c.conn.OnReceived(c.handleServerFrame)
	c.conn.Start()
	c.logger.Info("connected to server", slog.String("addr", raw.RemoteAddr().String()))
	return nil
}

// Register announces this client's identity and waits for the server's
// verdict.
func (c *Client) Register(ctx context.Context) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	err := c.conn.Send(protocol.SrvRegister, protocol.RegisterRequest{
		User: chat.UserSnapshot{ID: c.UserID(), Color: c.config.Color, Cert: c.config.Cert},
	}, nil)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-c.regCh:
		if !resp.Registered {
			return fmt.Errorf("%w: %s", ErrRegistrationFailed, resp.Message)
		}
		return nil
	}
}

func (c *Client) send(id uint16, content any) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.Send(id, content, nil)
}

func (c *Client) CreateRoom(name string, voice bool) error {
	return c.send(protocol.SrvCreateRoom, protocol.CreateRoomRequest{RoomName: name, Voice: voice})
}

func (c *Client) DeleteRoom(name string) error {
	return c.send(protocol.SrvDeleteRoom, protocol.RoomRequest{RoomName: name})
}

func (c *Client) InviteUsers(room string, nicks ...string) error {
	return c.send(protocol.SrvInviteUsers, protocol.UsersRequest{RoomName: room, Users: nicks})
}

func (c *Client) KickUsers(room string, nicks ...string) error {
	return c.send(protocol.SrvKickUsers, protocol.UsersRequest{RoomName: room, Users: nicks})
}

func (c *Client) ExitRoom(name string) error {
	return c.send(protocol.SrvExitFromRoom, protocol.RoomRequest{RoomName: name})
}

func (c *Client) RefreshRoom(name string) error {
	return c.send(protocol.SrvRefreshRoom, protocol.RoomRequest{RoomName: name})
}

func (c *Client) SetRoomAdmin(room, newAdmin string) error {
	return c.send(protocol.SrvSetRoomAdmin, protocol.SetRoomAdminRequest{RoomName: room, NewAdmin: newAdmin})
}

func (c *Client) SendMessage(room, text string) error {
	return c.send(protocol.SrvSendRoomMessage, protocol.SendMessageRequest{RoomName: room, Text: text})
}

func (c *Client) EnableVoice(room string) error {
	return c.send(protocol.SrvEnableVoiceRoom, protocol.RoomRequest{RoomName: room})
}

func (c *Client) DisableVoice(room string) error {
	return c.send(protocol.SrvDisableVoiceRoom, protocol.RoomRequest{RoomName: room})
}

// ConnectToPeer asks the server to pair this client with the target user.
// The resulting link, if any, is announced through EventPeerConnected.
func (c *Client) ConnectToPeer(nick string) error {
	return c.send(protocol.SrvConnectToPeer, protocol.ConnectRequest{Nickname: nick})
}

func (c *Client) Ping() error {
	return c.send(protocol.SrvPing, nil)
}

func (c *Client) Unregister() error {
	return c.send(protocol.SrvUnregister, nil)
}

// Close tears down the server link, every peer link and every open file.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Lock()
		for _, p := range c.pending {
			p.session.Close()
		}
		c.pending = map[int32]*pairingState{}
		links := make([]*peerLink, 0, len(c.peers))
		for _, l := range c.peers {
			links = append(links, l)
		}
		c.peers = map[string]*peerLink{}
		for _, r := range c.retries {
			r.timer.Stop()
		}
		c.retries = map[chat.FileID]*retryState{}
		c.mu.Unlock()
		for _, l := range links {
			l.conn.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if model, release, err := c.guard.Use(ctx); err == nil {
			model.CloseFiles()
			release()
		}
		c.logger.Info("client closed")
	})
}

func (c *Client) handleServerFrame(f wire.Frame, err error) {
	if err != nil {
		select {
		case <-c.done:
		default:
			c.logger.Error(fmt.Sprintf("server connection: %v", err))
			c.notifier.emit(EventDisconnected, nil)
		}
		return
	}
	c.dispatch(command.Context{
		Ctx:          c.baseCtx,
		ConnectionID: serverConnID,
		Raw:          f.Raw,
	}, f)
}

func (c *Client) handlePeerFrame(nick string) wire.ReceivedFunc {
	return func(f wire.Frame, err error) {
		if err != nil {
			c.dropPeer(nick, err.Error())
			return
		}
		c.dispatch(command.Context{
			Ctx:    c.baseCtx,
			PeerID: nick,
			Raw:    f.Raw,
		}, f)
	}
}

func (c *Client) dispatch(ctx command.Context, f wire.Frame) {
	if err := c.registry.Run(ctx, f.ID, f.Content); err != nil {
		c.logger.Error(fmt.Sprintf("command %d: %v", f.ID, err))
	}
}
