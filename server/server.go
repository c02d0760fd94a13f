// Package server brokers room membership and message routing for connected
// clients and pairs clients for direct connections through the rendezvous
// service. All shared state lives in the chat model behind its guard;
// handlers are short critical sections and sends only enqueue, so no socket
// I/O happens under the lock.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/peerchat/peerchat/chat"
	"github.com/peerchat/peerchat/command"
	"github.com/peerchat/peerchat/protocol"
	"github.com/peerchat/peerchat/rendezvous"
	"github.com/peerchat/peerchat/wire"
)

const (
	// DefaultIdleTimeout reaps connections with no inbound traffic.
	DefaultIdleTimeout = 2 * time.Minute
	// DefaultUnregisteredTimeout reaps connections that never registered,
	// however chatty they are.
	DefaultUnregisteredTimeout = 5 * time.Minute

	sweepInterval = 15 * time.Second
)

// Archiver persists room messages outside the session layer. Optional.
type Archiver interface {
	SaveMessage(ctx context.Context, roomName string, msg chat.Message) error
}

type Config struct {
	// Addr is the TCP listen address for client connections.
	Addr string
	// RendezvousAddr is the UDP listen address of the rendezvous point.
	RendezvousAddr string
	// AdvertiseHost is the host clients are told to hail the rendezvous
	// point on; the port comes from the bound socket.
	AdvertiseHost string

	IdleTimeout         time.Duration
	UnregisteredTimeout time.Duration
	MaxFrameSize        int
}

func (c *Config) withDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.UnregisteredTimeout == 0 {
		c.UnregisteredTimeout = DefaultUnregisteredTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if c.AdvertiseHost == "" {
		c.AdvertiseHost = "127.0.0.1"
	}
}

// conn is one client connection's bookkeeping entry.
type conn struct {
	id string
	w  *wire.Conn

	mu           sync.Mutex
	user         chat.UserSnapshot
	registered   bool
	lastActivity time.Time
	connectedAt  time.Time
}

func (c *conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *conn) identity() (chat.UserSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user, c.registered
}

func (c *conn) register(user chat.UserSnapshot) {
	c.mu.Lock()
	c.user = user
	c.registered = true
	c.mu.Unlock()
}

type Server struct {
	config     Config
	logger     *slog.Logger
	clock      clock.Clock
	baseCtx    context.Context
	guard      *chat.Guard
	registry   *command.Registry
	pairer     *rendezvous.Service
	point      *rendezvous.UDPPoint
	archive    Archiver
	identities *identityCache

	listener net.Listener

	mu     sync.RWMutex
	conns  map[string]*conn
	byNick map[string]string // nickname -> connection id

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.baseCtx = ctx
	}
}

// WithArchiver attaches an optional message archive.
func WithArchiver(a Archiver) Option {
	return func(s *Server) {
		s.archive = a
	}
}

func New(config Config, opts ...Option) *Server {
	config.withDefaults()
	s := &Server{
		config:     config,
		logger:     slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		clock:      clock.New(),
		baseCtx:    context.Background(),
		guard:      chat.NewGuard(chat.NewModel()),
		registry:   command.NewRegistry(),
		identities: newIdentityCache(),
		conns:      make(map[string]*conn),
		byNick:     make(map[string]string),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pairer = rendezvous.NewService("", s.sendTo,
		rendezvous.WithClock(s.clock),
		rendezvous.WithLogger(s.logger))
	s.registerCommands()
	return s
}

// Start binds the TCP listener and the UDP rendezvous point and begins
// accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	point, err := rendezvous.ListenUDP(s.config.RendezvousAddr, s.pairer,
		rendezvous.WithPointLogger(s.logger))
	if err != nil {
		listener.Close()
		return fmt.Errorf("rendezvous point: %w", err)
	}
	s.point = point
	s.pairer.SetEndpoint(net.JoinHostPort(s.config.AdvertiseHost, fmt.Sprint(point.Addr().Port)))
	s.pairer.Start()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop()
	}()
	s.logger.Info("server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("rendezvous", point.Addr().String()))
	return nil
}

// Addr returns the bound TCP address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// RendezvousAddr returns the bound UDP rendezvous address.
func (s *Server) RendezvousAddr() *net.UDPAddr {
	return s.point.Addr()
}

// Close stops accepting, drops every connection and waits for the loops.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.pairer.Close()
		if s.point != nil {
			s.point.Close()
		}
		s.mu.RLock()
		ids := make([]string, 0, len(s.conns))
		for id := range s.conns {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
		for _, id := range ids {
			s.dropConn(id, "server shutting down")
		}
	})
	s.wg.Wait()
	s.logger.Info("server stopped")
}

func (s *Server) acceptLoop() {
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error(fmt.Sprintf("accept: %v", err))
			}
			return
		}
		s.Attach(raw)
	}
}

// Attach adopts an established byte-stream connection, framing it and
// routing its commands. The accept loop uses it for raw TCP; the gateway
// uses it for websocket transports.
func (s *Server) Attach(raw net.Conn) string {
	id := uuid.NewString()
	now := s.clock.Now()
	c := &conn{
		id:           id,
		w:            wire.New(raw, wire.WithMaxFrameSize(s.config.MaxFrameSize), wire.WithLogger(s.logger)),
		user:         chat.UserSnapshot{ID: chat.TempUserID(id)},
		lastActivity: now,
		connectedAt:  now,
	}
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	c.w.OnReceived(func(f wire.Frame, err error) {
		s.handleFrame(c, f, err)
	})
	c.w.Start()
	s.logger.Info("connection attached",
		slog.String("conn", id),
		slog.String("remote", raw.RemoteAddr().String()))
	return id
}

func (s *Server) handleFrame(c *conn, f wire.Frame, err error) {
	if err != nil {
		if errors.Is(err, wire.ErrOversizedMessage) || errors.Is(err, wire.ErrMalformedFrame) {
			s.logger.Error(fmt.Sprintf("protocol violation on %s: %v", c.id, err))
		} else {
			s.logger.Info("connection lost",
				slog.String("conn", c.id),
				slog.String("err", err.Error()))
		}
		s.dropConn(c.id, "connection error")
		return
	}
	c.touch(s.clock.Now())

	runErr := s.registry.Run(command.Context{
		Ctx:          s.baseCtx,
		ConnectionID: c.id,
		Raw:          f.Raw,
	}, f.ID, f.Content)
	switch {
	case runErr == nil:
	case errors.Is(runErr, command.ErrIllegalInvoker),
		errors.Is(runErr, command.ErrWrongContentType):
		// Protocol violations cost only the offending connection.
		s.logger.Error(fmt.Sprintf("dispatch %d on %s: %v", f.ID, c.id, runErr))
		s.dropConn(c.id, "protocol violation")
	case isStateError(runErr):
		s.sendSystem(c.id, "", runErr.Error())
	default:
		s.logger.Error(fmt.Sprintf("command %d on %s: %v", f.ID, c.id, runErr))
	}
}

// isStateError classifies expected business outcomes that answer the caller
// with a system message instead of tearing anything down.
func isStateError(err error) bool {
	for _, target := range []error{
		chat.ErrRoomNotExist,
		chat.ErrRoomAlreadyExist,
		chat.ErrRoomAccessDenied,
		chat.ErrUserNotExist,
		chat.ErrNicknameTaken,
		chat.ErrMainRoomImmutable,
		chat.ErrNotVoiceRoom,
		chat.ErrFileNotPosted,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// dropConn tears one connection down through the same cleanup path as an
// explicit unregister: membership removal, broadcasts, pairing cleanup.
func (s *Server) dropConn(connID, reason string) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, connID)
	user, registered := c.identity()
	if registered {
		delete(s.byNick, user.ID.Nickname)
	}
	s.mu.Unlock()

	c.w.Close()
	s.pairer.DropConn(connID)
	if registered {
		s.removeFromModel(user.ID.Nickname)
	}
	s.logger.Info("connection dropped",
		slog.String("conn", connID),
		slog.String("reason", reason))
}

// removeFromModel evicts a user from the shared model and broadcasts the
// fallout to every affected room.
func (s *Server) removeFromModel(nick string) {
	model, release, err := s.guard.Use(s.baseCtx)
	if err != nil {
		s.logger.Error(fmt.Sprintf("remove %s: %v", nick, err))
		return
	}
	defer release()

	for _, change := range model.RemoveUser(nick) {
		if change.Deleted {
			continue
		}
		room, err := model.Room(change.Room)
		if err != nil {
			continue
		}
		s.broadcastRefresh(model, room)
		if change.NewAdmin != "" {
			s.notifyAdminChanged(room.Name, change.NewAdmin)
		}
	}
}

func (s *Server) sweepLoop() {
	ticker := s.clock.Ticker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep reaps idle connections and unregistered connections past their
// respective timeouts. Reaping goes through dropConn so membership cleanup
// always happens.
func (s *Server) sweep() {
	now := s.clock.Now()
	s.mu.RLock()
	var stale []string
	for id, c := range s.conns {
		c.mu.Lock()
		idle := now.Sub(c.lastActivity) > s.config.IdleTimeout
		unregistered := !c.registered && now.Sub(c.connectedAt) > s.config.UnregisteredTimeout
		c.mu.Unlock()
		if idle || unregistered {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range stale {
		s.dropConn(id, "swept")
	}
}

// sendTo enqueues a framed command toward one connection. An unknown id is a
// harmless race with disconnection.
func (s *Server) sendTo(connID string, commandID uint16, content any) {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.w.Send(commandID, content, nil); err != nil {
		s.logger.Debug("send failed",
			slog.String("conn", connID),
			slog.Int("command", int(commandID)))
	}
}

func (s *Server) sendSystem(connID, roomName, text string) {
	s.sendTo(connID, protocol.CltOutSystemMessage, protocol.OutSystemMessage{
		RoomName: roomName,
		Message:  text,
	})
}

// connByNick resolves a registered nickname to its connection id.
func (s *Server) connByNick(nick string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNick[nick]
	return id, ok
}

// broadcastRefresh snapshots the room once and sends it to every member.
func (s *Server) broadcastRefresh(model *chat.Model, room *chat.Room) {
	snap := model.SnapshotRoom(room)
	for _, nick := range room.Members() {
		if connID, ok := s.connByNick(nick); ok {
			s.sendTo(connID, protocol.CltRoomRefreshed, protocol.RoomRefreshed{Room: snap})
		}
	}
}

func (s *Server) notifyAdminChanged(roomName, newAdmin string) {
	if connID, ok := s.connByNick(newAdmin); ok {
		s.sendSystem(connID, roomName,
			fmt.Sprintf("you are now the administrator of room %q", roomName))
	}
}

// ConnCount reports how many connections are attached.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Guard exposes the model guard for read-only collaborators such as the
// status surface; they hold it like any other caller.
func (s *Server) Guard() *chat.Guard {
	return s.guard
}
