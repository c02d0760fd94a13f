package rendezvous

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/peerchat/peerchat/chat"
	"github.com/peerchat/peerchat/protocol"
)

const (
	// DefaultWaitTimeout bounds how long an unmatched pairing may linger
	// before the sweeper reclaims it. A client that drops off the server
	// before pairing completes would otherwise leak the entry.
	DefaultWaitTimeout = 30 * time.Second

	sweepInterval = 5 * time.Second
)

var ErrUnknownPairing = errors.New("unknown pairing id")

// SendFunc delivers a framed command to a server connection.
type SendFunc func(connID string, commandID uint16, content any)

// Party is one side of a pairing: the server connection it lives on and the
// public identity handed to the other side for post-connect verification.
type Party struct {
	ConnID string
	User   chat.UserSnapshot

	observed *net.UDPAddr
}

type pairing struct {
	id       int32
	sender   Party
	receiver Party
	created  time.Time
}

// Service allocates single-use pairing ids, instructs both clients to hail
// the rendezvous point, and once both externally visible endpoints have been
// observed sends each side the other's endpoint. Pairing ids are removed the
// moment they match; stale unmatched entries are garbage-collected.
type Service struct {
	endpoint    string
	send        SendFunc
	clock       clock.Clock
	waitTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	pairings map[int32]*pairing

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type ServiceOption func(*Service)

func WithClock(c clock.Clock) ServiceOption {
	return func(s *Service) {
		s.clock = c
	}
}

func WithWaitTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.waitTimeout = d
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService builds a pairing service advertising the given rendezvous
// endpoint ("host:port") to clients.
func NewService(endpoint string, send SendFunc, opts ...ServiceOption) *Service {
	s := &Service{
		endpoint:    endpoint,
		send:        send,
		clock:       clock.New(),
		waitTimeout: DefaultWaitTimeout,
		logger:      slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		pairings:    make(map[int32]*pairing),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetEndpoint updates the advertised rendezvous endpoint. The UDP port is
// only known once the point has bound, which may be after construction.
func (s *Service) SetEndpoint(endpoint string) {
	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()
}

// Start launches the stale-pairing sweeper.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
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
	}()
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// Introduce allocates a pairing for the two parties and instructs both to
// hail the rendezvous point with their role.
func (s *Service) Introduce(sender, receiver Party) int32 {
	s.mu.Lock()
	id := s.allocateID()
	s.pairings[id] = &pairing{
		id:       id,
		sender:   sender,
		receiver: receiver,
		created:  s.clock.Now(),
	}
	endpoint := s.endpoint
	s.mu.Unlock()

	s.send(sender.ConnID, protocol.CltConnectToRendezvous, protocol.ConnectToRendezvous{
		PairingID: id,
		Role:      protocol.RoleSender,
		Endpoint:  endpoint,
	})
	s.send(receiver.ConnID, protocol.CltConnectToRendezvous, protocol.ConnectToRendezvous{
		PairingID: id,
		Role:      protocol.RoleReceiver,
		Endpoint:  endpoint,
	})
	s.logger.Info("pairing introduced",
		slog.Int("pairing_id", int(id)),
		slog.String("sender", sender.User.ID.Nickname),
		slog.String("receiver", receiver.User.ID.Nickname))
	return id
}

// Hail records one side's externally observed endpoint. When both sides of a
// pairing have reported, it sends wait-for-peer to the receiver and
// connect-to-peer to the sender, then discards the single-use pairing.
// Receiving only one side leaves the pairing pending with no commands sent.
func (s *Service) Hail(pairingID int32, role byte, observed *net.UDPAddr) error {
	s.mu.Lock()
	p, ok := s.pairings[pairingID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownPairing, pairingID)
	}
	switch role {
	case protocol.RoleSender:
		p.sender.observed = observed
	case protocol.RoleReceiver:
		p.receiver.observed = observed
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: role %d", ErrBadDatagram, role)
	}
	matched := p.sender.observed != nil && p.receiver.observed != nil
	if matched {
		delete(s.pairings, pairingID)
	}
	s.mu.Unlock()

	if !matched {
		return nil
	}

	s.send(p.receiver.ConnID, protocol.CltWaitPeerConnection, protocol.WaitPeerConnection{
		PairingID: p.id,
		Remote:    p.sender.observed.String(),
		User:      p.sender.User,
	})
	s.send(p.sender.ConnID, protocol.CltConnectToPeer, protocol.PeerConnect{
		PairingID: p.id,
		Remote:    p.receiver.observed.String(),
		User:      p.receiver.User,
	})
	s.logger.Info("pairing matched", slog.Int("pairing_id", int(p.id)))
	return nil
}

// DropConn discards pending pairings that involve a disconnected server
// connection.
func (s *Service) DropConn(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pairings {
		if p.sender.ConnID == connID || p.receiver.ConnID == connID {
			delete(s.pairings, id)
		}
	}
}

// Pending returns the number of unmatched pairings.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairings)
}

func (s *Service) sweep() {
	cutoff := s.clock.Now().Add(-s.waitTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pairings {
		if p.created.Before(cutoff) {
			delete(s.pairings, id)
			s.logger.Debug("stale pairing reclaimed", slog.Int("pairing_id", int(id)))
		}
	}
}

// allocateID picks an unused random pairing id. Caller holds s.mu.
func (s *Service) allocateID() int32 {
	for {
		id := rand.Int31()
		if _, taken := s.pairings[id]; !taken && id != 0 {
			return id
		}
	}
}
