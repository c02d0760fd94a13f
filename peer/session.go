// Package peer establishes and carries the direct client-to-client channel.
// One UDP socket serves the whole lifecycle: hailing the rendezvous point,
// punching toward the remote endpoint, and then the framed peer protocol.
// Reusing the socket is what keeps the NAT mapping created by the hail valid
// for the punched traffic.
package peer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/peerchat/peerchat/rendezvous"
)

var (
	punchRequest  = []byte("PRPU")
	punchResponse = []byte("PRPR")
)

const punchSize = 8

var (
	ErrPunchTimeout = errors.New("hole punch timed out")
	ErrHailTimeout  = errors.New("rendezvous hail timed out")
)

// Config tunes the hail and punch retry behavior.
type Config struct {
	MaxAttempts     int
	AttemptInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     10,
		AttemptInterval: 300 * time.Millisecond,
	}
}

// Session is one prospective or established direct link.
type Session struct {
	pc     *net.UDPConn
	config Config
	logger *slog.Logger

	closeOnce sync.Once
}

type SessionOption func(*Session)

func WithConfig(cfg Config) SessionOption {
	return func(s *Session) {
		s.config = cfg
	}
}

func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession binds a fresh UDP socket on an ephemeral port.
func NewSession(opts ...SessionOption) (*Session, error) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("bind udp: %w", err)
	}
	s := &Session{
		pc:     pc,
		config: DefaultConfig(),
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Session) LocalAddr() *net.UDPAddr {
	return s.pc.LocalAddr().(*net.UDPAddr)
}

// Close releases the socket unless a Link has taken ownership of it.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pc.Close()
	})
	return err
}

// Hail announces the pairing id and role to the rendezvous point and waits
// for the ack that confirms the point observed this socket's external
// endpoint.
func (s *Session) Hail(ctx context.Context, endpoint string, pairingID int32, role byte) error {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return fmt.Errorf("resolve rendezvous endpoint: %w", err)
	}
	hail := rendezvous.EncodeHail(pairingID, role)
	buf := make([]byte, 64)
	for attempt := 0; attempt < s.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.pc.WriteToUDP(hail, addr); err != nil {
			return fmt.Errorf("send hail: %w", err)
		}
		s.pc.SetReadDeadline(time.Now().Add(s.config.AttemptInterval))
		n, src, err := s.pc.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("read ack: %w", err)
		}
		if !src.IP.Equal(addr.IP) || src.Port != addr.Port {
			continue
		}
		if id, err := rendezvous.DecodeAck(buf[:n]); err == nil && id == pairingID {
			s.pc.SetReadDeadline(time.Time{})
			return nil
		}
	}
	return ErrHailTimeout
}

// Punch performs the symmetric simultaneous-connect toward the remote
// observed endpoint. Both sides fire punch requests at each other; the
// shared rendezvous history is what lets the datagrams through the remote
// NAT's filtering. Success is seeing any valid punch datagram for this
// pairing from the remote address.
func (s *Session) Punch(ctx context.Context, remote string, pairingID int32) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve peer endpoint: %w", err)
	}
	request := encodePunch(punchRequest, pairingID)
	response := encodePunch(punchResponse, pairingID)
	buf := make([]byte, 64)
	for attempt := 0; attempt < s.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := s.pc.WriteToUDP(request, addr); err != nil {
			s.logger.Debug("punch send failed",
				slog.Int("attempt", attempt+1),
				slog.String("err", err.Error()))
		}
		s.pc.SetReadDeadline(time.Now().Add(s.config.AttemptInterval))
		n, src, err := s.pc.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, fmt.Errorf("punch read: %w", err)
		}
		if !src.IP.Equal(addr.IP) || src.Port != addr.Port {
			continue
		}
		kind, id, ok := decodePunch(buf[:n])
		if !ok || id != pairingID {
			continue
		}
		if kind == punchKindRequest {
			// Let the other side complete too.
			s.pc.WriteToUDP(response, src)
		}
		s.pc.SetReadDeadline(time.Time{})
		return src, nil
	}
	return nil, ErrPunchTimeout
}

// Link hands the punched socket to a net.Conn restricted to the remote
// address, suitable for a framed connection. The session's socket ownership
// moves to the link.
func (s *Session) Link(remote *net.UDPAddr, pairingID int32) net.Conn {
	return &udpLink{pc: s.pc, remote: remote, pairingID: pairingID}
}

type punchKind int

const (
	punchKindRequest punchKind = iota
	punchKindResponse
)

func encodePunch(magic []byte, pairingID int32) []byte {
	buf := make([]byte, punchSize)
	copy(buf, magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(pairingID))
	return buf
}

func decodePunch(buf []byte) (punchKind, int32, bool) {
	if len(buf) < punchSize {
		return 0, 0, false
	}
	id := int32(binary.LittleEndian.Uint32(buf[4:8]))
	switch string(buf[:4]) {
	case string(punchRequest):
		return punchKindRequest, id, true
	case string(punchResponse):
		return punchKindResponse, id, true
	}
	return 0, 0, false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
