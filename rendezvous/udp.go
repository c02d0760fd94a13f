package rendezvous

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
)

// Hailer consumes observed hails. Implemented by Service.
type Hailer interface {
	Hail(pairingID int32, role byte, observed *net.UDPAddr) error
}

// UDPPoint is the stateless UDP rendezvous endpoint. It answers every valid
// hail with an ack and reports the datagram's source address, which is the
// client's externally visible endpoint.
type UDPPoint struct {
	conn   *net.UDPConn
	hailer Hailer
	logger *slog.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

type UDPPointOption func(*UDPPoint)

func WithPointLogger(logger *slog.Logger) UDPPointOption {
	return func(p *UDPPoint) {
		p.logger = logger
	}
}

// ListenUDP binds the rendezvous point and starts serving hails.
func ListenUDP(addr string, hailer Hailer, opts ...UDPPointOption) (*UDPPoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve rendezvous addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen rendezvous: %w", err)
	}
	p := &UDPPoint{
		conn:   conn,
		hailer: hailer,
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.serve()
	}()
	return p, nil
}

// Addr returns the bound UDP address.
func (p *UDPPoint) Addr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

func (p *UDPPoint) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
	})
	p.wg.Wait()
	return err
}

func (p *UDPPoint) serve() {
	buf := make([]byte, 64)
	for {
		n, src, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			// Closed or fatal; either way the point is done.
			return
		}
		pairingID, role, err := DecodeHail(buf[:n])
		if err != nil {
			p.logger.Debug("dropping datagram", slog.String("src", src.String()))
			continue
		}
		if err := p.hailer.Hail(pairingID, role, src); err != nil {
			p.logger.Debug("hail rejected",
				slog.Int("pairing_id", int(pairingID)),
				slog.String("err", err.Error()))
			continue
		}
		if _, err := p.conn.WriteToUDP(EncodeAck(pairingID), src); err != nil {
			p.logger.Error(fmt.Sprintf("ack write: %v", err))
		}
	}
}
