package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// readChunkSize is the size of a single read from the socket. It holds
	// a maximum size UDP datagram, so a datagram transport never truncates
	// a frame that arrived whole.
	readChunkSize = 64 * 1024

	// outQueueSize bounds the number of frames waiting to be written.
	outQueueSize = 64
)

// ErrConnClosed is returned by Send after the connection has been closed.
var ErrConnClosed = errors.New("connection closed")

// ReceivedFunc observes one fully reassembled inbound frame, or the terminal
// error that ended the receive loop.
type ReceivedFunc func(Frame, error)

// SentFunc observes the byte count of one outbound write, or the write error.
type SentFunc func(int, error)

// Conn turns a byte-stream socket into discrete framed messages and back.
// Send may be called concurrently; each call produces exactly one
// non-interleaved frame on the wire. The receive loop handles coalesced and
// split segments uniformly through an accumulation buffer, so it also works
// over connected datagram sockets where every datagram carries whole frames.
type Conn struct {
	conn         net.Conn
	maxFrameSize int
	logger       *slog.Logger

	out  chan []byte
	done chan struct{}

	onReceived ReceivedFunc
	onSent     SentFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Conn)

func WithMaxFrameSize(n int) Option {
	return func(c *Conn) {
		c.maxFrameSize = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

func New(conn net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:         conn,
		maxFrameSize: DefaultMaxFrameSize,
		logger:       slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		out:          make(chan []byte, outQueueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnReceived registers the frame observer. It must be set before Start.
func (c *Conn) OnReceived(f ReceivedFunc) {
	c.onReceived = f
}

// OnSent registers the outbound write observer.
func (c *Conn) OnSent(f SentFunc) {
	c.onSent = f
}

// Start launches the read and write loops.
func (c *Conn) Start() {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.writeLoop()
	}()
}

// Send serializes content (JSON, nil for contentless commands), assembles the
// envelope together with any raw trailing bytes, and queues the complete frame
// for writing. Write errors are reported asynchronously through OnSent.
func (c *Conn) Send(id uint16, content any, raw []byte) error {
	frame := Frame{ID: id, Raw: raw}
	if content != nil {
		b, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("marshal content: %w", err)
		}
		frame.Content = b
	}
	encoded := frame.Encode()
	if len(encoded) > c.maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrOversizedMessage, len(encoded))
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.out <- encoded:
		return nil
	}
}

// Close shuts the connection down. It is safe to call from any goroutine and
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Wait blocks until both loops have exited.
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) readLoop() {
	defer func() {
		c.Close()
		c.logger.Debug("exited read loop")
	}()

	var acc []byte
	chunk := make([]byte, readChunkSize)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			acc = append(acc, chunk[:n]...)
			if !c.drain(&acc) {
				return
			}
		}
		if err != nil {
			select {
			case <-c.done:
				// Closed by the owner, not an error worth reporting.
			default:
				c.emitReceived(Frame{}, err)
			}
			return
		}
	}
}

// drain extracts every complete frame buffered in acc, shifting the remainder
// to the front. It returns false when the loop must terminate.
func (c *Conn) drain(acc *[]byte) bool {
	for {
		total, ok := declaredLength(*acc)
		if !ok {
			return true
		}
		if total < headerSize {
			c.emitReceived(Frame{}, fmt.Errorf("%w: declared %d bytes", ErrMalformedFrame, total))
			return false
		}
		if total > c.maxFrameSize {
			c.emitReceived(Frame{}, fmt.Errorf("%w: declared %d bytes", ErrOversizedMessage, total))
			return false
		}
		if len(*acc) < total {
			return true
		}
		frame, err := decodeFrame((*acc)[:total])
		*acc = append((*acc)[:0], (*acc)[total:]...)
		if err != nil {
			c.emitReceived(Frame{}, err)
			return false
		}
		c.emitReceived(frame, nil)
	}
}

func (c *Conn) writeLoop() {
	defer c.logger.Debug("exited write loop")
	for {
		select {
		case <-c.done:
			return
		case encoded := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			n, err := c.conn.Write(encoded)
			if c.onSent != nil {
				c.onSent(n, err)
			}
			if err != nil {
				c.logger.Error(fmt.Sprintf("write frame: %v", err))
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) emitReceived(frame Frame, err error) {
	if c.onReceived != nil {
		c.onReceived(frame, err)
	}
}
