// Package command routes inbound framed commands to typed handlers and
// enforces which kind of connection may invoke each one.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrIllegalInvoker is returned when a command arrives from a
	// connection kind its origin constraint forbids. The handler body is
	// never reached.
	ErrIllegalInvoker = errors.New("illegal invoker")
	// ErrWrongContentType is returned when the envelope content cannot be
	// decoded into the handler's expected type.
	ErrWrongContentType = errors.New("wrong content type")
	// ErrDuplicateCommand is returned when a command id is registered twice.
	ErrDuplicateCommand = errors.New("duplicate command id")
)

// Origin constrains where a command may arrive from.
type Origin int

const (
	// Any accepts the command from the server link or a direct peer link.
	Any Origin = iota
	// ServerOnly requires a server connection id and no peer connection id.
	ServerOnly
	// PeerOnly requires the command to arrive over a direct peer link.
	PeerOnly
)

func (o Origin) String() string {
	switch o {
	case ServerOnly:
		return "server-only"
	case PeerOnly:
		return "peer-only"
	default:
		return "any"
	}
}

// Context carries the call context of one dispatched command: the id of the
// connection it arrived on, the peer connection id when it arrived over a
// direct peer link, and any raw trailing bytes of the envelope.
type Context struct {
	Ctx          context.Context
	ConnectionID string
	PeerID       string
	Raw          []byte
}

// FromPeer reports whether the command arrived over a direct peer link.
func (c Context) FromPeer() bool {
	return c.PeerID != ""
}

// Handler is one registered command: a stable numeric id, an origin
// constraint, and a body invoked with the decoded content.
type Handler interface {
	ID() uint16
	Origin() Origin
	Run(ctx Context, content []byte) error
}

type handler[T any] struct {
	id     uint16
	origin Origin
	run    func(Context, *T) error
}

func (h *handler[T]) ID() uint16     { return h.id }
func (h *handler[T]) Origin() Origin { return h.origin }

func (h *handler[T]) Run(ctx Context, content []byte) error {
	var body T
	if len(content) > 0 {
		if err := json.Unmarshal(content, &body); err != nil {
			return fmt.Errorf("%w: command %d: %v", ErrWrongContentType, h.id, err)
		}
	}
	return h.run(ctx, &body)
}

// New builds a handler whose content decodes into T.
func New[T any](id uint16, origin Origin, run func(Context, *T) error) Handler {
	return &handler[T]{id: id, origin: origin, run: run}
}

type contentless struct {
	id     uint16
	origin Origin
	run    func(Context) error
}

func (h *contentless) ID() uint16     { return h.id }
func (h *contentless) Origin() Origin { return h.origin }

func (h *contentless) Run(ctx Context, content []byte) error {
	return h.run(ctx)
}

// NewContentless builds a handler that expects no content.
func NewContentless(id uint16, origin Origin, run func(Context) error) Handler {
	return &contentless{id: id, origin: origin, run: run}
}
