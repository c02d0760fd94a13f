package command

import (
	"fmt"
	"log/slog"
	"os"
)

// Registry maps command ids to handlers. The id space is flat and shared by
// built-in client commands, built-in server commands and plugin-contributed
// commands; collisions are rejected at registration time. Unknown ids resolve
// to a no-op so newer peers can speak to older ones without crashing them.
type Registry struct {
	handlers map[uint16]Handler
	logger   *slog.Logger
}

type RegistryOption func(*Registry)

func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		handlers: make(map[uint16]Handler),
		logger:   slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler to the registry.
func (r *Registry) Register(h Handler) error {
	if _, ok := r.handlers[h.ID()]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateCommand, h.ID())
	}
	r.handlers[h.ID()] = h
	return nil
}

// MustRegister registers handlers and panics on collision. Intended for the
// built-in command tables assembled at startup.
func (r *Registry) MustRegister(hs ...Handler) {
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Run dispatches one command. The origin constraint is checked before
// anything else; on mismatch the handler body never executes.
func (r *Registry) Run(ctx Context, id uint16, content []byte) error {
	h, ok := r.handlers[id]
	if !ok {
		r.logger.Debug("unknown command", slog.Int("id", int(id)))
		return nil
	}
	if err := checkOrigin(h.Origin(), ctx); err != nil {
		return err
	}
	return h.Run(ctx, content)
}

func checkOrigin(o Origin, ctx Context) error {
	switch o {
	case ServerOnly:
		if ctx.ConnectionID == "" || ctx.FromPeer() {
			return fmt.Errorf("%w: %s command invoked from %q/%q", ErrIllegalInvoker, o, ctx.ConnectionID, ctx.PeerID)
		}
	case PeerOnly:
		if !ctx.FromPeer() {
			return fmt.Errorf("%w: %s command invoked without a peer link", ErrIllegalInvoker, o)
		}
	}
	return nil
}
