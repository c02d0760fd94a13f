package chat

import (
	"context"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long an operation waits for exclusive model
// access before failing with ErrModelLockTimeout.
const DefaultLockTimeout = 10 * time.Second

// Guard grants exclusive access to the shared Model: one coarse critical
// section for every logical operation. Handlers are short CPU-only sections
// with no I/O under the guard, so a single lock keeps room mutations
// linearizable, which the reconciliation algorithm depends on.
//
// The locked *Model handle is passed explicitly down the call chain; nested
// helpers receive it as a parameter rather than re-acquiring.
type Guard struct {
	model   *Model
	sem     chan struct{}
	timeout time.Duration
}

type GuardOption func(*Guard)

func WithLockTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		g.timeout = d
	}
}

func NewGuard(model *Model, opts ...GuardOption) *Guard {
	g := &Guard{
		model:   model,
		sem:     make(chan struct{}, 1),
		timeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Use blocks until the model is exclusively held, then returns it together
// with a release func. The release func is safe to call more than once and
// must run on every path out of the operation.
func (g *Guard) Use(ctx context.Context) (*Model, func(), error) {
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	select {
	case g.sem <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() { <-g.sem })
		}
		return g.model, release, nil
	case <-timer.C:
		return nil, nil, ErrModelLockTimeout
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
