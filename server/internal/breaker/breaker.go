package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without calling the operation while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

// Breaker guards calls to an unreliable dependency.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool // a half-open trial call is in flight

	now func() time.Time
}

// New returns a closed breaker. MaxFailures below 1 is treated as 1.
func New(name string, cfg Config) *Breaker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Execute runs op unless the breaker is open. Errors caused by the caller's
// own context ending do not count as failures.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	switch {
	case err == nil:
		b.onSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.release()
	default:
		b.onFailure(err)
	}
	return err
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		b.state = HalfOpen
		b.trial = true
		slog.Info("breaker: half-open, admitting trial call", "name", b.name)
	case HalfOpen:
		if b.trial {
			return ErrOpen
		}
		b.trial = true
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed {
		slog.Info("breaker: closed", "name", b.name, "from", b.state.String())
	}
	b.state = Closed
	b.failures = 0
	b.trial = false
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.trial = false

	if b.state == HalfOpen || b.failures >= b.cfg.MaxFailures {
		b.state = Open
		b.openedAt = b.now()
		slog.Warn("breaker: opened",
			"name", b.name,
			"failures", b.failures,
			"reset_timeout", b.cfg.ResetTimeout,
			"err", err,
		)
		return
	}
	slog.Debug("breaker: failure recorded", "name", b.name, "failures", b.failures, "err", err)
}

// release gives up a half-open trial slot without changing state.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
}
