package breaker

import (
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the thresholds for a single breaker.
type Config struct {
	FailMax          int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// Stats is a point-in-time copy of a breaker's state.
type Stats struct {
	Name                 string     `json:"name"`
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	TotalFailures        int64      `json:"total_failures"`
	TotalSuccesses       int64      `json:"total_successes"`
	Transitions          int64      `json:"transitions"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	FailMax              int        `json:"fail_max"`
	ResetTimeoutMS       int64      `json:"reset_timeout_ms"`
	SuccessThreshold     int        `json:"success_threshold"`
}

// TransitionFunc is invoked after every state change, outside the breaker lock.
type TransitionFunc func(name string, from, to State, transitions int64)

// Breaker is a three-state circuit breaker. It performs no I/O.
type Breaker struct {
	name         string
	cfg          Config
	now          func() time.Time
	onTransition TransitionFunc

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	totalFailures int64
	totalSuccess  int64
	transitions   int64
	lastFailure   time.Time
	lastSuccess   time.Time
	lastErr       string
}

type Option func(*Breaker)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

func WithTransitionHook(fn TransitionFunc) Option {
	return func(b *Breaker) {
		b.onTransition = fn
	}
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.FailMax <= 0 {
		cfg.FailMax = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) Config() Config { return b.cfg }

// CanExecute reports whether a call may go through. An open breaker whose reset
// timeout has elapsed moves to half-open and admits probing traffic.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	var fired *transition
	allowed := false
	switch b.state {
	case StateClosed, StateHalfOpen:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			fired = b.transitionLocked(StateHalfOpen)
			allowed = true
		}
	}
	b.mu.Unlock()
	b.fire(fired)
	return allowed
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var fired *transition
	b.lastSuccess = b.now()
	b.totalSuccess++
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			fired = b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// Late result from a call admitted before the breaker tripped.
	}
	b.mu.Unlock()
	b.fire(fired)
}

func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	var fired *transition
	b.lastFailure = b.now()
	b.totalFailures++
	if err != nil {
		b.lastErr = err.Error()
	}
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailMax {
			fired = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.failures++
		fired = b.transitionLocked(StateOpen)
	case StateOpen:
		b.failures++
	}
	b.mu.Unlock()
	b.fire(fired)
}

// State returns the current state without advancing open→half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccess,
		Transitions:          b.transitions,
		LastError:            b.lastErr,
		FailMax:              b.cfg.FailMax,
		ResetTimeoutMS:       b.cfg.ResetTimeout.Milliseconds(),
		SuccessThreshold:     b.cfg.SuccessThreshold,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureAt = &t
	}
	if !b.lastSuccess.IsZero() {
		t := b.lastSuccess
		s.LastSuccessAt = &t
	}
	return s
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var fired *transition
	if b.state != StateClosed {
		fired = b.transitionLocked(StateClosed)
	}
	b.failures = 0
	b.successes = 0
	b.mu.Unlock()
	b.fire(fired)
}

type transition struct {
	from, to State
	count    int64
}

func (b *Breaker) transitionLocked(to State) *transition {
	from := b.state
	b.state = to
	b.transitions++
	switch to {
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	case StateOpen:
		b.successes = 0
	}
	return &transition{from: from, to: to, count: b.transitions}
}

func (b *Breaker) fire(t *transition) {
	if t == nil || b.onTransition == nil {
		return
	}
	b.onTransition(b.name, t.from, t.to, t.count)
}
