// Package circuitbreaker stops calling a model endpoint that keeps failing with transient errors
// and probes it again after a cool-down.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/pkg/errs"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = [...]string{StateClosed: "closed", StateHalfOpen: "half-open", StateOpen: "open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

type Config struct {
	// MaxRequests is the number of probes let through while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counters periodically; zero keeps them until a trip.
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing.
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	// IsFailure decides which errors count against the breaker. Defaults to errs.IsRetryable.
	IsFailure     func(error) bool
	OnStateChange func(name string, from State, to State)
	Logger        *zap.Logger
}

func (c *Config) defaults() {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout == 0 {
		c.Timeout = time.Minute
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.IsFailure == nil {
		c.IsFailure = errs.IsRetryable
	}
}

type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

func (c *Counts) record(ok bool) {
	if ok {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Snapshot is the externally visible state of a breaker, reported in model info.
type Snapshot struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}

// CircuitBreaker guards one model endpoint. Outcomes of calls admitted before a state change
// are ignored: each state change starts a new epoch.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu     sync.Mutex
	state  State
	epoch  uint64
	counts Counts
	// until is when the current state lapses: open → half-open, or closed counters reset.
	until time.Time
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	cfg.defaults()
	cb := &CircuitBreaker{name: name, cfg: cfg}
	cb.beginEpoch(time.Now())
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the circuit is open. Rejections surface as transient API errors so
// callers treat them like any other exhausted LLM call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	epoch, err := cb.admit()
	if err != nil {
		return errs.API(cb.name, err)
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(epoch, false)
			panic(r)
		}
	}()

	err = fn()
	cb.settle(epoch, err == nil || !cb.cfg.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refresh(time.Now()) {
	case StateOpen:
		return cb.epoch, ErrCircuitOpen
	case StateHalfOpen:
		if cb.counts.Requests >= cb.cfg.MaxRequests {
			return cb.epoch, ErrTooManyRequests
		}
	}
	cb.counts.Requests++
	return cb.epoch, nil
}

func (cb *CircuitBreaker) settle(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.refresh(now)
	if epoch != cb.epoch {
		return
	}
	cb.counts.record(ok)

	switch {
	case state == StateHalfOpen && !ok:
		cb.moveTo(StateOpen, now)
	case state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold:
		cb.moveTo(StateClosed, now)
	case state == StateClosed && cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold:
		cb.moveTo(StateOpen, now)
	}
}

// refresh applies time-based transitions and returns the current state. Caller holds mu.
func (cb *CircuitBreaker) refresh(now time.Time) State {
	if cb.until.IsZero() || now.Before(cb.until) {
		return cb.state
	}
	switch cb.state {
	case StateOpen:
		cb.moveTo(StateHalfOpen, now)
	case StateClosed:
		cb.beginEpoch(now)
	}
	return cb.state
}

func (cb *CircuitBreaker) moveTo(next State, now time.Time) {
	if cb.state == next {
		return
	}
	prev, failures := cb.state, cb.counts.ConsecutiveFailures
	cb.state = next
	cb.beginEpoch(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, prev, next)
	}
	if cb.cfg.Logger != nil {
		cb.cfg.Logger.Info("Circuit breaker state changed",
			zap.String("model", cb.name),
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
			zap.Uint32("consecutive_failures", failures),
		)
	}
}

func (cb *CircuitBreaker) beginEpoch(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}
	cb.until = time.Time{}
	switch {
	case cb.state == StateOpen:
		cb.until = now.Add(cb.cfg.Timeout)
	case cb.state == StateClosed && cb.cfg.Interval > 0:
		cb.until = now.Add(cb.cfg.Interval)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refresh(time.Now())
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state := cb.refresh(time.Now())
	return Snapshot{Name: cb.name, State: state.String(), Counts: cb.counts}
}

// Group hands out one breaker per key (provider:model) sharing a config.
type Group struct {
	cfg      Config
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewGroup(cfg Config) *Group {
	return &Group{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, g.cfg)
		g.breakers[name] = cb
	}
	return cb
}

func (g *Group) Snapshots() []Snapshot {
	g.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		breakers = append(breakers, cb)
	}
	g.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}
