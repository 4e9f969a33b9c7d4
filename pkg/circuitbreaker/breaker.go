// Package circuitbreaker guards calls to an unreliable peer, here the
// outbound smarthost. After ReadyToTrip reports too many failures the
// breaker opens and calls fail fast with ErrOpen until Timeout elapses;
// then up to MaxRequests trial calls are let through (half-open) and the
// first success closes it again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/migadu/tidings/logger"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) success() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

type Settings struct {
	Name        string
	MaxRequests uint32
	// Interval resets the counts periodically while closed. Zero never resets.
	Interval      time.Duration
	Timeout       time.Duration
	ReadyToTrip   func(Counts) bool
	OnStateChange func(name string, from, to State)
	// IsSuccessful lets callers count some errors (e.g. permanent 5xx
	// rejections of one recipient) as healthy responses from the peer.
	IsSuccessful func(error) bool
}

type CircuitBreaker struct {
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	now        func() time.Time
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	if st.Name == "" {
		st.Name = "breaker"
	}
	if st.MaxRequests == 0 {
		st.MaxRequests = 1
	}
	if st.Timeout <= 0 {
		st.Timeout = time.Minute
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures > 5 }
	}
	if st.IsSuccessful == nil {
		st.IsSuccessful = func(err error) bool { return err == nil }
	}
	if st.OnStateChange == nil {
		st.OnStateChange = func(name string, from, to State) {
			logger.Warn("CircuitBreaker: state change", "name", name, "from", from.String(), "to", to.String())
		}
	}
	cb := &CircuitBreaker{settings: st, now: time.Now}
	cb.newGeneration(cb.now())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.settings.Name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.current(cb.now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs fn unless the breaker rejects the call.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	gen, err := cb.before()
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := recover(); e != nil {
			cb.after(gen, false)
			panic(e)
		}
	}()
	res, err := fn()
	cb.after(gen, cb.settings.IsSuccessful(err))
	return res, err
}

// Do is Execute for calls without a result.
func (cb *CircuitBreaker) Do(fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) { return nil, fn() })
	return err
}

func (cb *CircuitBreaker) before() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, gen := cb.current(cb.now())
	switch {
	case state == StateOpen:
		return gen, ErrOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.settings.MaxRequests:
		return gen, ErrTooManyRequests
	}
	cb.counts.Requests++
	return gen, nil
}

func (cb *CircuitBreaker) after(before uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, gen := cb.current(now)
	if gen != before {
		return
	}
	if ok {
		cb.counts.success()
		if state == StateHalfOpen {
			cb.setState(StateClosed, now)
		}
		return
	}
	cb.counts.failure()
	if state == StateHalfOpen || cb.settings.ReadyToTrip(cb.counts) {
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) current(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.newGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.newGeneration(now)
	cb.settings.OnStateChange(cb.settings.Name, prev, state)
}

func (cb *CircuitBreaker) newGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}
	switch cb.state {
	case StateClosed:
		if cb.settings.Interval > 0 {
			cb.expiry = now.Add(cb.settings.Interval)
		} else {
			cb.expiry = time.Time{}
		}
	case StateOpen:
		cb.expiry = now.Add(cb.settings.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}
