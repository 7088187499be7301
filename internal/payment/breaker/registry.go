// Package breaker tracks per-gateway health and gates calls through a
// circuit breaker. The breaker state machine (CLOSED/OPEN/HALF_OPEN) is
// driven by sony/gobreaker; the registry adds the rolling success/latency
// statistics the payment orchestrator uses to score gateways.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Do when the gateway's circuit refuses the call.
var ErrOpen = errors.New("breaker: circuit open")

// Config holds the breaker policy. The defaults implement: open after 5
// consecutive failures within a rolling 30s window, stay open 30s, then
// admit exactly one probe in half-open.
type Config struct {
	FailureThreshold uint32
	Window           time.Duration
	Cooldown         time.Duration

	// MaxLatency is the latency that normalises to 1.0 when scoring.
	MaxLatency time.Duration
}

// DefaultConfig is the production policy.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         30 * time.Second,
		MaxLatency:       2 * time.Second,
	}
}

// Health is a point-in-time snapshot of a gateway's rolling statistics.
type Health struct {
	Gateway        string
	Successes      uint64
	Failures       uint64
	AverageLatency time.Duration
	Score          float64
	State          gobreaker.State
	ChangedAt      time.Time
}

type gatewayState struct {
	cb       *gobreaker.CircuitBreaker
	priority float64

	mu         sync.Mutex
	successes  uint64
	failures   uint64
	avgLatency time.Duration
	changedAt  time.Time
}

// Registry owns the breaker and health state for every registered gateway.
// It is shared, concurrently mutated state; all per-gateway updates happen
// under that gateway's lock.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	gateways map[string]*gatewayState
}

// NewRegistry builds an empty registry with the given policy.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, gateways: make(map[string]*gatewayState)}
}

// Register adds a gateway with a static priority weight in [0,1]. Scores of
// unregistered gateways are zero and Do refuses their calls.
func (r *Registry) Register(name string, priority float64) {
	st := &gatewayState{priority: priority, changedAt: time.Now().UTC()}
	threshold := r.cfg.FailureThreshold
	st.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // exactly one probe in half-open
		Interval:    r.cfg.Window,
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(string, gobreaker.State, gobreaker.State) {
			st.mu.Lock()
			st.changedAt = time.Now().UTC()
			st.mu.Unlock()
		},
	})

	r.mu.Lock()
	r.gateways[name] = st
	r.mu.Unlock()
}

func (r *Registry) get(name string) (*gatewayState, error) {
	r.mu.RLock()
	st, ok := r.gateways[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("breaker: gateway %q not registered", name)
	}
	return st, nil
}

// Do runs fn through the gateway's circuit breaker, recording latency and
// the success/failure outcome. When the circuit is open (or the half-open
// probe slot is taken) it returns ErrOpen without invoking fn.
func (r *Registry) Do(name string, fn func() error) error {
	st, err := r.get(name)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = st.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	elapsed := time.Since(start)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	st.record(err == nil, elapsed)
	return err
}

// record updates the rolling statistics. Latency uses an exponentially
// weighted moving average so one slow call does not dominate the score.
func (st *gatewayState) record(success bool, latency time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if success {
		st.successes++
	} else {
		st.failures++
	}
	if st.avgLatency == 0 {
		st.avgLatency = latency
	} else {
		st.avgLatency = (st.avgLatency*4 + latency) / 5
	}
}

// Available reports whether the gateway's circuit accepts regular traffic.
// Half-open counts as available so the probe request can be routed.
func (r *Registry) Available(name string) bool {
	st, err := r.get(name)
	if err != nil {
		return false
	}
	return st.cb.State() != gobreaker.StateOpen
}

// State returns the circuit state for the named gateway.
func (r *Registry) State(name string) gobreaker.State {
	st, err := r.get(name)
	if err != nil {
		return gobreaker.StateOpen
	}
	return st.cb.State()
}

// Score ranks the gateway for selection:
//
//	successRate*0.6 + (1 - normalizedLatency)*0.3 + priorityWeight*0.1
//
// A gateway with no traffic yet scores as fully healthy so new gateways are
// not starved of their first request.
func (r *Registry) Score(name string) float64 {
	st, err := r.get(name)
	if err != nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	successRate := 1.0
	if total := st.successes + st.failures; total > 0 {
		successRate = float64(st.successes) / float64(total)
	}
	normLatency := float64(st.avgLatency) / float64(r.cfg.MaxLatency)
	if normLatency > 1 {
		normLatency = 1
	}
	return successRate*0.6 + (1-normLatency)*0.3 + st.priority*0.1
}

// HealthSnapshot returns the current statistics for the named gateway.
func (r *Registry) HealthSnapshot(name string) (Health, error) {
	st, err := r.get(name)
	if err != nil {
		return Health{}, err
	}
	score := r.Score(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return Health{
		Gateway:        name,
		Successes:      st.successes,
		Failures:       st.failures,
		AverageLatency: st.avgLatency,
		Score:          score,
		State:          st.cb.State(),
		ChangedAt:      st.changedAt,
	}, nil
}

// Snapshot returns the health of every registered gateway, for the health
// endpoint and operator dashboards.
func (r *Registry) Snapshot() map[string]Health {
	r.mu.RLock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make(map[string]Health, len(names))
	for _, name := range names {
		if h, err := r.HealthSnapshot(name); err == nil {
			out[name] = h
		}
	}
	return out
}
