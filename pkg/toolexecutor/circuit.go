package toolexecutor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

// Circuit states as reported by CircuitState.
const (
	CircuitClosed   = "closed"
	CircuitHalfOpen = "half-open"
	CircuitOpen     = "open"
)

// circuitBreakers holds one two-step breaker per tool. A breaker opens when
// consecutive failures reach maxFailures and moves to half-open after cooldown.
type circuitBreakers struct {
	mu          sync.Mutex
	breakers    map[string]*gobreaker.TwoStepCircuitBreaker[any]
	maxFailures uint32
	cooldown    time.Duration
	onChange    func(toolID string, from, to string)
}

func newCircuitBreakers(maxFailures int, cooldown time.Duration, onChange func(toolID, from, to string)) *circuitBreakers {
	cb := &circuitBreakers{
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker[any]),
		onChange: onChange,
	}
	cb.maxFailures, cb.cooldown = normalizeBreakerSettings(maxFailures, cooldown)
	return cb
}

func normalizeBreakerSettings(maxFailures int, cooldown time.Duration) (uint32, time.Duration) {
	if maxFailures < 0 {
		maxFailures = 0
	}
	if cooldown <= 0 {
		cooldown = DefaultSafetyPolicy().Cooldown
	}
	return uint32(maxFailures), cooldown
}

// lookup returns the existing breaker for toolID and whether breaking is enabled.
func (cb *circuitBreakers) lookup(toolID string) (*gobreaker.TwoStepCircuitBreaker[any], bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.maxFailures == 0 {
		return nil, false
	}
	return cb.breakers[toolID], true
}

// get returns the breaker for toolID, creating it on first use. Callers hold cb.mu.
func (cb *circuitBreakers) get(toolID string) *gobreaker.TwoStepCircuitBreaker[any] {
	if b, ok := cb.breakers[toolID]; ok {
		return b
	}

	maxFailures := cb.maxFailures
	b := gobreaker.NewTwoStepCircuitBreaker[any](gobreaker.Settings{
		Name:        toolID,
		MaxRequests: 1, // one probe while half-open
		Timeout:     cb.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("tool", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
			if cb.onChange != nil {
				cb.onChange(name, from.String(), to.String())
			}
		},
	})
	cb.breakers[toolID] = b
	return b
}

// isOpen reports whether calls to toolID currently fail fast.
func (cb *circuitBreakers) isOpen(toolID string) bool {
	b, enabled := cb.lookup(toolID)
	if !enabled || b == nil {
		return false
	}
	return b.State() == gobreaker.StateOpen
}

// allow admits one call. The returned func reports the outcome, nil for
// success, and must be called at most once per admitted call.
func (cb *circuitBreakers) allow(toolID string) (func(error), error) {
	cb.mu.Lock()
	if cb.maxFailures == 0 {
		cb.mu.Unlock()
		return func(error) {}, nil
	}
	b := cb.get(toolID)
	cb.mu.Unlock()

	done, err := b.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: tool %s: %v", ErrCircuitOpen, toolID, err)
		}
		return nil, err
	}
	return done, nil
}

// abandon settles an admitted call that neither succeeded nor failed
// (cancellation). A half-open probe counts as failed so the breaker cannot
// wedge waiting for it; in the closed state nothing is recorded.
func (cb *circuitBreakers) abandon(toolID string, done func(error)) {
	b, enabled := cb.lookup(toolID)
	if enabled && b != nil && b.State() == gobreaker.StateHalfOpen {
		done(ErrExecutionCancelled)
	}
}

func (cb *circuitBreakers) state(toolID string) string {
	b, enabled := cb.lookup(toolID)
	if !enabled || b == nil {
		return CircuitClosed
	}
	return b.State().String()
}

// reset closes the circuit for toolID by discarding its breaker.
func (cb *circuitBreakers) reset(toolID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	delete(cb.breakers, toolID)
}

func (cb *circuitBreakers) remove(toolID string) {
	cb.reset(toolID)
}

// configure applies new thresholds. Breakers are only rebuilt when the
// settings actually change, so an unrelated policy reload keeps open circuits open.
func (cb *circuitBreakers) configure(maxFailures int, cooldown time.Duration) bool {
	limit, cd := normalizeBreakerSettings(maxFailures, cooldown)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if limit == cb.maxFailures && cd == cb.cooldown {
		return false
	}
	cb.maxFailures = limit
	cb.cooldown = cd
	cb.breakers = make(map[string]*gobreaker.TwoStepCircuitBreaker[any])
	return true
}

func (cb *circuitBreakers) clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.breakers = make(map[string]*gobreaker.TwoStepCircuitBreaker[any])
}
