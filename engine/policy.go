package engine

import (
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate when the
// configured bounds are self-contradictory.
var ErrInvalidRetryPolicy = errors.New("engine: invalid retry policy")

// RetryStrategy selects how RetryPolicy.CalculateDelay grows the delay
// between attempts (spec.md §3).
type RetryStrategy string

const (
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
	RetryFibonacci   RetryStrategy = "fibonacci"
	RetryConstant    RetryStrategy = "constant"
)

// RetryPolicy is the value object API-invoking handlers (and the services
// they call through, e.g. engine/tool's HTTP invoker) use to compute
// per-attempt backoff delays. The engine itself never retries handler
// invocations automatically (spec.md §4.10) — retrying is something a
// handler or a service opts into by calling CalculateDelay itself.
type RetryPolicy struct {
	MaxAttempts    int
	InitialDelayMs int
	MaxDelayMs     int
	Strategy       RetryStrategy
	BackoffFactor  float64
	Jitter         bool

	// rand is overridable for deterministic tests; nil uses the package
	// default source.
	rand *rand.Rand
}

// NewRetryPolicy validates and returns a RetryPolicy, mirroring the Python
// dataclass's __post_init__ invariants (spec.md §3).
func NewRetryPolicy(maxAttempts, initialDelayMs, maxDelayMs int, strategy RetryStrategy, backoffFactor float64, jitter bool) (RetryPolicy, error) {
	if strategy == "" {
		strategy = RetryExponential
	}
	if backoffFactor == 0 {
		backoffFactor = 2.0
	}
	rp := RetryPolicy{
		MaxAttempts:    maxAttempts,
		InitialDelayMs: initialDelayMs,
		MaxDelayMs:     maxDelayMs,
		Strategy:       strategy,
		BackoffFactor:  backoffFactor,
		Jitter:         jitter,
	}
	if err := rp.Validate(); err != nil {
		return RetryPolicy{}, err
	}
	return rp, nil
}

// NoRetry returns a policy that never retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 0, InitialDelayMs: 0, MaxDelayMs: 0, Strategy: RetryExponential, BackoffFactor: 2.0}
}

// DefaultRetryPolicy mirrors RetryPolicy.default() in the Python original.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelayMs: 1000,
		MaxDelayMs:     10000,
		Strategy:       RetryExponential,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// Validate checks max_attempts >= 0, initial_delay_ms >= 0,
// max_delay_ms >= initial_delay_ms, and backoff_factor > 0 (spec.md §3).
func (rp RetryPolicy) Validate() error {
	if rp.MaxAttempts < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.InitialDelayMs < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelayMs < rp.InitialDelayMs {
		return ErrInvalidRetryPolicy
	}
	if rp.BackoffFactor <= 0 {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// CalculateDelay returns the delay in milliseconds before the given
// 0-based attempt number. Attempt 0 always returns 0 (no delay before the
// first try). Strategy selects how the base delay grows with attempt;
// the result is clamped to MaxDelayMs, then optionally perturbed by ±20%
// jitter and clamped again to be non-negative — matching retry_policy.py's
// calculate_delay exactly, including the non-recursive Fibonacci recurrence.
func (rp RetryPolicy) CalculateDelay(attempt int) (int, error) {
	if attempt < 0 {
		return 0, errors.New("engine: attempt number must be non-negative")
	}
	if attempt == 0 {
		return 0, nil
	}

	var base float64
	switch rp.Strategy {
	case RetryConstant:
		base = float64(rp.InitialDelayMs)
	case RetryLinear:
		base = float64(rp.InitialDelayMs) * float64(attempt)
	case RetryExponential:
		base = float64(rp.InitialDelayMs) * pow(rp.BackoffFactor, attempt-1)
	case RetryFibonacci:
		base = float64(rp.InitialDelayMs) * float64(fibonacci(attempt))
	default:
		base = float64(rp.InitialDelayMs)
	}

	delay := int(base)
	if delay > rp.MaxDelayMs {
		delay = rp.MaxDelayMs
	}

	if rp.Jitter && delay > 0 {
		jitterRange := int(float64(delay) * 0.2)
		r := rp.rand
		if r == nil {
			r = globalRetryRand
		}
		if jitterRange > 0 {
			delay += r.Intn(2*jitterRange+1) - jitterRange
		}
		if delay < 0 {
			delay = 0
		}
	}

	return delay, nil
}

// ShouldRetry reports whether another attempt should be made given the
// current attempt number and whether the triggering error is retryable.
func (rp RetryPolicy) ShouldRetry(attempt int, isRetryableError bool) bool {
	return isRetryableError && attempt < rp.MaxAttempts
}

// TotalPossibleDelayMs sums CalculateDelay(k) for k in [1, MaxAttempts]
// without jitter — the maximum total wait across every retry, used by
// round-trip law R2.
func (rp RetryPolicy) TotalPossibleDelayMs() int {
	unjittered := rp
	unjittered.Jitter = false
	total := 0
	for attempt := 1; attempt <= rp.MaxAttempts; attempt++ {
		d, _ := unjittered.CalculateDelay(attempt)
		total += d
	}
	return total
}

func fibonacci(n int) int {
	if n <= 1 {
		return n
	}
	a, b := 0, 1
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

var globalRetryRand = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- jitter is timing, not security
