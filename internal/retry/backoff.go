// Package retry computes the exponential-backoff-with-jitter delay the
// request queue uses between retry attempts. It follows a small
// pure-function-plus-options style, kept deliberately tiny and side-effect
// free so it is trivial to test exhaustively.
package retry

// file: internal/retry/backoff.go

import (
	"time"

	"github.com/helios-starling/helios/internal/clock"
)

// Cap is the absolute ceiling every computed delay is clamped to.
const Cap = 30 * time.Second

// DefaultJitter is the fractional spread applied around the computed delay.
const DefaultJitter = 0.1

// Backoff computes delay = min(base * 2^attempt, Cap) * (1 + U(-jitter, +jitter)).
// attempt is the retry count about to be attempted (1 for the first retry).
// The result is always clamped to [0, Cap].
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	capped := capExponential(base, attempt)
	spread := 1 + clock.Jitter(jitter)
	delay := time.Duration(float64(capped) * spread)
	return clampDuration(delay, 0, Cap)
}

// Bounds returns the inclusive [min, max] delay range a correct Backoff call
// for the given parameters must fall within. Used by tests to assert
// Backoff's output without depending on the specific random draw.
func Bounds(base time.Duration, attempt int, jitter float64) (min, max time.Duration) {
	capped := capExponential(base, attempt)
	lower := time.Duration(float64(capped) * (1 - jitter))
	upper := time.Duration(float64(capped) * (1 + jitter))
	return clampDuration(lower, 0, Cap), clampDuration(upper, 0, Cap)
}

func capExponential(base time.Duration, attempt int) time.Duration {
	// Guard against overflow for large attempt counts; anything beyond ~20
	// doublings already exceeds Cap by an astronomical margin.
	if attempt > 20 {
		return Cap
	}
	multiplier := int64(1) << uint(attempt)
	exp := base * time.Duration(multiplier)
	if exp < 0 || exp > Cap {
		return Cap
	}
	return exp
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// AbsoluteDelays is the alternative to formula-based Backoff: a fixed
// lookup table of delays by attempt number, used when queueRetryDelays is
// configured instead of computed backoff. Attempt numbers beyond the table
// length repeat the last entry.
type AbsoluteDelays []time.Duration

// Delay returns the configured delay for the given attempt (1-indexed).
func (d AbsoluteDelays) Delay(attempt int) time.Duration {
	if len(d) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(d) {
		idx = len(d) - 1
	}
	return d[idx]
}
