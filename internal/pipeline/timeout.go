package pipeline

import "time"

const (
	// Base completion budget bounds for normal operation.
	minResponseTimeout = 10 * time.Second
	maxResponseTimeout = 120 * time.Second
	// Floor applied while a rotation or recovery is still settling; the
	// first request on a fresh profile pays cold-start costs.
	recoveryResponseTimeout = 30 * time.Second
	// Minimum gap tolerance between streamed fragments.
	minSilenceThreshold = 60 * time.Second
)

// responseTimeout computes the completion budget for one submission. The
// base grows one second per thousand prompt characters and is clamped to
// sane bounds; the operator's configured timeout acts as a floor on top.
func responseTimeout(promptLen int, configured time.Duration, recovering bool) time.Duration {
	base := time.Duration(5+promptLen/1000) * time.Second
	if base < minResponseTimeout {
		base = minResponseTimeout
	}
	if base > maxResponseTimeout {
		base = maxResponseTimeout
	}
	if recovering && base < recoveryResponseTimeout {
		base = recoveryResponseTimeout
	}
	if configured > base {
		return configured
	}
	return base
}

// silenceThreshold derives the longest tolerated gap between upstream
// events from the total budget.
func silenceThreshold(timeout time.Duration) time.Duration {
	s := timeout / 2
	if s < minSilenceThreshold {
		s = minSilenceThreshold
	}
	return s
}
