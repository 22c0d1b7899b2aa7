package worker

import "time"

// DefaultMaxRetries is the number of retryable failures a single path may
// accumulate before it is permanently failed.
const DefaultMaxRetries = 5

// DefaultRetryDelays is the back-off table indexed by the retry counter:
// 0s, 30s, 1 minute, 1 hour, 1 day, 5 days.
var DefaultRetryDelays = []time.Duration{
	0,
	30 * time.Second,
	time.Minute,
	time.Hour,
	24 * time.Hour,
	5 * 24 * time.Hour,
}

// RetryConfig carries the back-off table and retry ceiling shared by all
// stages (the "general" configuration section).
type RetryConfig struct {
	Delays     []time.Duration
	MaxRetries int
}

// DefaultRetryConfig returns the standard back-off discipline.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Delays:     append([]time.Duration(nil), DefaultRetryDelays...),
		MaxRetries: DefaultMaxRetries,
	}
}

// Delay returns the broker-side delay for the given retry count. Counts past
// the end of the table reuse its last entry, keeping the sequence
// non-decreasing.
func (c RetryConfig) Delay(retries int) time.Duration {
	if len(c.Delays) == 0 {
		return 0
	}
	if retries < 0 {
		retries = 0
	}
	if retries >= len(c.Delays) {
		retries = len(c.Delays) - 1
	}
	return c.Delays[retries]
}

// Exhausted reports whether a path has used up its retries.
func (c RetryConfig) Exhausted(retries int) bool {
	return retries >= c.MaxRetries
}
