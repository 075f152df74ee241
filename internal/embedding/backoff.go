package embedding

import (
	"math/rand/v2"
	"time"
)

const maxBackoff = 30 * time.Second

// Backoff returns exponential backoff with jitter for the given retry
// attempt (1-based): base doubles each attempt, capped at 30s, with
// random jitter of plus or minus 25%.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	quarter := int64(d) / 4
	if quarter == 0 {
		return d
	}
	jitter := time.Duration(rand.Int64N(2*quarter+1) - quarter)
	return d + jitter
}
