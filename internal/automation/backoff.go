package automation

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay returns the retry delay for the given attempt count using
// exponential backoff with full jitter:
// random(0, min(cap, base * 2^attempt)), floored at one second so a retry
// never lands in the same scheduler tick that scheduled it.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	expDelay := float64(base) * math.Pow(2, float64(attempt))
	if expDelay > float64(cap) {
		expDelay = float64(cap)
	}

	jittered := time.Duration(rand.Float64() * expDelay)
	if jittered < time.Second {
		jittered = time.Second
	}
	return jittered
}
