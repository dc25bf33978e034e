package worker

import (
	"math/rand/v2"
	"time"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 5 * time.Minute
)

// backoff returns the requeue delay for a failed attempt: exponential from
// one second, capped at five minutes, with up to 25% jitter so retries of
// messages failed in a burst spread out.
func backoff(attempt int32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := backoffBase
	for i := int32(1); i < attempt && delay < backoffCap; i++ {
		delay *= 2
	}

	if delay > backoffCap {
		delay = backoffCap
	}

	return delay + rand.N(delay/4+1)
}
