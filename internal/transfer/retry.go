package transfer

import (
	"math/rand"
	"time"
)

// Retry constants, spec §4.7.3: delay = base * 2^attempts * jitter, base=1s,
// jitter ~ Uniform(0.8, 1.2), maximum 5 attempts per chunk.
const (
	retryBase        = time.Second
	MaxChunkAttempts = 5
)

// BackoffDelay computes the exponential-backoff-with-jitter delay before
// the (attempts+1)-th retry of a chunk.
func BackoffDelay(attempts uint8) time.Duration {
	jitter := 0.8 + rand.Float64()*0.4
	mult := 1 << attempts // 2^attempts
	return time.Duration(float64(retryBase) * float64(mult) * jitter)
}

// retryTimer is a cancellable token wrapping a single scheduled retry,
// per spec §9's "bounded token that can be cancelled" guidance.
type retryTimer struct {
	timer *time.Timer
}

func scheduleAfter(d time.Duration, f func()) *retryTimer {
	return &retryTimer{timer: time.AfterFunc(d, f)}
}

func (t *retryTimer) cancel() {
	if t != nil && t.timer != nil {
		t.timer.Stop()
	}
}
