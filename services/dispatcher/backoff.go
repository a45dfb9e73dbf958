package dispatcher

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryPolicy is the jitter-free schedule between analyzer attempts: base,
// 2*base, 4*base and so on, capped at ceiling. It never gives up on its own;
// retry budgets are enforced by the caller.
func retryPolicy(base, ceiling time.Duration, clk backoff.Clock) *backoff.ExponentialBackOff {
	if ceiling < base {
		ceiling = base
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval: base,
		Multiplier:      2,
		MaxInterval:     ceiling,
		Stop:            backoff.Stop,
		Clock:           clk,
	}
	b.Reset()
	return b
}

// resumeRetryPolicy skips the delays already spent by a subtask's earlier
// failed attempts, so a reclaimed subtask continues its schedule.
func resumeRetryPolicy(b *backoff.ExponentialBackOff, spent int) *backoff.ExponentialBackOff {
	for i := 0; i < spent; i++ {
		b.NextBackOff()
	}
	return b
}
