package processing

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff computes the delay before retry number attempt (1-based).
type Backoff struct {
	Base          time.Duration
	Max           time.Duration
	JitterPercent uint64
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var next retry.Backoff = retry.NewExponential(b.Base)
	if b.JitterPercent > 0 {
		next = retry.WithJitterPercent(b.JitterPercent, next)
	}
	next = retry.WithCappedDuration(b.Max, next)

	var d time.Duration
	for i := 0; i < attempt; i++ {
		var stop bool
		d, stop = next.Next()
		if stop {
			break
		}
	}
	return d
}
