// Package besteffort runs side-channel calls whose failure must never reach
// the caller's critical path.
package besteffort

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Result records how a best-effort call ended. Err is informational only.
type Result struct {
	Name     string
	Ignored  bool
	Err      error
	Duration time.Duration
}

func (r Result) OK() bool {
	return !r.Ignored
}

// Call runs fn and always returns. Errors and panics are logged and folded
// into the Result instead of being propagated.
func Call(ctx context.Context, log zerolog.Logger, name string, fn func(ctx context.Context) error) (res Result) {
	res.Name = name
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("panic: %v", p)
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			res.Ignored = true
			log.Warn().Err(res.Err).Str("call", name).Dur("duration", res.Duration).Msg("best-effort call failed, ignoring")
		}
	}()

	res.Err = fn(ctx)
	return res
}
