package grabhttp

import (
	"context"
	"os"
	"time"
)

// watchdog owns the context of one transfer. It cancels the context with
// os.ErrDeadlineExceeded when no data arrives for timeout, or with the cause
// passed to abort.
type watchdog struct {
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
}

func newWatchdog(parent context.Context, timeout time.Duration) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	wd := &watchdog{cancel: cancel, timeout: timeout}
	if timeout > 0 {
		wd.timer = time.AfterFunc(timeout, func() {
			cancel(os.ErrDeadlineExceeded)
		})
	}
	return ctx, wd
}

func (wd *watchdog) kick() {
	if wd.timer != nil {
		wd.timer.Reset(wd.timeout)
	}
}

func (wd *watchdog) abort(cause error) {
	if wd.timer != nil {
		wd.timer.Stop()
	}
	wd.cancel(cause)
}

func (wd *watchdog) release() {
	wd.abort(nil)
}
