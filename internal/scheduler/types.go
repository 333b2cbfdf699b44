package scheduler

import (
	"time"

	"github.com/livinlefevreloca/conductor/internal/dispatch"
)

// Dispatcher launches executions without blocking the scheduler.
// report must be called exactly once per Dispatch.
type Dispatcher interface {
	Dispatch(req dispatch.Request, report func(dispatch.Outcome)) string
	Wait()
}

// pendingWrite is a ledger write that failed and is waiting for a retry
type pendingWrite struct {
	at     time.Time
	remove bool
}
