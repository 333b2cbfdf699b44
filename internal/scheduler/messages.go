package scheduler

import (
	"github.com/livinlefevreloca/conductor/internal/inbox"
	"github.com/livinlefevreloca/conductor/internal/jobs"
	"github.com/livinlefevreloca/conductor/internal/scheduler/index"
)

// InboxMessage is the container for all messages sent to the scheduler
type InboxMessage struct {
	Type         MessageType
	Data         interface{}
	ResponseChan chan<- interface{} // Optional, for request/response pattern
}

// MessageType identifies the type of message being sent to the scheduler
type MessageType int

const (
	// From the dispatcher
	MsgDispatchComplete MessageType = iota // Data: dispatch.Outcome

	// From the job watcher
	MsgReload // Data: ReloadMsg

	// State queries
	MsgGetSnapshot // Responds with Snapshot
)

// String returns a human-readable representation of the message type
func (m MessageType) String() string {
	switch m {
	case MsgDispatchComplete:
		return "dispatch_complete"
	case MsgReload:
		return "reload"
	case MsgGetSnapshot:
		return "get_snapshot"
	default:
		return "unknown"
	}
}

// ReloadMsg replaces the whole job registry
type ReloadMsg struct {
	Jobs []*jobs.Job
}

// Snapshot is the response to MsgGetSnapshot
type Snapshot struct {
	Entries        []index.Entry  // pending instants in dispatch order
	Running        map[string]int // in-flight executions per job
	Jobs           int            // jobs in the registry, including retired ones
	UnsyncedWrites int            // ledger writes waiting for a retry
	InboxStats     inbox.Stats
}
