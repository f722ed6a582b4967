// Package task defines the unit of work an IoPattern hands to a driver and
// the verdict a driver reports back after the OS completes it (§3).
package task

import "time"

// Action selects what a Task asks a driver to do.
type Action int

const (
	// ActionNone means no work is available right now; the driver should
	// stop its loop without treating this as an error.
	ActionNone Action = iota
	ActionSend
	ActionRecv
	ActionGracefulShutdown
	ActionHardShutdown
	ActionAbort
	ActionFatalAbort
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSend:
		return "send"
	case ActionRecv:
		return "recv"
	case ActionGracefulShutdown:
		return "graceful_shutdown"
	case ActionHardShutdown:
		return "hard_shutdown"
	case ActionAbort:
		return "abort"
	case ActionFatalAbort:
		return "fatal_abort"
	default:
		return "unknown"
	}
}

// BufferKind identifies where a Task's buffer reference points.
type BufferKind int

const (
	// BufferStatic points into an immutable, shared pattern buffer.
	BufferStatic BufferKind = iota
	// BufferTracked points into a per-connection buffer the pattern owns.
	BufferTracked
	// BufferUDPConnectionID is the once-per-connection connection-id
	// datagram payload (§6 Wire format).
	BufferUDPConnectionID
)

// Task is a single unit of work an IoPattern hands to a driver. Its
// lifetime is short: a driver owns it for the duration of one OS call.
type Task struct {
	Action Action

	Buffer       []byte
	BufferOffset int
	BufferLength int
	BufferKind   BufferKind

	// RIOBufferID is set only when the registered-IO driver has already
	// registered Buffer; zero value means "not yet registered."
	RIOBufferID uint64

	// TrackIO is true when the driver should increment the per-socket
	// I/O-in-flight counter for this task (false for tasks like
	// GracefulShutdown that don't represent outstanding async I/O).
	TrackIO bool

	// TimeOffset is the delay before this task should be posted, used by
	// the paced datagram driver (§4.5).
	TimeOffset time.Duration

	// ExpectedPatternOffset lets a driver validate that a completion
	// corresponds to the task it thinks it posted.
	ExpectedPatternOffset int64
}

// Verdict is the pattern's reply to a completed task (§3).
type Verdict int

const (
	// ContinueIo means the pattern has more work; the driver should loop.
	ContinueIo Verdict = iota
	// CompletedIo means the pattern is finished; nothing more to post.
	CompletedIo
	// FailedIo means the task failed in a way the pattern treats as
	// terminal; the sticky last error should be surfaced to SocketState.
	FailedIo
)

func (v Verdict) String() string {
	switch v {
	case ContinueIo:
		return "continue"
	case CompletedIo:
		return "completed"
	case FailedIo:
		return "failed"
	default:
		return "unknown"
	}
}
