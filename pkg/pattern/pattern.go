// Package pattern declares the engine's upward boundary: the IoPattern
// protocol. The concrete protocol object that produces tasks and verifies
// received bytes is deliberately out of scope (§1) — this package only
// names the contract the core engine calls through.
package pattern

import (
	"net"
	"sync"

	"github.com/ctraffic/ctengine/pkg/task"
)

// IoPattern is the external, application-protocol state machine. Drivers
// call InitiateIo to get the next Task and CompleteIo once the OS call
// finishes. Implementations are supplied by the embedding CLI; this module
// never implements one itself (§1, §6).
type IoPattern interface {
	// InitiateIo returns the next task, or a Task with Action ActionNone
	// if the pattern is temporarily idle.
	InitiateIo() task.Task

	// CompleteIo updates protocol state given the bytes moved and any
	// error, and returns the verdict that steers the driver's next step.
	CompleteIo(t task.Task, bytes int, err error) task.Verdict

	// PrintStatistics is called once, at close, with the connection's
	// local and remote addresses.
	PrintStatistics(local, remote net.Addr)

	// AcquirePatternLock returns a scoped release function for serializing
	// task production against completion handling. The drivers in package
	// iodrivers do not call it; each of them calls InitiateIo and CompleteIo
	// from one goroutine at a time. The lock must never be held across a
	// callback into ConnectionSocket.
	AcquirePatternLock() func()

	// RIOBufferIDCount returns the maximum outstanding I/O this pattern
	// will ever have in flight, used to size the registered-IO task pool.
	RIOBufferIDCount() int

	// LastPatternError returns the sticky first non-zero error this
	// pattern has observed, or nil if none yet.
	LastPatternError() error
}

// Locker is a convenience base implementers can embed to get
// AcquirePatternLock for free over a plain sync.Mutex.
type Locker struct {
	mu sync.Mutex
}

func (l *Locker) AcquirePatternLock() func() {
	l.mu.Lock()
	return l.mu.Unlock
}

// StickyError accumulates the first non-zero error reported to a pattern,
// matching the "running-sentinel" semantics §4.3 describes for SocketState's
// last_error: subsequent errors never overwrite the first.
type StickyError struct {
	mu  sync.Mutex
	err error
}

// Record stores err if this is the first non-nil error seen.
func (s *StickyError) Record(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the sticky first error, or nil.
func (s *StickyError) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
