// Package socket implements ConnectionSocket (§4.2): the owner of one OS
// socket handle, its pattern reference, and the lock every OS call on that
// handle must be made under.
package socket

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ctraffic/ctengine/internal/observability/logging"
	"github.com/ctraffic/ctengine/pkg/executor"
	"github.com/ctraffic/ctengine/pkg/pattern"
	"github.com/ctraffic/ctengine/pkg/task"
)

// ErrAlreadySet is returned by SetHandle when a handle was already assigned.
var ErrAlreadySet = errors.New("socket: handle already set")

// ErrIOCounterNegative is the invariant-violation error for DecrementIO
// dropping below zero (§7, fatal/process-terminating in the original; here
// it is surfaced as an error the caller is expected to treat as fatal).
var ErrIOCounterNegative = errors.New("socket: io counter went negative")

// Handle is the minimal surface ConnectionSocket needs from an OS socket.
// net.Conn and net.PacketConn both satisfy a subset of this; TCP sockets
// additionally implement Linger for the reset-on-close path.
type Handle interface {
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Linger is implemented by handles that support forcing an RST on close
// (e.g. *net.TCPConn.SetLinger).
type Linger interface {
	SetLinger(sec int) error
}

// Guard is returned by AcquireLock; it exposes the raw handle and a clone of
// the pattern reference for the duration the caller holds the lock. All OS
// calls on the socket must happen through Guard, never after it's released.
type Guard struct {
	Handle  Handle
	Pattern pattern.IoPattern
	release func()
}

// Release unlocks the socket. Safe to call at most once.
func (g *Guard) Release() {
	if g.release != nil {
		g.release()
		g.release = nil
	}
}

// ConnectionSocket owns one socket handle, a reference to its pattern, an
// I/O-in-flight counter, and the addresses and timer associated with it.
type ConnectionSocket struct {
	ID string

	log logging.Logger
	cp  *executor.CompletionPort

	mu      sync.Mutex // the "socket lock" (§4.2); a short critical section
	handle  Handle
	hasSet  bool
	pattern pattern.IoPattern
	closed  bool

	ioCount atomic.Int32

	local, remote net.Addr

	handleID   uint64
	assocOnce  sync.Once

	timerMu sync.Mutex
	timer   *time.Timer

	completeFn func(error)
}

// New creates an unbound ConnectionSocket. SetHandle must be called before
// any OS-facing operation.
func New(cp *executor.CompletionPort, log logging.Logger) *ConnectionSocket {
	if log == nil {
		log = logging.NopLogger{}
	}
	return &ConnectionSocket{
		ID:  uuid.NewString(),
		log: log,
		cp:  cp,
	}
}

// AcquireLock is the scoped acquisition every OS call on the socket must be
// made under (§4.2). The returned Guard must be released by the caller;
// callers must never call back into the pattern while holding it.
func (s *ConnectionSocket) AcquireLock() *Guard {
	s.mu.Lock()
	return &Guard{
		Handle:  s.handle,
		Pattern: s.pattern,
		release: s.mu.Unlock,
	}
}

// SetHandle assigns the OS handle exactly once; a second call fails fast.
func (s *ConnectionSocket) SetHandle(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasSet {
		return ErrAlreadySet
	}
	s.handle = h
	s.hasSet = true
	s.local = h.LocalAddr()
	s.remote = h.RemoteAddr()
	return nil
}

// SetPattern attaches the IoPattern built during the InitiatingIo state.
func (s *ConnectionSocket) SetPattern(p pattern.IoPattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pattern = p
}

// Pattern returns the current pattern reference, or nil before
// InitiatingIo completes.
func (s *ConnectionSocket) Pattern() pattern.IoPattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pattern
}

// LocalAddr and RemoteAddr are safe to call from any goroutine once
// SetHandle has run.
func (s *ConnectionSocket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *ConnectionSocket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// CloseSocket closes the handle. If reset is true and the handle supports
// it, linger is forced to zero first so the close sends an RST instead of a
// graceful FIN. CloseSocket does not end or otherwise touch the pattern —
// callers must have already stopped posting I/O through the pattern;
// CloseSocket itself never calls into the pattern.
// Idempotent: a second call is a no-op returning nil.
func (s *ConnectionSocket) CloseSocket(reset bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.handle == nil {
		s.closed = true
		return nil
	}

	if reset {
		if l, ok := s.handle.(Linger); ok {
			if err := l.SetLinger(0); err != nil {
				s.log.Warn("set linger for reset close failed",
					logging.String("socket_id", s.ID), logging.Err(err))
			}
		}
	}

	err := s.handle.Close()
	s.closed = true

	if s.cp != nil {
		s.cp.Disassociate(s.handleID)
	}

	return err
}

// IncrementIO bumps the I/O-in-flight counter. Always safe.
func (s *ConnectionSocket) IncrementIO() int32 {
	return s.ioCount.Add(1)
}

// DecrementIO decrements the I/O-in-flight counter. A drop below zero is an
// invariant violation (§3, §7) and is reported as ErrIOCounterNegative
// rather than panicking, so callers can route it through the same
// fatal-error path as other invariant violations. A rejected decrement
// leaves the counter unchanged, so it is never observably negative.
func (s *ConnectionSocket) DecrementIO() (int32, error) {
	for {
		cur := s.ioCount.Load()
		if cur <= 0 {
			return cur, ErrIOCounterNegative
		}
		if s.ioCount.CompareAndSwap(cur, cur-1) {
			return cur - 1, nil
		}
	}
}

// IOCount returns the current I/O-in-flight count.
func (s *ConnectionSocket) IOCount() int32 {
	return s.ioCount.Load()
}

// SetTimer schedules fn(t) to run after t.TimeOffset. fn receives the task
// so the paced UDP driver can re-check the task is still relevant (the
// socket it closed over may have been torn down in the meantime — callers
// are expected to no-op if so). SetTimer never blocks the caller.
func (s *ConnectionSocket) SetTimer(t task.Task, fn func(task.Task)) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(t.TimeOffset, func() { fn(t) })
}

// StopTimer cancels any pending timer; a no-op if none is scheduled.
func (s *ConnectionSocket) StopTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// AssociateCompletionPort lazily associates this socket with its completion
// queue on first call, matching §4.2's "lazily associates ... on first
// call; returns a shared handle." handleID is a stable identifier derived
// from the socket's own ID (a real IOCP uses the OS handle value; Go has no
// equivalent numeric handle for net.Conn, so ConnectionSocket mints one).
func (s *ConnectionSocket) AssociateCompletionPort(fn executor.CompletionFunc) uint64 {
	s.assocOnce.Do(func() {
		s.handleID = stableHandleID(s.ID)
		if s.cp != nil {
			s.cp.Associate(s.handleID, fn)
		}
	})
	return s.handleID
}

// HandleID returns the completion-port identifier, valid after
// AssociateCompletionPort has run at least once.
func (s *ConnectionSocket) HandleID() uint64 {
	return atomic.LoadUint64(&s.handleID)
}

func stableHandleID(id string) uint64 {
	var h uint64 = 14695981039346656037 // FNV-1a offset basis
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return h
}

// SetCompleteFunc attaches the owning SocketState's CompleteState method.
// Drivers call Complete (not this) once their I/O is fully done; this is
// the "self_weak" hook a driver needs without holding a direct reference to
// the owning SocketState.
func (s *ConnectionSocket) SetCompleteFunc(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeFn = fn
}

// Complete signals the owning SocketState that this connection's I/O has
// finished, with whatever sticky error (if any) was accumulated.
func (s *ConnectionSocket) Complete(err error) {
	s.mu.Lock()
	fn := s.completeFn
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// String implements fmt.Stringer for logging.
func (s *ConnectionSocket) String() string {
	return fmt.Sprintf("ConnectionSocket{id=%s}", s.ID)
}
