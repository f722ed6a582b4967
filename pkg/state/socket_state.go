// Package state implements SocketState (§4.3): the per-connection lifecycle
// actor that walks a ConnectionSocket through
// Creating -> Created -> (Connecting -> Connected) -> InitiatingIo ->
// InitiatedIo -> Closing -> Closed, driven entirely by completions.
package state

import (
	"sync"
	"sync/atomic"

	"github.com/ctraffic/ctengine/internal/observability/logging"
	"github.com/ctraffic/ctengine/pkg/executor"
	"github.com/ctraffic/ctengine/pkg/pattern"
	"github.com/ctraffic/ctengine/pkg/socket"
)

// Phase enumerates SocketState's lifecycle states.
type Phase int32

const (
	Creating Phase = iota
	Created
	Connecting
	Connected
	InitiatingIo
	InitiatedIo
	Closing
	Closed
)

func (p Phase) String() string {
	switch p {
	case Creating:
		return "creating"
	case Created:
		return "created"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case InitiatingIo:
		return "initiating_io"
	case InitiatedIo:
		return "initiated_io"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// BrokerNotifier is the non-owning back-reference to the Broker (§4.4).
// SocketState calls this at exactly the two moments the Broker's quota
// counters need to move.
type BrokerNotifier interface {
	// NotifyInitiatingIo fires the single atomic "a connection went
	// active" point: on transition into InitiatingIo.
	NotifyInitiatingIo(s *SocketState)
	// NotifyClosing fires once, from the Closing step, carrying whether
	// the state machine ever reached InitiatedIo.
	NotifyClosing(s *SocketState, wasActive bool)
}

// Functors are the user-supplied callbacks from the Settings object (§6).
// Exactly one of Connect or Accept should be set — Connect selects client
// mode, Accept selects server mode; leaving both nil means this connection
// has no connect/accept phase at all (used by tests that start a SocketState
// already "connected").
type Functors struct {
	Create  func(s *socket.ConnectionSocket) error
	Connect func(s *socket.ConnectionSocket) error
	Accept  func(s *socket.ConnectionSocket) error

	// PatternFactory builds the IoPattern for InitiatingIo.
	PatternFactory func(s *socket.ConnectionSocket) (pattern.IoPattern, error)

	// Io selects and starts the I/O driver. A driver that performs
	// asynchronous work returns nil immediately and calls CompleteState
	// itself once all I/O finishes; a driver that fails to even start
	// returns a non-nil error, which is routed to Closing the same way
	// any other functor error is.
	Io func(s *socket.ConnectionSocket) error

	// Closing is an optional final hook run after CloseSocket, before
	// resource release.
	Closing func(s *socket.ConnectionSocket) error
}

// SocketState drives one ConnectionSocket through its lifecycle. One
// dedicated SerialQueue worker guarantees transitions never overlap.
type SocketState struct {
	log    logging.Logger
	broker BrokerNotifier
	fn     Functors
	queue  *executor.SerialQueue

	sock *socket.ConnectionSocket

	phase       atomic.Int32
	initiatedIO atomic.Bool
	sticky      pattern.StickyError

	doneOnce sync.Once
	doneCh   chan struct{}
}

// New constructs a SocketState. cp may be nil if the caller's Io functor
// doesn't need a completion port (e.g. blocking drivers).
func New(broker BrokerNotifier, fn Functors, cp *executor.CompletionPort, log logging.Logger) *SocketState {
	if log == nil {
		log = logging.NopLogger{}
	}
	s := &SocketState{
		log:    log,
		broker: broker,
		fn:     fn,
		queue:  executor.NewSerialQueue(8, log),
		sock:   socket.New(cp, log),
		doneCh: make(chan struct{}),
	}
	s.sock.SetCompleteFunc(s.CompleteState)
	return s
}

// Socket returns the owned ConnectionSocket.
func (s *SocketState) Socket() *socket.ConnectionSocket { return s.sock }

// Phase returns the current lifecycle phase.
func (s *SocketState) Phase() Phase { return Phase(s.phase.Load()) }

// InitiatedIO reports whether the state machine ever reached InitiatedIo;
// this determines which pair of Broker counters Closing decrements.
func (s *SocketState) InitiatedIO() bool { return s.initiatedIO.Load() }

// LastError returns the sticky first non-zero error this SocketState has
// observed, or nil.
func (s *SocketState) LastError() error { return s.sticky.Err() }

// Done returns a channel closed once this SocketState reaches Closed.
func (s *SocketState) Done() <-chan struct{} { return s.doneCh }

// Start begins the lifecycle by submitting the Creating step.
func (s *SocketState) Start() {
	s.queue.Submit(s.creatingStep)
}

// CompleteState routes by current phase (§4.3). Safe to call from any
// goroutine — including directly from an I/O driver's completion
// callback — since it serializes onto this SocketState's queue.
func (s *SocketState) CompleteState(err error) {
	s.queue.Submit(func() { s.completeStateInternal(err) })
}

func (s *SocketState) creatingStep() {
	s.phase.Store(int32(Created))

	var err error
	if s.fn.Create != nil {
		err = s.fn.Create(s.sock)
	}
	s.completeStateInternal(err)
}

func (s *SocketState) connectingStep() {
	s.phase.Store(int32(Connected))

	var err error
	switch {
	case s.fn.Connect != nil:
		err = s.fn.Connect(s.sock)
	case s.fn.Accept != nil:
		err = s.fn.Accept(s.sock)
	}
	s.completeStateInternal(err)
}

func (s *SocketState) initiatingIoStep() {
	if s.fn.PatternFactory == nil {
		s.completeStateInternal(errPatternFactoryMissing)
		return
	}

	p, err := s.fn.PatternFactory(s.sock)
	if err != nil {
		s.completeStateInternal(err)
		return
	}
	s.sock.SetPattern(p)
	s.phase.Store(int32(InitiatedIo))

	if s.fn.Io != nil {
		if err := s.fn.Io(s.sock); err != nil {
			s.completeStateInternal(err)
		}
		// A driver that started successfully calls CompleteState itself
		// once its I/O finishes; nothing more to do here.
	}
}

func (s *SocketState) closingStep() {
	// Always a graceful close here, matching ctsSocket.cpp's close_socket()
	// (which takes no reset argument). Forcing linger-zero-and-RST is the
	// I/O drivers' own call, made directly against the socket from the
	// ActionHardShutdown/ActionAbort task paths (§4.5) before this step ever
	// runs; by the time closingStep executes on that path, CloseSocket has
	// already happened and this call is a no-op.
	if err := s.sock.CloseSocket(false); err != nil {
		s.log.Warn("close socket failed", logging.Err(err))
	}

	if p := s.sock.Pattern(); p != nil {
		p.PrintStatistics(s.sock.LocalAddr(), s.sock.RemoteAddr())
	}

	wasActive := s.initiatedIO.Load()
	s.broker.NotifyClosing(s, wasActive)

	s.phase.Store(int32(Closed))

	if s.fn.Closing != nil {
		if err := s.fn.Closing(s.sock); err != nil {
			s.log.Warn("closing hook failed", logging.Err(err))
		}
	}

	s.doneOnce.Do(func() { close(s.doneCh) })
}

func (s *SocketState) completeStateInternal(err error) {
	s.sticky.Record(err)
	cur := Phase(s.phase.Load())

	if err != nil {
		if cur == InitiatedIo {
			s.initiatedIO.Store(true)
		}
		s.phase.Store(int32(Closing))
		s.queue.Submit(s.closingStep)
		return
	}

	switch cur {
	case Created:
		if s.fn.Connect == nil && s.fn.Accept == nil {
			s.phase.Store(int32(InitiatingIo))
			s.broker.NotifyInitiatingIo(s)
			s.queue.Submit(s.initiatingIoStep)
		} else {
			s.phase.Store(int32(Connecting))
			s.queue.Submit(s.connectingStep)
		}
	case Connected:
		s.phase.Store(int32(InitiatingIo))
		s.broker.NotifyInitiatingIo(s)
		s.queue.Submit(s.initiatingIoStep)
	case InitiatedIo:
		s.initiatedIO.Store(true)
		s.phase.Store(int32(Closing))
		s.queue.Submit(s.closingStep)
	default:
		// No defined success transition out of cur (e.g. a duplicate
		// completion). Route to Closing rather than hang, consistent
		// with "any error short-circuits to Closing".
		s.phase.Store(int32(Closing))
		s.queue.Submit(s.closingStep)
	}
}

var errPatternFactoryMissing = &phaseError{"state: no pattern factory configured"}

type phaseError struct{ msg string }

func (e *phaseError) Error() string { return e.msg }
