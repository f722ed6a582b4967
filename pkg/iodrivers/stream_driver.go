// Package iodrivers implements the five interchangeable I/O pumps (§4.5):
// overlapped read/write, overlapped send/recv, registered-IO, blocking
// connect/accept, and the UDP paced datagram sender.
//
// The two overlapped drivers (read/write-based and send/recv-based) are
// unified behind one loop per the Open Question in §9 — see DESIGN.md for
// the decision record. Both constructors below return the same
// newStreamIoFunc functor driving runStreamLoop, differing only in name to
// preserve the Settings-object selection point the original exposed.
package iodrivers

import (
	"errors"
	"net"

	"github.com/ctraffic/ctengine/internal/observability/logging"
	"github.com/ctraffic/ctengine/internal/observability/metrics"
	"github.com/ctraffic/ctengine/pkg/executor"
	"github.com/ctraffic/ctengine/pkg/pattern"
	"github.com/ctraffic/ctengine/pkg/socket"
	"github.com/ctraffic/ctengine/pkg/task"
)

var errNoPattern = errors.New("iodrivers: socket has no pattern attached")

type halfCloser interface {
	CloseWrite() error
}

// errNoHandle is returned when the Io step runs before Create/Connect/Accept
// has attached a net.Conn handle to the socket.
var errNoHandle = errors.New("iodrivers: socket has no net.Conn handle attached")

// NewOverlappedReadWrite builds an Io functor using the file-I/O style
// Read/Write primitives — appropriate for stream sockets without
// per-message framing. One functor is shared by every SocketState a Broker
// spawns, so it recovers each connection's net.Conn from the socket's own
// handle (set by that connection's Create/Connect/Accept step) rather than
// closing over a single conn.
func NewOverlappedReadWrite(cp *executor.CompletionPort, met *metrics.Metrics, log logging.Logger) func(*socket.ConnectionSocket) error {
	return newStreamIoFunc(cp, met, log)
}

// NewOverlappedSendRecv is the send/recv-named selection point. It builds
// exactly the same functor as NewOverlappedReadWrite: both issue
// net.Conn.Write/Read with one buffer per call, with identical verdict
// handling.
func NewOverlappedSendRecv(cp *executor.CompletionPort, met *metrics.Metrics, log logging.Logger) func(*socket.ConnectionSocket) error {
	return newStreamIoFunc(cp, met, log)
}

func newStreamIoFunc(cp *executor.CompletionPort, met *metrics.Metrics, log logging.Logger) func(*socket.ConnectionSocket) error {
	if met == nil {
		met = metrics.Global
	}
	if log == nil {
		log = logging.NopLogger{}
	}

	return func(sock *socket.ConnectionSocket) error {
		g := sock.AcquireLock()
		handle := g.Handle
		g.Release()

		conn, ok := handle.(net.Conn)
		if !ok || conn == nil {
			return errNoHandle
		}

		sock.AssociateCompletionPort(func(bytes int, err error) {
			log.Debug("io completion observed", logging.Int("bytes", bytes), logging.Err(err))
		})
		go runStreamLoop(sock, conn, cp, met, log)
		return nil
	}
}

// runStreamLoop is the shared loop shape every driver in this file follows
// (§4.5). It runs on its own goroutine, one per ConnectionSocket, which is
// what gives Pattern-to-socket ordering (§8 property 4) for free: a single
// goroutine can only issue OS calls in the order it decided to issue them.
func runStreamLoop(sock *socket.ConnectionSocket, conn net.Conn, cp *executor.CompletionPort, met *metrics.Metrics, log logging.Logger) {
	patt := sock.Pattern()
	if patt == nil {
		sock.Complete(errNoPattern)
		return
	}

	// The outer loop holds a reference count so the socket state cannot
	// complete mid-loop (§4.5 invariants).
	sock.IncrementIO()

	sticky := &pattern.StickyError{}
	done := false

	for !done {
		t := patt.InitiateIo()

		switch t.Action {
		case task.ActionNone:
			done = true

		case task.ActionGracefulShutdown:
			if hc, ok := conn.(halfCloser); ok {
				_ = hc.CloseWrite()
			}
			verdict := patt.CompleteIo(t, 0, nil)
			done = verdict != task.ContinueIo

		case task.ActionHardShutdown, task.ActionAbort, task.ActionFatalAbort:
			_ = sock.CloseSocket(true)
			verdict := patt.CompleteIo(t, 0, nil)
			done = verdict != task.ContinueIo

		case task.ActionSend:
			done = postStreamIO(sock, conn.Write, t, patt, sticky, cp, met, log, "send")

		case task.ActionRecv:
			done = postStreamIO(sock, conn.Read, t, patt, sticky, cp, met, log, "recv")

		default:
			log.Error("iodrivers: unknown task action", logging.String("action", t.Action.String()))
			done = true
		}
	}

	if v, derr := sock.DecrementIO(); derr != nil {
		log.Error("iodrivers: io counter invariant violated", logging.Err(derr))
	} else if v == 0 {
		sock.Complete(sticky.Err())
	}
}

// postStreamIO performs one Send or Recv OS call and drives it through to a
// verdict. Each initiated I/O whose task has TrackIO set holds its own
// reference count, released only when its completion fires (§4.5
// invariants); untracked tasks hold none.
func postStreamIO(
	sock *socket.ConnectionSocket,
	ioFn func([]byte) (int, error),
	t task.Task,
	patt pattern.IoPattern,
	sticky *pattern.StickyError,
	cp *executor.CompletionPort,
	met *metrics.Metrics,
	log logging.Logger,
	direction string,
) bool {
	if t.TrackIO {
		sock.IncrementIO()
	}

	stop := metrics.Timer(met.IOCompletionTime)
	end := t.BufferOffset + t.BufferLength
	n, err := ioFn(t.Buffer[t.BufferOffset:end])
	stop()

	met.IOBytes.WithLabelValues(direction).Add(float64(n))
	if cp != nil {
		cp.Post(sock.HandleID(), n, err)
	}

	verdict := patt.CompleteIo(t, n, err)
	if verdict == task.FailedIo {
		if perr := patt.LastPatternError(); perr != nil {
			sticky.Record(perr)
		} else {
			sticky.Record(err)
		}
	}

	if t.TrackIO {
		if v, derr := sock.DecrementIO(); derr != nil {
			log.Error("iodrivers: io counter invariant violated", logging.Err(derr))
		} else if v == 0 {
			sock.Complete(sticky.Err())
		}
	}

	return verdict != task.ContinueIo
}
