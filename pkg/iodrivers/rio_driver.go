package iodrivers

import (
	"fmt"
	"net"
	"sync"

	"github.com/ctraffic/ctengine/internal/observability/logging"
	"github.com/ctraffic/ctengine/internal/observability/metrics"
	"github.com/ctraffic/ctengine/pkg/executor"
	"github.com/ctraffic/ctengine/pkg/pattern"
	"github.com/ctraffic/ctengine/pkg/socket"
	"github.com/ctraffic/ctengine/pkg/task"
)

// rioMaxCQSize bounds how large the simulated completion queue can grow,
// mirroring RIO_MAX_CQ_SIZE's role as a fail-fast ceiling rather than an
// unbounded resize.
const rioMaxCQSize = 1 << 20

// rioGrowthFactor is the per-socket request-queue growth increment
// recovered from ctsRioIocp.cpp's m_rioRqGrowthFactor default (§C
// SUPPLEMENTED FEATURES).
const rioGrowthFactor = 32

// rioCompletionQueue simulates the process-global RIO completion queue: a
// single capacity counter every registered socket shares, grown on demand.
// There is no rollback path: growing a request queue cannot fail once its
// completion-queue reservation has succeeded. This is the
// "registered-IO completion queue is process-global and guarded by one
// critical section for resize and dequeue" shared resource from §9.
type rioCompletionQueue struct {
	mu       sync.Mutex
	capacity uint32
	used     uint32
}

var globalRioCQ = &rioCompletionQueue{}

// reserve grows the CQ by slots if needed, failing fast past rioMaxCQSize —
// the Go analogue of MakeRoomInCq's FAIL_FAST_IF_MSG.
func (q *rioCompletionQueue) reserve(slots uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	needed := q.used + slots
	if q.capacity < needed {
		if q.capacity >= rioMaxCQSize || needed > rioMaxCQSize {
			return fmt.Errorf("rio: completion queue cannot grow beyond %d slots", rioMaxCQSize)
		}
		newCap := uint32(float64(needed) * 1.25)
		if newCap > rioMaxCQSize {
			newCap = rioMaxCQSize
		}
		q.capacity = newCap
	}
	q.used = needed
	return nil
}

// release gives back slots previously reserved (ReleaseRoomInCompletionQueue).
// runRioLoop calls it on teardown for the socket's initial reservation.
func (q *rioCompletionQueue) release(slots uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used < slots {
		q.used = 0
		return
	}
	q.used -= slots
}

// rioRequestQueue is the per-socket growable queue of outstanding RIO
// requests (RIOResizeRequestQueue's role). It tracks only per-direction
// sizes and outstanding counts; it holds no per-request slots.
type rioRequestQueue struct {
	mu               sync.Mutex
	sendSize, recvSize uint32
	outstandingSend, outstandingRecv uint32
}

func newRioRequestQueue() *rioRequestQueue {
	return &rioRequestQueue{sendSize: rioGrowthFactor, recvSize: rioGrowthFactor}
}

// ensureRoom grows the request queue (and reserves matching CQ capacity) if
// the next task of the given action would exceed current capacity.
func (rq *rioRequestQueue) ensureRoom(action task.Action) error {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	var grow bool
	switch action {
	case task.ActionSend:
		grow = rq.outstandingSend >= rq.sendSize
	case task.ActionRecv:
		grow = rq.outstandingRecv >= rq.recvSize
	}
	if !grow {
		return nil
	}

	if err := globalRioCQ.reserve(rioGrowthFactor); err != nil {
		return err
	}
	switch action {
	case task.ActionSend:
		rq.sendSize += rioGrowthFactor
	case task.ActionRecv:
		rq.recvSize += rioGrowthFactor
	}
	return nil
}

func (rq *rioRequestQueue) begin(action task.Action) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	switch action {
	case task.ActionSend:
		rq.outstandingSend++
	case task.ActionRecv:
		rq.outstandingRecv++
	}
}

func (rq *rioRequestQueue) end(action task.Action) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	switch action {
	case task.ActionSend:
		if rq.outstandingSend > 0 {
			rq.outstandingSend--
		}
	case task.ActionRecv:
		if rq.outstandingRecv > 0 {
			rq.outstandingRecv--
		}
	}
}

// NewRegisteredIO builds the registered-IO driver's Io functor. It posts
// completions through cp the same way the stream driver does for
// observability, but additionally exercises the simulated RIO queue-growth
// bookkeeping on every Send/Recv, since that resource management is the
// entire point of RIO over plain overlapped I/O. Like the stream driver,
// one functor is shared across every SocketState a Broker spawns, so it
// recovers each connection's net.Conn from the socket's own handle.
func NewRegisteredIO(cp *executor.CompletionPort, met *metrics.Metrics, log logging.Logger) func(*socket.ConnectionSocket) error {
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
			log.Debug("rio completion observed", logging.Int("bytes", bytes), logging.Err(err))
		})

		rq := newRioRequestQueue()
		if err := globalRioCQ.reserve(rioGrowthFactor * 2); err != nil {
			return err
		}

		go runRioLoop(sock, conn, rq, cp, met, log)
		return nil
	}
}

func runRioLoop(sock *socket.ConnectionSocket, conn net.Conn, rq *rioRequestQueue, cp *executor.CompletionPort, met *metrics.Metrics, log logging.Logger) {
	patt := sock.Pattern()
	if patt == nil {
		sock.Complete(errNoPattern)
		return
	}

	sock.IncrementIO()
	sticky := &pattern.StickyError{}
	done := false

	for !done {
		t := patt.InitiateIo()

		switch t.Action {
		case task.ActionNone:
			done = true

		case task.ActionGracefulShutdown, task.ActionHardShutdown, task.ActionAbort, task.ActionFatalAbort:
			_ = sock.CloseSocket(t.Action != task.ActionGracefulShutdown)
			verdict := patt.CompleteIo(t, 0, nil)
			done = verdict != task.ContinueIo

		case task.ActionSend, task.ActionRecv:
			if err := rq.ensureRoom(t.Action); err != nil {
				sticky.Record(err)
				met.InvariantViolations.WithLabelValues("rio_cq_exhausted").Inc()
				done = true
				break
			}
			rq.begin(t.Action)
			done = postRioIO(sock, conn, t, patt, sticky, rq, cp, met, log)
		}
	}

	if v, derr := sock.DecrementIO(); derr != nil {
		log.Error("rio driver: io counter invariant violated", logging.Err(derr))
	} else if v == 0 {
		sock.Complete(sticky.Err())
	}

	globalRioCQ.release(rioGrowthFactor * 2)
}

func postRioIO(
	sock *socket.ConnectionSocket,
	conn net.Conn,
	t task.Task,
	patt pattern.IoPattern,
	sticky *pattern.StickyError,
	rq *rioRequestQueue,
	cp *executor.CompletionPort,
	met *metrics.Metrics,
	log logging.Logger,
) bool {
	if t.TrackIO {
		sock.IncrementIO()
	}

	stop := metrics.Timer(met.IOCompletionTime)
	end := t.BufferOffset + t.BufferLength
	var n int
	var err error
	direction := "recv"
	if t.Action == task.ActionSend {
		direction = "send"
		n, err = conn.Write(t.Buffer[t.BufferOffset:end])
	} else {
		n, err = conn.Read(t.Buffer[t.BufferOffset:end])
	}
	stop()
	rq.end(t.Action)

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
			log.Error("rio driver: io counter invariant violated", logging.Err(derr))
		} else if v == 0 {
			sock.Complete(sticky.Err())
		}
	}

	return verdict != task.ContinueIo
}
