// Package executor implements the AsyncExecutor (§4.1): a completion-queue
// abstraction plus single-producer/single-consumer serialized worker queues,
// the leaf dependency every other component in this module builds on.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ctraffic/ctengine/internal/observability/logging"
)

// ErrCanceled is the verdict delivered to any waiter on a work item that was
// still pending when Cancel drained the queue.
var ErrCanceled = errors.New("executor: work item canceled")

// CompletionFunc is invoked when an associated handle's asynchronous
// operation finishes, with the number of bytes moved and any error.
type CompletionFunc func(bytes int, err error)

// CompletionPort associates opaque handle IDs with a completion callback,
// the Go analogue of an IOCP: posting a completion for a handle ID invokes
// whatever callback that handle last registered, on a pool of goroutines
// standing in for the OS-provided completion thread pool.
type CompletionPort struct {
	log logging.Logger

	mu        sync.RWMutex
	callbacks map[uint64]CompletionFunc

	work chan completionJob
	wg   sync.WaitGroup
}

type completionJob struct {
	handleID uint64
	bytes    int
	err      error
}

// NewCompletionPort starts a CompletionPort backed by workers parallel
// completion-handler goroutines, mirroring the OS-provided thread pool the
// spec describes for completion dispatch (§5 Scheduling model).
func NewCompletionPort(workers int, log logging.Logger) *CompletionPort {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = logging.NopLogger{}
	}

	cp := &CompletionPort{
		log:       log,
		callbacks: make(map[uint64]CompletionFunc),
		work:      make(chan completionJob, 256),
	}

	for i := 0; i < workers; i++ {
		cp.wg.Add(1)
		go cp.worker()
	}

	return cp
}

func (cp *CompletionPort) worker() {
	defer cp.wg.Done()
	for job := range cp.work {
		cp.mu.RLock()
		fn := cp.callbacks[job.handleID]
		cp.mu.RUnlock()
		if fn == nil {
			cp.log.Warn("completion for unassociated handle", logging.Any("handle_id", job.handleID))
			continue
		}
		fn(job.bytes, job.err)
	}
}

// Associate registers fn as the callback invoked for future completions on
// handleID. Associating the same handle twice replaces the callback.
// ConnectionSocket.AssociateCompletionPort calls this at most once per
// socket, on its first call.
func (cp *CompletionPort) Associate(handleID uint64, fn CompletionFunc) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.callbacks[handleID] = fn
}

// Disassociate removes handleID's callback; later Post calls for it are
// dropped with a warning instead of panicking, since cancellation races
// with in-flight completions are expected.
func (cp *CompletionPort) Disassociate(handleID uint64) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	delete(cp.callbacks, handleID)
}

// Post enqueues a completion for handleID. Safe to call from any goroutine.
func (cp *CompletionPort) Post(handleID uint64, bytes int, err error) {
	cp.work <- completionJob{handleID: handleID, bytes: bytes, err: err}
}

// Shutdown stops accepting new completions and waits for queued ones to
// drain.
func (cp *CompletionPort) Shutdown() {
	close(cp.work)
	cp.wg.Wait()
}

// SerialQueue serializes submitted work items onto one dedicated consumer
// goroutine — the per-SocketState worker queue and the Broker's flat refill
// queue are both built on this.
type SerialQueue struct {
	log logging.Logger

	items  chan queueItem
	cancel chan struct{}
	closed atomic.Bool
	done   chan struct{}
}

type queueItem struct {
	fn     func()
	waitCh chan error // non-nil if the submitter wants a cancellation signal
}

// NewSerialQueue starts a SerialQueue with the given backlog capacity.
func NewSerialQueue(capacity int, log logging.Logger) *SerialQueue {
	if capacity <= 0 {
		capacity = 64
	}
	if log == nil {
		log = logging.NopLogger{}
	}

	q := &SerialQueue{
		log:    log,
		items:  make(chan queueItem, capacity),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go q.run()
	return q
}

func (q *SerialQueue) run() {
	defer close(q.done)
	for {
		select {
		case item, ok := <-q.items:
			if !ok {
				return
			}
			item.fn()
			if item.waitCh != nil {
				close(item.waitCh)
			}
		case <-q.cancel:
			q.drain()
			return
		}
	}
}

func (q *SerialQueue) drain() {
	for {
		select {
		case item := <-q.items:
			if item.waitCh != nil {
				item.waitCh <- ErrCanceled
				close(item.waitCh)
			}
		default:
			return
		}
	}
}

// Submit enqueues fn for execution on the consumer goroutine. Returns false
// if the queue has already been canceled.
func (q *SerialQueue) Submit(fn func()) bool {
	if q.closed.Load() {
		return false
	}
	select {
	case q.items <- queueItem{fn: fn}:
		return true
	case <-q.cancel:
		return false
	}
}

// SubmitCollapsing enqueues fn, or drops it if the queue's backlog is
// already full — the Broker's refill function relies on this to avoid
// piling up redundant refill requests behind a slow consumer (§4.4). The
// queue's capacity (set in NewSerialQueue) bounds how many collapsed
// submissions can be buffered before new ones start dropping; it isn't a
// strict one-pending-refill guarantee.
func (q *SerialQueue) SubmitCollapsing(fn func()) {
	if q.closed.Load() {
		return
	}
	select {
	case q.items <- queueItem{fn: fn}:
	default:
		// Backlog is full; this submission collapses onto whatever's queued.
	}
}

// SubmitWait enqueues fn and blocks until it runs or the queue is canceled,
// returning ErrCanceled in the latter case.
func (q *SerialQueue) SubmitWait(ctx context.Context, fn func()) error {
	waitCh := make(chan error, 1)
	select {
	case q.items <- queueItem{fn: fn, waitCh: waitCh}:
	case <-q.cancel:
		return ErrCanceled
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel drains any unstarted work items (delivering ErrCanceled to their
// waiters) and waits for a running item to finish before returning.
func (q *SerialQueue) Cancel() {
	if !q.closed.CompareAndSwap(false, true) {
		<-q.done
		return
	}
	close(q.cancel)
	<-q.done
}
