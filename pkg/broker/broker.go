// Package broker implements the Broker (§4.4): a quota and throttle
// controller that spawns SocketStates, observes their transitions, and
// signals global completion once every connection has run its course.
package broker

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ctraffic/ctengine/internal/observability/logging"
	"github.com/ctraffic/ctengine/internal/observability/metrics"
	"github.com/ctraffic/ctengine/pkg/executor"
	"github.com/ctraffic/ctengine/pkg/settings"
	"github.com/ctraffic/ctengine/pkg/state"
)

// Config wires everything a Broker needs to spawn connections.
type Config struct {
	Settings       *settings.Settings
	Functors       state.Functors
	CompletionPort *executor.CompletionPort
	Metrics        *metrics.Metrics
	Logger         logging.Logger

	// Interrupt is an externally owned event; when it closes, Wait
	// returns true even if connections are still outstanding.
	Interrupt <-chan struct{}
}

// Broker owns the pool of live SocketStates and the quota counters that
// gate how many may be outstanding at once (§4.4 invariants).
type Broker struct {
	cfg Config
	log logging.Logger
	met *metrics.Metrics

	isServer        bool
	connectionLimit int
	throttleLimit   int

	mu             sync.Mutex
	pool           []*state.SocketState
	totalRemaining int
	pendingLimit   int
	pending        int
	active         int

	refillQueue *executor.SerialQueue

	doneCh   chan struct{}
	doneOnce sync.Once

	connErrors  atomic.Int32
	protoErrors atomic.Int32
	successes   atomic.Int32
}

// Infinity is the saturation sentinel used when Iterations == 0 means
// "run forever" (§4.4 "saturating at the sentinel infinity").
const Infinity = math.MaxInt32

// New derives initial quotas per §4.4's server-vs-client rule and
// constructs a Broker ready to Start.
func New(cfg Config) *Broker {
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger{}
	}
	met := cfg.Metrics
	if met == nil {
		met = metrics.Global
	}

	isServer := cfg.Functors.Accept != nil

	var totalRemaining, pendingLimit int
	if isServer {
		totalRemaining = cfg.Settings.ServerExitLimit
		pendingLimit = cfg.Settings.AcceptLimit
	} else {
		totalRemaining = saturatingMul(cfg.Settings.Iterations, cfg.Settings.ConnectionLimit)
		pendingLimit = cfg.Settings.ConnectionLimit
	}
	if pendingLimit > totalRemaining {
		pendingLimit = totalRemaining
	}

	b := &Broker{
		cfg:             cfg,
		log:             log,
		met:             met,
		isServer:        isServer,
		connectionLimit: cfg.Settings.ConnectionLimit,
		throttleLimit:   cfg.Settings.ConnectionThrottleLimit,
		totalRemaining:  totalRemaining,
		pendingLimit:    pendingLimit,
		refillQueue:     executor.NewSerialQueue(4, log),
		doneCh:          make(chan struct{}),
	}
	if b.throttleLimit <= 0 {
		b.throttleLimit = Infinity
	}

	b.met.TotalRemaining.Set(float64(totalRemaining))
	return b
}

func saturatingMul(iterations, connectionLimit int) int {
	if iterations <= 0 {
		return Infinity
	}
	product := int64(iterations) * int64(connectionLimit)
	if product > int64(Infinity) {
		return Infinity
	}
	return int(product)
}

// Start kicks off the first refill, which spawns SocketStates up to quota.
func (b *Broker) Start() {
	b.refillQueue.Submit(b.refill)
}

// NotifyInitiatingIo implements state.BrokerNotifier: the single atomic
// "a connection went active" point (§4.3, §4.4).
func (b *Broker) NotifyInitiatingIo(s *state.SocketState) {
	b.mu.Lock()
	b.pending--
	b.active++
	pending, active := b.pending, b.active
	b.mu.Unlock()

	b.met.Pending.Set(float64(pending))
	b.met.Active.Set(float64(active))

	b.refillQueue.SubmitCollapsing(b.refill)
}

// NotifyClosing implements state.BrokerNotifier.
func (b *Broker) NotifyClosing(s *state.SocketState, wasActive bool) {
	b.mu.Lock()
	if wasActive {
		b.active--
	} else {
		b.pending--
	}
	pending, active := b.pending, b.active
	b.mu.Unlock()

	b.met.Pending.Set(float64(pending))
	b.met.Active.Set(float64(active))

	outcome := "success"
	if err := s.LastError(); err != nil {
		if wasActive {
			b.protoErrors.Add(1)
			outcome = "protocol_error"
		} else {
			b.connErrors.Add(1)
			outcome = "connection_error"
		}
	} else {
		b.successes.Add(1)
	}
	b.met.ConnectionsClosed.WithLabelValues(outcome).Inc()

	b.refillQueue.SubmitCollapsing(b.refill)
}

// refill runs exclusively on the refill queue's single consumer goroutine.
func (b *Broker) refill() {
	b.mu.Lock()

	exiting := b.totalRemaining == 0 && b.pending == 0 && b.active == 0
	if exiting {
		b.pool = nil
		b.mu.Unlock()
		b.doneOnce.Do(func() { close(b.doneCh) })
		return
	}

	live := b.pool[:0]
	for _, s := range b.pool {
		select {
		case <-s.Done():
		default:
			live = append(live, s)
		}
	}
	b.pool = live

	for b.pending < b.pendingLimit && b.totalRemaining > 0 &&
		(b.isServer || (b.pending+b.active < b.connectionLimit && b.pending < b.throttleLimit)) {

		ns := state.New(b, b.cfg.Functors, b.cfg.CompletionPort, b.log)
		b.pool = append(b.pool, ns)
		b.pending++
		b.totalRemaining--
		b.met.ConnectionsStarted.Inc()
		ns.Start()
	}

	pending, active, remaining := b.pending, b.active, b.totalRemaining
	b.mu.Unlock()

	b.met.Pending.Set(float64(pending))
	b.met.Active.Set(float64(active))
	b.met.TotalRemaining.Set(float64(remaining))
}

// Wait blocks up to timeout on the union of done and the externally owned
// interrupt event; it returns true on either, false on timeout.
func (b *Broker) Wait(timeout time.Duration) bool {
	select {
	case <-b.doneCh:
		return true
	case <-b.cfg.Interrupt:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done returns the broker's completion channel.
func (b *Broker) Done() <-chan struct{} { return b.doneCh }

// Snapshot returns the current quota counters, for tests asserting §8's
// invariants.
type Snapshot struct {
	Pending        int
	Active         int
	TotalRemaining int
	PendingLimit   int
}

func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Pending:        b.pending,
		Active:         b.active,
		TotalRemaining: b.totalRemaining,
		PendingLimit:   b.pendingLimit,
	}
}

// ExitCode sums connection-errors plus protocol-errors, saturated to a
// 31-bit positive integer (§6, §C SUPPLEMENTED FEATURES).
func (b *Broker) ExitCode() int32 {
	sum := int64(b.connErrors.Load()) + int64(b.protoErrors.Load())
	if sum > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(sum)
}

// Counts returns the raw success/connection-error/protocol-error tallies
// used by TestableProperty 1's "sum equals iterations × connection_limit"
// assertion.
func (b *Broker) Counts() (successes, connErrors, protoErrors int32) {
	return b.successes.Load(), b.connErrors.Load(), b.protoErrors.Load()
}

// Stop cancels the refill queue, preventing any further SocketStates from
// being spawned. Already-running SocketStates are unaffected; this is for
// an embedding CLI's graceful-shutdown path (internal/shutdown), not part
// of the core state machine.
func (b *Broker) Stop() {
	b.refillQueue.Cancel()
}
