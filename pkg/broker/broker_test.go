package broker

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ctraffic/ctengine/internal/observability/metrics"
	"github.com/ctraffic/ctengine/pkg/pattern"
	"github.com/ctraffic/ctengine/pkg/settings"
	"github.com/ctraffic/ctengine/pkg/socket"
	"github.com/ctraffic/ctengine/pkg/state"
	"github.com/ctraffic/ctengine/pkg/task"
)

// noopPattern satisfies pattern.IoPattern without ever being driven; the
// fake functors in this file complete synchronously before any InitiateIo
// call would happen.
type noopPattern struct{ pattern.Locker }

func (noopPattern) InitiateIo() task.Task                        { return task.Task{Action: task.ActionNone} }
func (noopPattern) CompleteIo(task.Task, int, error) task.Verdict { return task.CompletedIo }
func (noopPattern) PrintStatistics(net.Addr, net.Addr)           {}
func (noopPattern) RIOBufferIDCount() int                        { return 0 }
func (noopPattern) LastPatternError() error                      { return nil }

func patternFactory(s *socket.ConnectionSocket) (pattern.IoPattern, error) {
	return noopPattern{}, nil
}

// immediateIo completes every SocketState's I/O step synchronously with a
// fixed error, the "mocked I/O layer that completes steps synchronously
// with a supplied error code" described by §8's scenarios.
func immediateIo(err error) func(*socket.ConnectionSocket) error {
	return func(s *socket.ConnectionSocket) error {
		s.Complete(err)
		return nil
	}
}

// gatedConnect blocks inside the Connect functor until release fires,
// holding each SocketState in Connecting — and so its Broker in "pending" —
// for as long as the test needs to observe the throttle gate. Blocking here
// rather than in Io matters: NotifyInitiatingIo (the pending->active
// transition) only fires once Connect returns, so this is the only functor
// whose concurrency reflects the throttle_limit gate in refill()'s spawn
// loop, as opposed to the separate connection_limit gate on pending+active.
type gatedConnect struct {
	concurrent    int32
	maxConcurrent int32
	release       chan struct{}
}

func newGatedConnect() *gatedConnect {
	return &gatedConnect{release: make(chan struct{})}
}

func (g *gatedConnect) functor(s *socket.ConnectionSocket) error {
	cur := atomic.AddInt32(&g.concurrent, 1)
	for {
		old := atomic.LoadInt32(&g.maxConcurrent)
		if cur <= old || atomic.CompareAndSwapInt32(&g.maxConcurrent, old, cur) {
			break
		}
	}
	<-g.release
	atomic.AddInt32(&g.concurrent, -1)
	return nil
}

// TestProperty1_BrokerQuota checks §8 property 1: pending+active never
// exceeds connection_limit, and the final success/connection-error/
// protocol-error tally equals iterations × connection_limit.
func TestProperty1_BrokerQuota(t *testing.T) {
	const iterations, connectionLimit, throttle = 3, 6, 2

	s := settings.New(
		settings.WithIterations(iterations),
		settings.WithConnectionLimit(connectionLimit),
		settings.WithConnectionThrottleLimit(throttle),
	)

	b := New(Config{
		Settings: s,
		Functors: state.Functors{
			PatternFactory: patternFactory,
			Io:             immediateIo(nil),
		},
		Interrupt: make(chan struct{}),
	})

	stop := make(chan struct{})
	violations := make(chan string, 16)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := b.Snapshot()
			if snap.Pending+snap.Active > connectionLimit {
				violations <- "pending+active exceeded connection_limit"
			}
			if snap.Pending > snap.PendingLimit {
				violations <- "pending exceeded pending_limit"
			}
			time.Sleep(time.Millisecond)
		}
	}()

	b.Start()
	if !b.Wait(2 * time.Second) {
		t.Fatal("broker did not finish in time")
	}
	close(stop)

	select {
	case v := <-violations:
		t.Fatalf("invariant violated: %s", v)
	default:
	}

	successes, connErrors, protoErrors := b.Counts()
	total := int(successes) + int(connErrors) + int(protoErrors)
	if total != iterations*connectionLimit {
		t.Fatalf("got %d completed connections, want %d", total, iterations*connectionLimit)
	}
}

// TestProperty2_ServerExitLimit checks §8 property 2: a server broker
// stops spawning once server_exit_limit connections have completed, even
// though an accept functor here would happily supply more forever.
func TestProperty2_ServerExitLimit(t *testing.T) {
	const acceptLimit, serverExitLimit = 2, 5

	s := settings.New(
		settings.WithAcceptLimit(acceptLimit),
		settings.WithServerExitLimit(serverExitLimit),
	)

	met := metrics.New("broker_test_exit_limit")
	b := New(Config{
		Settings: s,
		Functors: state.Functors{
			Accept:         func(*socket.ConnectionSocket) error { return nil },
			PatternFactory: patternFactory,
			Io:             immediateIo(nil),
		},
		Metrics:   met,
		Interrupt: make(chan struct{}),
	})

	b.Start()
	if !b.Wait(2 * time.Second) {
		t.Fatal("server broker did not finish in time")
	}

	started := testutil.ToFloat64(met.ConnectionsStarted)
	if int(started) != serverExitLimit {
		t.Fatalf("got %d connections started, want exactly server_exit_limit=%d", int(started), serverExitLimit)
	}

	successes, connErrors, protoErrors := b.Counts()
	if int(successes)+int(connErrors)+int(protoErrors) != serverExitLimit {
		t.Fatalf("completed connection count does not match server_exit_limit")
	}
}

// TestOneSuccessfulClientConnection is §8's named scenario: a single
// connection that succeeds immediately leaves pending+active at zero and
// resolves the broker's done event.
func TestOneSuccessfulClientConnection(t *testing.T) {
	s := settings.New(
		settings.WithIterations(1),
		settings.WithConnectionLimit(1),
		settings.WithConnectionThrottleLimit(1),
	)

	b := New(Config{
		Settings: s,
		Functors: state.Functors{
			PatternFactory: patternFactory,
			Io:             immediateIo(nil),
		},
		Interrupt: make(chan struct{}),
	})

	b.Start()
	if !b.Wait(250 * time.Millisecond) {
		t.Fatal("Wait(250ms) did not return true")
	}

	snap := b.Snapshot()
	if snap.Pending+snap.Active != 0 {
		t.Fatalf("pending+active = %d, want 0", snap.Pending+snap.Active)
	}
	successes, connErrors, protoErrors := b.Counts()
	if successes != 1 || connErrors != 0 || protoErrors != 0 {
		t.Fatalf("got successes=%d connErrors=%d protoErrors=%d, want 1/0/0", successes, connErrors, protoErrors)
	}
}

// TestManyWithThrottle is §8's named scenario: connection_limit=15,
// throttle=5 — at most 5 SocketStates are ever concurrently in Connecting,
// and all 15 eventually complete.
func TestManyWithThrottle(t *testing.T) {
	const connectionLimit, throttle = 15, 5

	s := settings.New(
		settings.WithIterations(1),
		settings.WithConnectionLimit(connectionLimit),
		settings.WithConnectionThrottleLimit(throttle),
	)

	g := newGatedConnect()
	b := New(Config{
		Settings: s,
		Functors: state.Functors{
			Connect:        g.functor,
			PatternFactory: patternFactory,
			Io:             immediateIo(nil),
		},
		Interrupt: make(chan struct{}),
	})

	b.Start()

	// Let the broker saturate its throttle before releasing any connect.
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&g.concurrent) < throttle && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt32(&g.concurrent); got != throttle {
		t.Fatalf("concurrent pending (Connecting) sockets = %d, want exactly throttle=%d", got, throttle)
	}

	close(g.release)
	if !b.Wait(2 * time.Second) {
		t.Fatal("broker did not finish in time")
	}

	if max := atomic.LoadInt32(&g.maxConcurrent); max > throttle {
		t.Fatalf("observed %d concurrent pending sockets, want <= throttle=%d", max, throttle)
	}

	successes, connErrors, protoErrors := b.Counts()
	total := int(successes) + int(connErrors) + int(protoErrors)
	if total != connectionLimit {
		t.Fatalf("got %d completed connections, want connection_limit=%d", total, connectionLimit)
	}
}

// TestClientFailsConnect is §8's named scenario: a connect failure drives
// the socket straight to Closed and still resolves the broker's done event.
func TestClientFailsConnect(t *testing.T) {
	errConnRefused := &connError{"connection refused"}

	s := settings.New(
		settings.WithIterations(1),
		settings.WithConnectionLimit(1),
	)

	b := New(Config{
		Settings: s,
		Functors: state.Functors{
			Connect:        func(*socket.ConnectionSocket) error { return errConnRefused },
			PatternFactory: patternFactory,
			Io:             immediateIo(nil),
		},
		Interrupt: make(chan struct{}),
	})

	b.Start()
	if !b.Wait(250 * time.Millisecond) {
		t.Fatal("broker done-event did not fire")
	}

	successes, connErrors, protoErrors := b.Counts()
	if connErrors != 1 || successes != 0 || protoErrors != 0 {
		t.Fatalf("got successes=%d connErrors=%d protoErrors=%d, want 0/1/0", successes, connErrors, protoErrors)
	}
}

type connError struct{ msg string }

func (e *connError) Error() string { return e.msg }
