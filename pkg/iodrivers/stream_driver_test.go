package iodrivers

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ctraffic/ctengine/pkg/pattern"
	"github.com/ctraffic/ctengine/pkg/socket"
	"github.com/ctraffic/ctengine/pkg/task"
)

// scriptedStep is one entry in a scriptedPattern's plan.
type scriptedStep struct {
	action task.Task
	verdict func(n int, err error) task.Verdict
}

// scriptedPattern replays a fixed sequence of tasks, recording the order
// CompleteIo observes completions in — the basis for §8 property 4
// (pattern-to-socket ordering).
type scriptedPattern struct {
	pattern.Locker
	steps     []scriptedStep
	next      int
	observed  []int
	lastErr   error
}

func (p *scriptedPattern) InitiateIo() task.Task {
	if p.next >= len(p.steps) {
		return task.Task{Action: task.ActionNone}
	}
	return p.steps[p.next].action
}

func (p *scriptedPattern) CompleteIo(t task.Task, n int, err error) task.Verdict {
	i := p.next
	p.next++
	p.observed = append(p.observed, i)
	v := p.steps[i].verdict(n, err)
	if v == task.FailedIo && p.lastErr == nil {
		if err != nil {
			p.lastErr = err
		} else {
			p.lastErr = errors.New("scripted failure")
		}
	}
	return v
}

func (p *scriptedPattern) PrintStatistics(net.Addr, net.Addr) {}
func (p *scriptedPattern) RIOBufferIDCount() int              { return 1 }
func (p *scriptedPattern) LastPatternError() error            { return p.lastErr }

func sinkReader(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
}

func newPipeSocket(t *testing.T) (*socket.ConnectionSocket, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	sock := socket.New(nil, nil)
	if err := sock.SetHandle(client); err != nil {
		t.Fatalf("SetHandle: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	return sock, server
}

// TestProperty4_PatternToSocketOrdering checks §8 property 4: for a
// fixed socket, tasks produced in order by the pattern result in OS calls
// issued in the same order by the driver.
func TestProperty4_PatternToSocketOrdering(t *testing.T) {
	sock, server := newPipeSocket(t)
	sinkReader(t, server)

	patt := &scriptedPattern{steps: []scriptedStep{
		{action: task.Task{Action: task.ActionSend, Buffer: []byte("one"), BufferLength: 3, TrackIO: true},
			verdict: func(int, error) task.Verdict { return task.ContinueIo }},
		{action: task.Task{Action: task.ActionSend, Buffer: []byte("two"), BufferLength: 3, TrackIO: true},
			verdict: func(int, error) task.Verdict { return task.ContinueIo }},
		{action: task.Task{Action: task.ActionSend, Buffer: []byte("three"), BufferLength: 5, TrackIO: true},
			verdict: func(int, error) task.Verdict { return task.CompletedIo }},
	}}
	sock.SetPattern(patt)

	done := make(chan error, 1)
	sock.SetCompleteFunc(func(err error) { done <- err })

	functor := NewOverlappedReadWrite(nil, nil, nil)
	if err := functor(sock); err != nil {
		t.Fatalf("functor returned %v, want nil", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Complete called with %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("driver never completed")
	}

	want := []int{0, 1, 2}
	if len(patt.observed) != len(want) {
		t.Fatalf("observed %v completions, want %d", patt.observed, len(want))
	}
	for i, v := range want {
		if patt.observed[i] != v {
			t.Fatalf("completion order = %v, want %v", patt.observed, want)
		}
	}
}

// TestSingleIoFailsImmediately is §8's named scenario: CompleteIo returns
// FailedIo on the first call, the pattern's sticky error is surfaced to
// Complete, and no second task is ever initiated.
func TestSingleIoFailsImmediately(t *testing.T) {
	sock, server := newPipeSocket(t)
	sinkReader(t, server)

	wantErr := errors.New("protocol desync")
	patt := &scriptedPattern{steps: []scriptedStep{
		{action: task.Task{Action: task.ActionSend, Buffer: []byte("x"), BufferLength: 1, TrackIO: true},
			verdict: func(int, error) task.Verdict { return task.FailedIo }},
	}}
	patt.lastErr = wantErr // LastPatternError is consulted even before CompleteIo assigns it again
	sock.SetPattern(patt)

	done := make(chan error, 1)
	sock.SetCompleteFunc(func(err error) { done <- err })

	functor := NewOverlappedReadWrite(nil, nil, nil)
	if err := functor(sock); err != nil {
		t.Fatalf("functor returned %v, want nil", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, wantErr) {
			t.Fatalf("Complete called with %v, want %v", err, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("driver never completed")
	}

	if len(patt.observed) != 1 {
		t.Fatalf("observed %d completions, want exactly 1 (no second task initiated)", len(patt.observed))
	}
}

// TestFailAfterN is §8's named scenario: CompleteIo returns ContinueIo for
// the first four calls and FailedIo on the fifth; exactly five completions
// are observed and failure fires after the fifth.
func TestFailAfterN(t *testing.T) {
	sock, server := newPipeSocket(t)
	sinkReader(t, server)

	const n = 5
	wantErr := errors.New("failed on step 5")
	steps := make([]scriptedStep, n)
	for i := 0; i < n; i++ {
		i := i
		steps[i] = scriptedStep{
			action: task.Task{Action: task.ActionSend, Buffer: []byte{byte('a' + i)}, BufferLength: 1, TrackIO: true},
			verdict: func(int, error) task.Verdict {
				if i == n-1 {
					return task.FailedIo
				}
				return task.ContinueIo
			},
		}
	}
	patt := &scriptedPattern{steps: steps, lastErr: wantErr}
	sock.SetPattern(patt)

	done := make(chan error, 1)
	sock.SetCompleteFunc(func(err error) { done <- err })

	functor := NewOverlappedReadWrite(nil, nil, nil)
	if err := functor(sock); err != nil {
		t.Fatalf("functor returned %v, want nil", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, wantErr) {
			t.Fatalf("Complete called with %v, want %v", err, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("driver never completed")
	}

	if len(patt.observed) != n {
		t.Fatalf("observed %d completions, want exactly %d", len(patt.observed), n)
	}
}

// TestNoHandleAttached checks the Io functor's own precondition: it must
// fail fast, never panic, when called before Create/Connect/Accept has set
// a net.Conn handle.
func TestNoHandleAttached(t *testing.T) {
	sock := socket.New(nil, nil)
	functor := NewOverlappedReadWrite(nil, nil, nil)
	if err := functor(sock); !errors.Is(err, errNoHandle) {
		t.Fatalf("functor returned %v, want errNoHandle", err)
	}
}
