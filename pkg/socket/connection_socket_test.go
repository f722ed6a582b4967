package socket

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeHandle is a minimal Handle for tests that never touch real sockets.
type fakeHandle struct {
	local, remote net.Addr
	closed        atomic.Bool
}

func (h *fakeHandle) Close() error               { h.closed.Store(true); return nil }
func (h *fakeHandle) LocalAddr() net.Addr        { return h.local }
func (h *fakeHandle) RemoteAddr() net.Addr       { return h.remote }

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		local:  &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234},
		remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5678},
	}
}

// TestProperty3_IOCounterNeverNegative checks §8 property 3: DecrementIO
// never lets the in-flight counter observably go below zero — an
// unbalanced decrement is reported as ErrIOCounterNegative instead.
func TestProperty3_IOCounterNeverNegative(t *testing.T) {
	s := New(nil, nil)

	if v, err := s.DecrementIO(); err == nil {
		t.Fatalf("DecrementIO on a fresh socket returned v=%d, err=nil; want ErrIOCounterNegative", v)
	} else if !errors.Is(err, ErrIOCounterNegative) {
		t.Fatalf("DecrementIO error = %v, want ErrIOCounterNegative", err)
	}

	s.IncrementIO()
	s.IncrementIO()
	if v, err := s.DecrementIO(); err != nil || v != 1 {
		t.Fatalf("DecrementIO after two increments = (%d, %v), want (1, nil)", v, err)
	}
	if v, err := s.DecrementIO(); err != nil || v != 0 {
		t.Fatalf("DecrementIO after draining = (%d, %v), want (0, nil)", v, err)
	}
	if v, err := s.DecrementIO(); err == nil {
		t.Fatalf("DecrementIO past zero returned v=%d, err=nil; want ErrIOCounterNegative", v)
	}
}

// TestIOCounterConcurrentIncrementDecrement drives many concurrent
// increment/decrement pairs and checks the counter settles at exactly zero
// with no spurious negative reports.
func TestIOCounterConcurrentIncrementDecrement(t *testing.T) {
	s := New(nil, nil)

	const workers = 50
	var wg sync.WaitGroup
	var negatives atomic.Int32
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			s.IncrementIO()
			if _, err := s.DecrementIO(); err != nil {
				negatives.Add(1)
			}
		}()
	}
	wg.Wait()

	if negatives.Load() != 0 {
		t.Fatalf("%d of %d balanced increment/decrement pairs reported a negative counter", negatives.Load(), workers)
	}
	if got := s.IOCount(); got != 0 {
		t.Fatalf("IOCount after balanced pairs = %d, want 0", got)
	}
}

// TestCompleteInvokesRegisteredFunc checks the SetCompleteFunc/Complete
// wiring a driver relies on to signal the owning SocketState.
func TestCompleteInvokesRegisteredFunc(t *testing.T) {
	s := New(nil, nil)

	var got error
	calls := 0
	s.SetCompleteFunc(func(err error) {
		calls++
		got = err
	})

	wantErr := errors.New("boom")
	s.Complete(wantErr)

	if calls != 1 {
		t.Fatalf("complete func called %d times, want 1", calls)
	}
	if !errors.Is(got, wantErr) {
		t.Fatalf("complete func received %v, want %v", got, wantErr)
	}
}

// TestCompleteBeforeSetCompleteFuncIsANoop covers a driver racing Complete
// against SocketState construction; Complete must not panic without a
// registered func.
func TestCompleteBeforeSetCompleteFuncIsANoop(t *testing.T) {
	s := New(nil, nil)
	s.Complete(nil) // must not panic
}

// TestSetHandleOnlyOnce checks §4.2's "assigns the OS handle exactly once."
func TestSetHandleOnlyOnce(t *testing.T) {
	s := New(nil, nil)
	h1, h2 := newFakeHandle(), newFakeHandle()

	if err := s.SetHandle(h1); err != nil {
		t.Fatalf("first SetHandle returned %v, want nil", err)
	}
	if err := s.SetHandle(h2); !errors.Is(err, ErrAlreadySet) {
		t.Fatalf("second SetHandle returned %v, want ErrAlreadySet", err)
	}

	g := s.AcquireLock()
	defer g.Release()
	if g.Handle != h1 {
		t.Fatal("handle observed under lock does not match the first SetHandle call")
	}
}

// TestCloseSocketIsIdempotent checks §4.2's "idempotent: a second call is a
// no-op returning nil."
func TestCloseSocketIsIdempotent(t *testing.T) {
	s := New(nil, nil)
	h := newFakeHandle()
	if err := s.SetHandle(h); err != nil {
		t.Fatalf("SetHandle: %v", err)
	}

	if err := s.CloseSocket(false); err != nil {
		t.Fatalf("first CloseSocket: %v", err)
	}
	if !h.closed.Load() {
		t.Fatal("handle was not closed")
	}
	if err := s.CloseSocket(false); err != nil {
		t.Fatalf("second CloseSocket returned %v, want nil", err)
	}
}
