package iodrivers

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ctraffic/ctengine/pkg/mediastream"
	"github.com/ctraffic/ctengine/pkg/pattern"
	"github.com/ctraffic/ctengine/pkg/socket"
	"github.com/ctraffic/ctengine/pkg/task"
)

// pacedScriptPattern hands out count fixed-size sends spaced interval apart,
// then completes — the shape of §8's PacedSend scenario.
type pacedScriptPattern struct {
	pattern.Locker
	remaining int
	interval  time.Duration
	payload   []byte
}

func (p *pacedScriptPattern) InitiateIo() task.Task {
	if p.remaining <= 0 {
		return task.Task{Action: task.ActionNone}
	}
	p.remaining--
	return task.Task{Action: task.ActionSend, Buffer: p.payload, BufferLength: len(p.payload), TimeOffset: p.interval, TrackIO: true}
}

func (p *pacedScriptPattern) CompleteIo(t task.Task, n int, err error) task.Verdict {
	if err != nil {
		return task.FailedIo
	}
	if p.remaining <= 0 {
		return task.CompletedIo
	}
	return task.ContinueIo
}

func (p *pacedScriptPattern) PrintStatistics(net.Addr, net.Addr) {}
func (p *pacedScriptPattern) RIOBufferIDCount() int              { return 1 }
func (p *pacedScriptPattern) LastPatternError() error            { return nil }

// newTestSlot binds a *mediastream.ConnectedSlot through the server's public
// Accept/HandleDatagram surface (mirroring real wiring) and returns it along
// with the frames its SendFunc captured, in arrival order, guarded by a
// mutex for the test goroutine to read after waiting on completion.
func newTestSlot(t *testing.T) (*mediastream.Server, *mediastream.ConnectedSlot, func() [][]byte) {
	t.Helper()
	srv := mediastream.NewServer(nil, nil)

	var mu sync.Mutex
	var sent [][]byte
	sendFn := mediastream.SendFunc(func(remote net.Addr, payload []byte) error {
		mu.Lock()
		cp := append([]byte(nil), payload...)
		sent = append(sent, cp)
		mu.Unlock()
		return nil
	})

	acceptCh := srv.Accept()
	remote := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
	if err := srv.HandleDatagram(nil, remote, mediastream.EncodeStart(), sendFn); err != nil {
		t.Fatalf("HandleDatagram(START): %v", err)
	}

	var slot *mediastream.ConnectedSlot
	select {
	case slot = <-acceptCh:
	case <-time.After(time.Second):
		t.Fatal("accept never matched the START handshake")
	}

	return srv, slot, func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		return append([][]byte(nil), sent...)
	}
}

// TestPacedSend is §8's named scenario: 10 tasks at 100ms offset each
// complete within roughly 1050ms of start (20% tolerance on that 1050ms, so
// at most 1260ms), and the sequence numbers received are strictly increasing
// 1..10.
func TestPacedSend(t *testing.T) {
	_, slot, sentFrames := newTestSlot(t)

	patt := &pacedScriptPattern{remaining: 10, interval: 100 * time.Millisecond, payload: []byte("frame-payload")}

	sock := socket.New(nil, nil)
	sock.SetPattern(patt)

	done := make(chan error, 1)
	sock.SetCompleteFunc(func(err error) { done <- err })

	sender := NewPacedSender(slot, nil, 1200, nil, nil)
	start := time.Now()
	if err := sender.Io(sock); err != nil {
		t.Fatalf("Io returned %v, want nil", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Complete called with %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("paced sender never completed")
	}
	elapsed := time.Since(start)

	wantMax := time.Duration(float64(1050*time.Millisecond) * 1.2)
	if elapsed > wantMax {
		t.Fatalf("paced send took %v, want <= %v (10 x 100ms pacing plus slack)", elapsed, wantMax)
	}

	sent := sentFrames()
	if len(sent) != 11 {
		t.Fatalf("got %d datagrams sent, want 11 (1 connection-id + 10 data frames)", len(sent))
	}

	connID, frames := sent[0], sent[1:]
	if len(connID) != 16 {
		t.Fatalf("first datagram has length %d, want 16 (connection-id payload)", len(connID))
	}

	for i, f := range frames {
		hdr, _, err := mediastream.DecodeDataFrame(f)
		if err != nil {
			t.Fatalf("DecodeDataFrame(frame %d): %v", i, err)
		}
		if hdr.SequenceNumber != int64(i+1) {
			t.Fatalf("frame %d has sequence %d, want %d (strictly increasing from 1)", i, hdr.SequenceNumber, i+1)
		}
	}
}
