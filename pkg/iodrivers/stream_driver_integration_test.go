package iodrivers

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/ctraffic/ctengine/pkg/pattern"
	"github.com/ctraffic/ctengine/pkg/socket"
	"github.com/ctraffic/ctengine/pkg/task"
)

// lineEchoPattern sends one line, reads it back, and completes — exercised
// over a real TCP loopback connection rather than a net.Pipe(), so the
// driver's Read/Write calls go through the actual kernel socket buffers.
type lineEchoPattern struct {
	pattern.Locker
	sent   bool
	reader *bufio.Reader
	recvd  chan string
}

func (p *lineEchoPattern) InitiateIo() task.Task {
	if !p.sent {
		p.sent = true
		return task.Task{Action: task.ActionSend, Buffer: []byte("ping\n"), BufferLength: 5, TrackIO: true}
	}
	buf := make([]byte, 64)
	return task.Task{Action: task.ActionRecv, Buffer: buf, BufferLength: len(buf), TrackIO: true}
}

func (p *lineEchoPattern) CompleteIo(t task.Task, n int, err error) task.Verdict {
	if err != nil {
		return task.FailedIo
	}
	if t.Action == task.ActionRecv {
		p.recvd <- string(t.Buffer[:n])
		return task.CompletedIo
	}
	return task.ContinueIo
}

func (p *lineEchoPattern) PrintStatistics(net.Addr, net.Addr) {}
func (p *lineEchoPattern) RIOBufferIDCount() int              { return 1 }
func (p *lineEchoPattern) LastPatternError() error            { return nil }

// TestStreamDriverOverRealTCPLoopback exercises NewOverlappedReadWrite over
// a real net.Listen/net.Dial loopback pair instead of a mocked transport,
// confirming the functor's conn-recovery-from-handle path works against an
// actual *net.TCPConn.
func TestStreamDriverOverRealTCPLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte(line))
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	sock := socket.New(nil, nil)
	if err := sock.SetHandle(clientConn); err != nil {
		t.Fatalf("SetHandle: %v", err)
	}

	patt := &lineEchoPattern{recvd: make(chan string, 1)}
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
	case <-time.After(3 * time.Second):
		t.Fatal("driver never completed over real TCP loopback")
	}

	select {
	case line := <-patt.recvd:
		if line != "ping\n" {
			t.Fatalf("echoed line = %q, want %q", line, "ping\n")
		}
	default:
		t.Fatal("pattern never recorded a received line")
	}

	<-serverDone
}
