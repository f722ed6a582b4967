// Command ctengine-demo wires every module this engine exports into two
// small, self-contained runs — a TCP client/server exchange over the
// Broker/SocketState/overlapped-stream path, and a UDP MediaStreamServer
// handshake over the paced-sender path — so the engine can be exercised
// end to end without an application protocol of its own. Flag parsing and
// a real workload generator are the embedding CLI's job (§1 Non-goals);
// this binary hardcodes one scenario of each kind purely to prove the
// wiring.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/ctraffic/ctengine/internal/observability/logging"
	"github.com/ctraffic/ctengine/internal/observability/metrics"
	"github.com/ctraffic/ctengine/internal/shutdown"
	"github.com/ctraffic/ctengine/pkg/broker"
	"github.com/ctraffic/ctengine/pkg/executor"
	"github.com/ctraffic/ctengine/pkg/iodrivers"
	"github.com/ctraffic/ctengine/pkg/mediastream"
	"github.com/ctraffic/ctengine/pkg/pattern"
	"github.com/ctraffic/ctengine/pkg/settings"
	"github.com/ctraffic/ctengine/pkg/socket"
	"github.com/ctraffic/ctengine/pkg/state"
	"github.com/ctraffic/ctengine/pkg/task"
)

func main() {
	log := logging.NewSlogLogger()
	met := metrics.New("ctengine_demo")
	cp := executor.NewCompletionPort(4, log)

	sh := shutdown.NewHandler(shutdown.DefaultConfig())
	sh.RegisterFunc("completion-port", shutdown.PriorityAsyncExecutor, func(ctx context.Context) error {
		cp.Shutdown()
		return nil
	})

	if err := runStreamDemo(cp, met, log, sh); err != nil {
		log.Error("stream demo failed", logging.Err(err))
	}
	if err := runMediaStreamDemo(cp, met, log, sh); err != nil {
		log.Error("media-stream demo failed", logging.Err(err))
	}

	if err := sh.Shutdown(); err != nil {
		log.Error("shutdown reported errors", logging.Err(err))
		os.Exit(1)
	}
}

// runStreamDemo runs one TCP client against one TCP server through
// Broker/SocketState/the overlapped stream driver (§4.1-§4.5).
func runStreamDemo(cp *executor.CompletionPort, met *metrics.Metrics, log logging.Logger, sh *shutdown.Handler) error {
	ctx := context.Background()

	ln, err := iodrivers.NewListener(ctx, "tcp", "127.0.0.1:0", log)
	if err != nil {
		return fmt.Errorf("stream demo: listen: %w", err)
	}
	addr := ln.Addr().String()

	serverSettings := settings.New(
		settings.WithAcceptLimit(1),
		settings.WithServerExitLimit(1),
	)
	serverBroker := broker.New(broker.Config{
		Settings: serverSettings,
		Functors: state.Functors{
			Accept: func(s *socket.ConnectionSocket) error {
				return iodrivers.NewBlockingAccept(ln, func(c net.Conn) {
					_ = s.SetHandle(c)
				})()
			},
			PatternFactory: func(s *socket.ConnectionSocket) (pattern.IoPattern, error) {
				return newServerEchoPattern(), nil
			},
			Io: iodrivers.NewOverlappedReadWrite(cp, met, log),
			Closing: func(s *socket.ConnectionSocket) error {
				log.Info("stream demo: server connection closed", logging.String("remote", addrString(s.RemoteAddr())))
				return nil
			},
		},
		CompletionPort: cp,
		Metrics:        met,
		Logger:         log.With(logging.String("role", "server")),
		Interrupt:      sh.Done(),
	})

	clientSettings := settings.New(
		settings.WithIterations(1),
		settings.WithConnectionLimit(1),
	)
	clientBroker := broker.New(broker.Config{
		Settings: clientSettings,
		Functors: state.Functors{
			Connect: func(s *socket.ConnectionSocket) error {
				return iodrivers.NewBlockingConnect(ctx, "tcp", addr, nil, log, func(c net.Conn) {
					_ = s.SetHandle(c)
				})()
			},
			PatternFactory: func(s *socket.ConnectionSocket) (pattern.IoPattern, error) {
				return newClientEchoPattern([]byte("ctengine demo payload"), 5), nil
			},
			Io: iodrivers.NewOverlappedReadWrite(cp, met, log),
			Closing: func(s *socket.ConnectionSocket) error {
				log.Info("stream demo: client connection closed", logging.String("remote", addrString(s.RemoteAddr())))
				return nil
			},
		},
		CompletionPort: cp,
		Metrics:        met,
		Logger:         log.With(logging.String("role", "client")),
		Interrupt:      sh.Done(),
	})

	sh.RegisterFunc("stream-server-broker", shutdown.PriorityBroker, func(ctx context.Context) error {
		serverBroker.Stop()
		return nil
	})
	sh.RegisterFunc("stream-client-broker", shutdown.PriorityBroker, func(ctx context.Context) error {
		clientBroker.Stop()
		return nil
	})
	sh.RegisterFunc("stream-listener", shutdown.PriorityMediaStream, func(ctx context.Context) error {
		return ln.Close()
	})

	serverBroker.Start()
	clientBroker.Start()

	if !clientBroker.Wait(10 * time.Second) {
		return errors.New("stream demo: client broker did not finish in time")
	}
	if !serverBroker.Wait(10 * time.Second) {
		return errors.New("stream demo: server broker did not finish in time")
	}

	successes, connErrors, protoErrors := clientBroker.Counts()
	log.Info("stream demo complete",
		logging.Int32("client_successes", successes),
		logging.Int32("client_connection_errors", connErrors),
		logging.Int32("client_protocol_errors", protoErrors),
		logging.Int32("exit_code", clientBroker.ExitCode()+serverBroker.ExitCode()),
	)
	return nil
}

// runMediaStreamDemo runs one UDP client handshake against a
// MediaStreamServer, driving a paced send of a few frames back to the
// client (§4.6, §4.5's paced driver).
func runMediaStreamDemo(cp *executor.CompletionPort, met *metrics.Metrics, log logging.Logger, sh *shutdown.Handler) error {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		return fmt.Errorf("media-stream demo: listen: %w", err)
	}
	localAddr := serverConn.LocalAddr()

	msServer := mediastream.NewServer(met, log.With(logging.String("component", "mediastream")))
	msListener := mediastream.NewListener(serverConn, msServer, log)

	go func() {
		if err := msListener.Serve(); err != nil {
			log.Debug("media-stream demo: listener stopped", logging.Err(err))
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(64*1024), 4*1024)
	serverSettings := settings.New(
		settings.WithAcceptLimit(1),
		settings.WithServerExitLimit(1),
	)
	msBroker := broker.New(broker.Config{
		Settings: serverSettings,
		Functors: state.Functors{
			Accept: msServer.AcceptFunctor(localAddr),
			PatternFactory: func(s *socket.ConnectionSocket) (pattern.IoPattern, error) {
				return newPacedDemoPattern([]byte("ctengine media-stream frame"), 3, 50*time.Millisecond), nil
			},
			Io:      iodrivers.NewPacedIoFunctor(limiter, 1200, met, log),
			Closing: msServer.ClosingFunctor(),
		},
		CompletionPort: cp,
		Metrics:        met,
		Logger:         log.With(logging.String("role", "mediastream-server")),
		Interrupt:      sh.Done(),
	})

	sh.RegisterFunc("mediastream-broker", shutdown.PriorityBroker, func(ctx context.Context) error {
		msBroker.Stop()
		return nil
	})
	sh.RegisterFunc("mediastream-listener", shutdown.PriorityMediaStream, func(ctx context.Context) error {
		return msListener.Close()
	})

	msBroker.Start()

	clientConn, err := net.DialUDP("udp", nil, localAddr.(*net.UDPAddr))
	if err != nil {
		return fmt.Errorf("media-stream demo: dial: %w", err)
	}
	sh.RegisterFunc("mediastream-client", shutdown.PriorityMediaStream, func(ctx context.Context) error {
		return clientConn.Close()
	})

	if _, err := clientConn.Write(mediastream.EncodeStart()); err != nil {
		return fmt.Errorf("media-stream demo: send start: %w", err)
	}

	received := 0
	readDeadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 2048)
	for {
		_ = clientConn.SetReadDeadline(readDeadline)
		n, err := clientConn.Read(buf)
		if err != nil {
			break
		}
		if _, payload, derr := mediastream.DecodeDataFrame(buf[:n]); derr == nil {
			received++
			log.Info("media-stream demo: client received frame", logging.Int("bytes", len(payload)))
		}
	}

	if !msBroker.Wait(3 * time.Second) {
		log.Warn("media-stream demo: server broker did not finish in time")
	}
	log.Info("media-stream demo complete", logging.Int("frames_received", received))
	return nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// clientEchoPattern sends a fixed message a set number of times, then
// requests a graceful shutdown.
type clientEchoPattern struct {
	pattern.Locker
	message   []byte
	remaining int
	sticky    pattern.StickyError
}

func newClientEchoPattern(message []byte, count int) *clientEchoPattern {
	return &clientEchoPattern{message: message, remaining: count}
}

func (p *clientEchoPattern) InitiateIo() task.Task {
	if p.remaining <= 0 {
		return task.Task{Action: task.ActionGracefulShutdown}
	}
	p.remaining--
	return task.Task{Action: task.ActionSend, Buffer: p.message, BufferLength: len(p.message), TrackIO: true}
}

func (p *clientEchoPattern) CompleteIo(t task.Task, n int, err error) task.Verdict {
	if err != nil {
		p.sticky.Record(err)
		return task.FailedIo
	}
	if t.Action == task.ActionGracefulShutdown {
		return task.CompletedIo
	}
	return task.ContinueIo
}

func (p *clientEchoPattern) PrintStatistics(local, remote net.Addr) {}
func (p *clientEchoPattern) RIOBufferIDCount() int                  { return 1 }
func (p *clientEchoPattern) LastPatternError() error                { return p.sticky.Err() }

// serverEchoPattern reads until the peer closes, treating EOF as a clean
// completion rather than a protocol error.
type serverEchoPattern struct {
	pattern.Locker
	buf    []byte
	done   bool
	sticky pattern.StickyError
}

func newServerEchoPattern() *serverEchoPattern {
	return &serverEchoPattern{buf: make([]byte, 4096)}
}

func (p *serverEchoPattern) InitiateIo() task.Task {
	if p.done {
		return task.Task{Action: task.ActionNone}
	}
	return task.Task{Action: task.ActionRecv, Buffer: p.buf, BufferLength: len(p.buf), TrackIO: true}
}

func (p *serverEchoPattern) CompleteIo(t task.Task, n int, err error) task.Verdict {
	if errors.Is(err, io.EOF) {
		p.done = true
		return task.CompletedIo
	}
	if err != nil {
		p.sticky.Record(err)
		p.done = true
		return task.FailedIo
	}
	if n == 0 {
		p.done = true
		return task.CompletedIo
	}
	return task.ContinueIo
}

func (p *serverEchoPattern) PrintStatistics(local, remote net.Addr) {}
func (p *serverEchoPattern) RIOBufferIDCount() int                  { return 1 }
func (p *serverEchoPattern) LastPatternError() error                { return p.sticky.Err() }

// pacedDemoPattern sends a handful of fixed frames at a fixed interval
// through the paced UDP driver, then completes.
type pacedDemoPattern struct {
	pattern.Locker
	payload   []byte
	remaining int
	interval  time.Duration
	sticky    pattern.StickyError
}

func newPacedDemoPattern(payload []byte, count int, interval time.Duration) *pacedDemoPattern {
	return &pacedDemoPattern{payload: payload, remaining: count, interval: interval}
}

func (p *pacedDemoPattern) InitiateIo() task.Task {
	if p.remaining <= 0 {
		return task.Task{Action: task.ActionNone}
	}
	p.remaining--
	return task.Task{
		Action:       task.ActionSend,
		Buffer:       p.payload,
		BufferLength: len(p.payload),
		TrackIO:      true,
		TimeOffset:   p.interval,
	}
}

func (p *pacedDemoPattern) CompleteIo(t task.Task, n int, err error) task.Verdict {
	if err != nil {
		p.sticky.Record(err)
		return task.FailedIo
	}
	if p.remaining <= 0 {
		return task.CompletedIo
	}
	return task.ContinueIo
}

func (p *pacedDemoPattern) PrintStatistics(local, remote net.Addr) {}
func (p *pacedDemoPattern) RIOBufferIDCount() int                  { return 1 }
func (p *pacedDemoPattern) LastPatternError() error                { return p.sticky.Err() }
