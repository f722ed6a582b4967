package iodrivers

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/ctraffic/ctengine/internal/observability/logging"
	"github.com/ctraffic/ctengine/internal/observability/metrics"
	"github.com/ctraffic/ctengine/pkg/mediastream"
	"github.com/ctraffic/ctengine/pkg/pattern"
	"github.com/ctraffic/ctengine/pkg/socket"
	"github.com/ctraffic/ctengine/pkg/task"
)

// errNoSlot is returned when a socket reaches the paced driver without a
// mediastream.ConnectedSlot handle, meaning AcceptFunctor never ran.
var errNoSlot = errors.New("iodrivers: paced driver requires a mediastream-accepted socket")

// NewPacedIoFunctor builds a state.Functors.Io callback that recovers the
// ConnectedSlot mediastream.Server.AcceptFunctor attached to sock and drives
// it with a fresh PacedSender. This is the entry point SPEC_FULL.md's
// MediaStreamServer wiring uses; NewPacedSender/PacedSender.Io below remain
// directly usable by tests that already hold a slot.
func NewPacedIoFunctor(limiter *rate.Limiter, maxDatagram int, met *metrics.Metrics, log logging.Logger) func(*socket.ConnectionSocket) error {
	return func(sock *socket.ConnectionSocket) error {
		slot, ok := mediastream.SlotFromSocket(sock)
		if !ok {
			return errNoSlot
		}
		return NewPacedSender(slot, limiter, maxDatagram, met, log).Io(sock)
	}
}

// PacedSender is the UDP datagram-pacing driver (§4.5's fifth driver),
// grounded on ctsMediaStreamServerConnectedSocket::schedule_task's
// timer-driven single-task-at-a-time send loop. Unlike the stream driver,
// pacing is expressed through ConnectionSocket.SetTimer rather than a tight
// loop: each task waits out its TimeOffset before the OS call fires, and
// the next task is only requested once the current one completes.
type PacedSender struct {
	slot *mediastream.ConnectedSlot

	limiter *rate.Limiter
	met     *metrics.Metrics
	log     logging.Logger

	maxDatagram int
}

// NewPacedSender builds a PacedSender bound to one connected slot. limiter
// may be nil to disable byte-rate throttling and rely solely on each task's
// TimeOffset for pacing.
func NewPacedSender(slot *mediastream.ConnectedSlot, limiter *rate.Limiter, maxDatagram int, met *metrics.Metrics, log logging.Logger) *PacedSender {
	if met == nil {
		met = metrics.Global
	}
	if log == nil {
		log = logging.NopLogger{}
	}
	if maxDatagram <= 0 {
		maxDatagram = mediastream.MinFrameSize
	}
	return &PacedSender{slot: slot, limiter: limiter, met: met, log: log, maxDatagram: maxDatagram}
}

// Io is the Functors.Io entry point: it drives InitiateIo/CompleteIo the
// same way the stream driver does, but schedules each Send through
// ConnectionSocket.SetTimer at the task's TimeOffset and fragments the
// payload into wire frames before sending. Every connection starts with a
// one-time connection-id datagram ahead of any pattern-driven task, per §6's
// "(connection-id-datagram once) | (data-datagram...)" framing rule — this
// is enforced here, by the driver, rather than left to each IoPattern, so
// it holds regardless of which pattern is plugged in.
func (p *PacedSender) Io(sock *socket.ConnectionSocket) error {
	patt := sock.Pattern()
	if patt == nil {
		sock.Complete(errNoPattern)
		return nil
	}

	if err := p.sendConnectionID(); err != nil {
		sock.Complete(err)
		return nil
	}

	sticky := &pattern.StickyError{}
	p.scheduleNext(sock, patt, sticky)
	return nil
}

// sendConnectionID transmits the once-per-connection connection-id datagram
// ahead of any data frame (task.BufferUDPConnectionID).
func (p *PacedSender) sendConnectionID() error {
	payload := mediastream.EncodeConnectionID(mediastream.NewConnectionID())
	stop := metrics.Timer(p.met.IOCompletionTime)
	err := p.slot.Send(payload)
	stop()
	if err == nil {
		p.met.IOBytes.WithLabelValues("send").Add(float64(len(payload)))
	}
	return err
}

// scheduleNext requests the pattern's next task and, for sends, arms a
// timer at the task's offset; everything else (shutdown/abort/none) is
// handled inline immediately, matching §4.5's driver verdict handling.
// Completion is decided locally rather than through ConnectionSocket's
// shared I/O counter: PacedSender only ever has one task in flight at a
// time (serialized by SetTimer), so it doesn't need that counter to know
// when the loop is done — TrackIO below only gates the counter's use as an
// optional cross-driver accounting signal.
func (p *PacedSender) scheduleNext(sock *socket.ConnectionSocket, patt pattern.IoPattern, sticky *pattern.StickyError) {
	t := patt.InitiateIo()

	switch t.Action {
	case task.ActionNone:
		sock.Complete(sticky.Err())

	case task.ActionGracefulShutdown, task.ActionHardShutdown, task.ActionAbort, task.ActionFatalAbort:
		_ = sock.CloseSocket(t.Action != task.ActionGracefulShutdown)
		verdict := patt.CompleteIo(t, 0, nil)
		if verdict == task.ContinueIo {
			p.scheduleNext(sock, patt, sticky)
			return
		}
		sock.Complete(sticky.Err())

	case task.ActionSend:
		if t.TimeOffset <= 0 {
			p.sendNow(sock, patt, sticky, t)
			return
		}
		sock.SetTimer(t, func(scheduled task.Task) {
			p.sendNow(sock, patt, sticky, scheduled)
		})

	default:
		p.log.Error("paced driver: unsupported action", logging.String("action", t.Action.String()))
		sock.Complete(sticky.Err())
	}
}

// sendNow performs the actual WSASendTo-equivalent for task t. A task
// carrying BufferKind BufferUDPConnectionID is sent as a single raw
// datagram (no fragmentation header); everything else is fragmented per
// §6's wire format and recorded in the slot's resend cache.
func (p *PacedSender) sendNow(sock *socket.ConnectionSocket, patt pattern.IoPattern, sticky *pattern.StickyError, t task.Task) {
	if t.TrackIO {
		sock.IncrementIO()
	}

	payload := t.Buffer[t.BufferOffset : t.BufferOffset+t.BufferLength]

	stop := metrics.Timer(p.met.IOCompletionTime)
	var sendErr error
	sent := 0

	if t.BufferKind == task.BufferUDPConnectionID {
		if err := p.slot.Send(payload); err != nil {
			sendErr = err
		} else {
			sent = len(payload)
		}
	} else {
		seq := p.slot.NextSequence()
		frames := mediastream.FragmentFrame(seq, payload, p.maxDatagram)
		p.slot.RecordSent(seq, frames)
		for _, frame := range frames {
			if p.limiter != nil {
				if err := p.limiter.WaitN(context.Background(), len(frame)); err != nil {
					sendErr = err
					mediastream.ReleaseDataFrame(frame)
					break
				}
			}
			if err := p.slot.Send(frame); err != nil {
				sendErr = err
				mediastream.ReleaseDataFrame(frame)
				break
			}
			sent += len(frame)
			mediastream.ReleaseDataFrame(frame)
		}
	}
	stop()

	p.met.IOBytes.WithLabelValues("send").Add(float64(sent))

	verdict := patt.CompleteIo(t, sent, sendErr)
	if verdict == task.FailedIo {
		if perr := patt.LastPatternError(); perr != nil {
			sticky.Record(perr)
		} else {
			sticky.Record(sendErr)
		}
	}

	if t.TrackIO {
		if _, derr := sock.DecrementIO(); derr != nil {
			p.log.Error("paced driver: io counter invariant violated", logging.Err(derr))
		}
	}

	if verdict == task.ContinueIo {
		p.scheduleNext(sock, patt, sticky)
		return
	}
	sock.Complete(sticky.Err())
}
