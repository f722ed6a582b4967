package mediastream

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ctraffic/ctengine/internal/observability/logging"
	"github.com/ctraffic/ctengine/internal/observability/metrics"
	"github.com/ctraffic/ctengine/pkg/socket"
)

// ErrAlreadyConnected names the case of a START from a remote address that
// is already bound to a connected slot or an unmatched handshake. handleStart
// does not return it: such a duplicate is counted (DuplicateCount) and
// discarded with a nil error.
var ErrAlreadyConnected = errors.New("mediastream: remote address already connected or pending")

// ErrSequenceNotCached is returned by ConnectedSlot.Resend when the
// requested sequence number has already aged out of the retransmission
// window, or was never sent on this slot.
var ErrSequenceNotCached = errors.New("mediastream: sequence number not in resend cache")

// resendCacheCapacity bounds how many distinct sequence numbers a
// ConnectedSlot retains for RESEND, evicting the oldest once exceeded —
// ctsMediaStreamServerImpl.cpp keeps a similarly bounded sent-frame history
// rather than the whole stream.
const resendCacheCapacity = 32

// SendFunc performs the actual WSASendTo-equivalent for one connected slot.
type SendFunc func(remote net.Addr, payload []byte) error

// ConnectedSlot is the Go analogue of ctsMediaStreamServerConnectedSocket: a
// demultiplexed per-client UDP "connection" sharing one underlying listening
// socket with every other connected slot on the same bind address.
type ConnectedSlot struct {
	mu sync.Mutex

	remote net.Addr
	send   SendFunc
	sock   *socket.ConnectionSocket

	sequence   int64
	sentFrames map[int64][][]byte
	sentOrder  []int64
}

// Remote returns the slot's remote address.
func (c *ConnectedSlot) Remote() net.Addr { return c.remote }

// NextSequence increments and returns the slot's send sequence number
// (ctsMediaStreamServerConnectedSocket::increment_sequence).
func (c *ConnectedSlot) NextSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence++
	return c.sequence
}

// Send transmits payload to this slot's remote address over the shared
// listening socket.
func (c *ConnectedSlot) Send(payload []byte) error {
	return c.send(c.remote, payload)
}

// RecordSent retains copies of the datagrams sent for sequenceNumber so a
// later RESEND can retransmit them, the same way
// ctsMediaStreamServerImpl.cpp's resend() locates a prior send by sequence
// number. Only the most recent resendCacheCapacity sequence numbers are
// retained; older ones are evicted as new ones arrive.
func (c *ConnectedSlot) RecordSent(sequenceNumber int64, frames [][]byte) {
	cached := make([][]byte, len(frames))
	for i, f := range frames {
		cached[i] = append([]byte(nil), f...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sentFrames == nil {
		c.sentFrames = make(map[int64][][]byte)
	}
	if _, exists := c.sentFrames[sequenceNumber]; !exists {
		c.sentOrder = append(c.sentOrder, sequenceNumber)
	}
	c.sentFrames[sequenceNumber] = cached
	for len(c.sentOrder) > resendCacheCapacity {
		oldest := c.sentOrder[0]
		c.sentOrder = c.sentOrder[1:]
		delete(c.sentFrames, oldest)
	}
}

// Resend retransmits the datagrams previously recorded for sequenceNumber.
func (c *ConnectedSlot) Resend(sequenceNumber int64) error {
	c.mu.Lock()
	frames, ok := c.sentFrames[sequenceNumber]
	c.mu.Unlock()
	if !ok {
		return ErrSequenceNotCached
	}
	for _, f := range frames {
		if err := c.send(c.remote, f); err != nil {
			return err
		}
	}
	return nil
}

// Server owns the demultiplexing state described in §4.6: the connected
// map, the pending-accept stack, and the unmatched-handshake stack, all
// guarded by one lock (the "single server lock" in §9 Shared resources).
type Server struct {
	log logging.Logger
	met *metrics.Metrics

	mu               sync.Mutex
	connected        map[string]*ConnectedSlot
	pendingAccepts   []chan *ConnectedSlot
	unmatchedStarts  []pendingStart
	duplicateCount   int
}

type pendingStart struct {
	remote net.Addr
	send   SendFunc
}

// NewServer constructs an empty Server.
func NewServer(met *metrics.Metrics, log logging.Logger) *Server {
	if met == nil {
		met = metrics.Global
	}
	if log == nil {
		log = logging.NopLogger{}
	}
	return &Server{
		log:       log,
		met:       met,
		connected: make(map[string]*ConnectedSlot),
	}
}

// HandleDatagram processes one inbound datagram from a listening socket.
// send is bound to the listening socket the datagram arrived on, since
// replies to a given client must go out on the same shared socket.
func (s *Server) HandleDatagram(local, remote net.Addr, buf []byte, send SendFunc) error {
	action, msg, err := DecodeControlMessage(buf)
	if err != nil {
		if errors.Is(err, ErrUnknownAction) {
			s.met.InvariantViolations.WithLabelValues("unknown_mediastream_action").Inc()
		}
		return err
	}

	switch action {
	case ActionStart:
		return s.handleStart(remote, send)
	case ActionResend:
		rm := msg.(*ResendMessage)
		return s.handleResend(remote, rm.SequenceNumber)
	default:
		return fmt.Errorf("mediastream: unhandled action %d", action)
	}
}

// handleStart implements §4.6 "Start handling".
func (s *Server) handleStart(remote net.Addr, send SendFunc) error {
	key := remote.String()

	s.mu.Lock()

	if _, exists := s.connected[key]; exists {
		s.mu.Unlock()
		s.duplicateOne()
		return nil
	}
	for _, p := range s.unmatchedStarts {
		if p.remote.String() == key {
			s.mu.Unlock()
			s.duplicateOne()
			return nil
		}
	}

	if n := len(s.pendingAccepts); n > 0 {
		waiter := s.pendingAccepts[n-1]
		s.pendingAccepts = s.pendingAccepts[:n-1]
		slot := &ConnectedSlot{remote: remote, send: send}
		s.connected[key] = slot
		s.mu.Unlock()

		s.met.PendingAccepts.Set(float64(len(s.pendingAccepts)))
		waiter <- slot
		return nil
	}

	s.unmatchedStarts = append(s.unmatchedStarts, pendingStart{remote: remote, send: send})
	s.mu.Unlock()
	s.met.UnmatchedHandshakes.Set(float64(s.unmatchedLen()))
	return nil
}

func (s *Server) duplicateOne() {
	s.mu.Lock()
	s.duplicateCount++
	s.mu.Unlock()
	s.met.DuplicateHandshakes.Inc()
}

func (s *Server) unmatchedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unmatchedStarts)
}

// Accept implements §4.6 "Accept": either match the most recent unmatched
// handshake immediately, or register a waiter that HandleDatagram's
// handleStart will fulfil later. The returned channel delivers exactly one
// *ConnectedSlot.
func (s *Server) Accept() <-chan *ConnectedSlot {
	result := make(chan *ConnectedSlot, 1)

	s.mu.Lock()
	if n := len(s.unmatchedStarts); n > 0 {
		p := s.unmatchedStarts[n-1]
		s.unmatchedStarts = s.unmatchedStarts[:n-1]
		slot := &ConnectedSlot{remote: p.remote, send: p.send}
		s.connected[p.remote.String()] = slot
		s.mu.Unlock()

		s.met.UnmatchedHandshakes.Set(float64(s.unmatchedLen()))
		result <- slot
		return result
	}

	s.pendingAccepts = append(s.pendingAccepts, result)
	s.mu.Unlock()
	s.met.PendingAccepts.Set(float64(s.pendingAcceptsLen()))
	return result
}

func (s *Server) pendingAcceptsLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingAccepts)
}

// Remove detaches the connected slot for remote, used once its owning
// SocketState reaches Closing (ctsMediaStreamServerImpl::remove_socket).
func (s *Server) Remove(remote net.Addr) {
	s.mu.Lock()
	delete(s.connected, remote.String())
	s.mu.Unlock()
}

// handleResend implements §4.6's RESEND action (ctsMediaStreamServerImpl.cpp's
// resend(), ~line 340): locate the datagram previously sent for
// sequenceNumber on this slot and retransmit it as-is.
func (s *Server) handleResend(remote net.Addr, sequenceNumber int64) error {
	s.mu.Lock()
	slot, ok := s.connected[remote.String()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("mediastream: resend for unknown remote %s", remote)
	}
	if err := slot.Resend(sequenceNumber); err != nil {
		s.log.Debug("resend could not be fulfilled",
			logging.String("remote", remote.String()),
			logging.Int64("sequence", sequenceNumber),
			logging.Err(err))
		return err
	}
	s.log.Debug("resend fulfilled", logging.String("remote", remote.String()), logging.Int64("sequence", sequenceNumber))
	return nil
}

// DuplicateCount returns the number of duplicate START handshakes observed,
// for tests asserting Testable Property 6.
func (s *Server) DuplicateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duplicateCount
}

// slotHandle adapts a *ConnectedSlot to socket.Handle so a MediaStream
// connection can flow through the same ConnectionSocket/SocketState
// machinery every other driver uses, even though many connected slots
// share one underlying *net.UDPConn.
type slotHandle struct {
	slot  *ConnectedSlot
	local net.Addr
}

func (h *slotHandle) Close() error         { return nil }
func (h *slotHandle) LocalAddr() net.Addr  { return h.local }
func (h *slotHandle) RemoteAddr() net.Addr { return h.slot.Remote() }

// SlotFromSocket recovers the *ConnectedSlot backing sock, for drivers
// (the paced sender) that need it after AcceptFunctor has already run.
func SlotFromSocket(sock *socket.ConnectionSocket) (*ConnectedSlot, bool) {
	g := sock.AcquireLock()
	defer g.Release()
	h, ok := g.Handle.(*slotHandle)
	if !ok {
		return nil, false
	}
	return h.slot, true
}

// AcceptFunctor builds a state.Functors.Accept callback: it blocks until a
// client START handshake is bound to this SocketState (either immediately,
// if one is already waiting, or later, once HandleDatagram matches it), sets
// the resulting slot as the socket's handle, and records it in the server's
// connected map. localAddr is the bind address of the listening socket this
// accept slot belongs to (§4.6 Accept).
func (s *Server) AcceptFunctor(localAddr net.Addr) func(*socket.ConnectionSocket) error {
	return func(sock *socket.ConnectionSocket) error {
		slot := <-s.Accept()
		return sock.SetHandle(&slotHandle{slot: slot, local: localAddr})
	}
}

// ClosingFunctor builds a state.Functors.Closing callback that detaches the
// connected slot once its SocketState finishes (ctsMediaStreamServerImpl's
// remove_socket).
func (s *Server) ClosingFunctor() func(*socket.ConnectionSocket) error {
	return func(sock *socket.ConnectionSocket) error {
		s.Remove(sock.RemoteAddr())
		return nil
	}
}
