// Package mediastream implements the UDP MediaStreamServer (§4.6): a
// demultiplexing listener that binds unsolicited client START handshakes to
// accepted connection slots, plus the wire format used by the paced
// per-connection frame sender (which lives in package iodrivers).
package mediastream

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ctraffic/ctengine/pkg/pool"
)

// MinFrameSize is the 40-byte minimum frame size (§C SUPPLEMENTED
// FEATURES). FragmentFrame and NewPacedSender use it as the fragment size
// when given a maxDatagram <= 0; no code rejects frames smaller than it.
const MinFrameSize = 40

// connectionIDLen is the fixed size of the once-per-connection
// connection-id datagram payload (§3 BufferUDPConnectionID).
const connectionIDLen = 16

// Action identifies the kind of control message carried by the initial
// client-to-server datagram (§4.6 Listening).
type Action uint8

const (
	ActionUnknown Action = iota
	ActionStart
	ActionResend
)

// ErrUnknownAction is returned for a control datagram whose action byte is
// neither START nor RESEND. It is not fatal: HandleDatagram counts it under
// the invariant_violations_total metric and Listener.Serve logs the datagram
// as rejected and keeps serving.
var ErrUnknownAction = errors.New("mediastream: unknown control action")

// StartMessage is the handshake payload a client sends to open a stream.
// On the wire a START is the single action byte (EncodeStart); it carries no
// msgpack body, and DecodeControlMessage ignores any bytes after it.
type StartMessage struct {
	Action Action
}

// ResendMessage asks the server to retransmit one already-sent frame
// (original_source/ctsMediaStreamServerImpl.cpp's `resend`).
type ResendMessage struct {
	Action         Action
	SequenceNumber int64
}

// DecodeControlMessage sniffs the action byte and, for RESEND, decodes the
// rest of buf with msgpack. The action byte itself is not part of the
// msgpack payload, matching the original's raw-action-then-struct framing.
func DecodeControlMessage(buf []byte) (Action, any, error) {
	if len(buf) < 1 {
		return ActionUnknown, nil, fmt.Errorf("mediastream: empty control datagram")
	}
	action := Action(buf[0])
	switch action {
	case ActionStart:
		return action, &StartMessage{Action: action}, nil
	case ActionResend:
		var m ResendMessage
		if len(buf) > 1 {
			if err := msgpack.Unmarshal(buf[1:], &m); err != nil {
				return action, nil, err
			}
		}
		m.Action = action
		return action, &m, nil
	default:
		return action, nil, ErrUnknownAction
	}
}

// EncodeStart serializes a START handshake.
func EncodeStart() []byte {
	return []byte{byte(ActionStart)}
}

// EncodeResend serializes a RESEND request for sequenceNumber.
func EncodeResend(sequenceNumber int64) ([]byte, error) {
	body, err := msgpack.Marshal(&ResendMessage{SequenceNumber: sequenceNumber})
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(ActionResend)}, body...), nil
}

// dataFrameHeaderLen is the fixed binary header on every post-handshake
// server-to-client datagram: sequence number, fragment index, fragment
// count (§6 Wire format). Hand-packed little-endian, grounded on
// SagerNet-smux's frame header encoding rather than msgpack, since this path
// is the hot per-frame send loop where allocation-free encoding matters.
const dataFrameHeaderLen = 8 + 2 + 2

// DataFrameHeader is the per-datagram header prepended to every fragment of
// a data frame.
type DataFrameHeader struct {
	SequenceNumber int64
	FragmentIndex  uint16
	FragmentCount  uint16
}

// EncodeDataFrame packs header followed by payload into one datagram, drawn
// from the shared byte-slice pool since the paced sender can produce
// thousands of these per second. Callers done with the returned slice after
// the datagram is written should call ReleaseDataFrame.
func EncodeDataFrame(h DataFrameHeader, payload []byte) []byte {
	buf := pool.GetBytes(dataFrameHeaderLen + len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.SequenceNumber))
	binary.LittleEndian.PutUint16(buf[8:10], h.FragmentIndex)
	binary.LittleEndian.PutUint16(buf[10:12], h.FragmentCount)
	copy(buf[dataFrameHeaderLen:], payload)
	return buf
}

// ReleaseDataFrame returns a slice produced by EncodeDataFrame (directly,
// or via FragmentFrame) to the shared pool.
func ReleaseDataFrame(buf []byte) {
	pool.PutBytes(buf)
}

// DecodeDataFrame splits a received datagram into its header and payload.
func DecodeDataFrame(buf []byte) (DataFrameHeader, []byte, error) {
	if len(buf) < dataFrameHeaderLen {
		return DataFrameHeader{}, nil, fmt.Errorf("mediastream: data frame shorter than header (%d bytes)", len(buf))
	}
	h := DataFrameHeader{
		SequenceNumber: int64(binary.LittleEndian.Uint64(buf[0:8])),
		FragmentIndex:  binary.LittleEndian.Uint16(buf[8:10]),
		FragmentCount:  binary.LittleEndian.Uint16(buf[10:12]),
	}
	return h, buf[dataFrameHeaderLen:], nil
}

// FragmentFrame splits payload into datagram-sized fragments no larger than
// maxDatagram bytes of payload each, per §6: "Frames smaller than the path
// MTU are emitted as one datagram; larger frames are fragmented at the
// application layer."
func FragmentFrame(sequenceNumber int64, payload []byte, maxDatagram int) [][]byte {
	if maxDatagram <= 0 {
		maxDatagram = MinFrameSize
	}
	if len(payload) <= maxDatagram {
		return [][]byte{EncodeDataFrame(DataFrameHeader{
			SequenceNumber: sequenceNumber,
			FragmentIndex:  0,
			FragmentCount:  1,
		}, payload)}
	}

	count := (len(payload) + maxDatagram - 1) / maxDatagram
	frames := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxDatagram
		end := start + maxDatagram
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, EncodeDataFrame(DataFrameHeader{
			SequenceNumber: sequenceNumber,
			FragmentIndex:  uint16(i),
			FragmentCount:  uint16(count),
		}, payload[start:end]))
	}
	return frames
}

// ConnectionID is the once-per-connection identifier datagram payload
// (task.BufferUDPConnectionID).
type ConnectionID [connectionIDLen]byte

// NewConnectionID mints a fresh connection identifier from a random UUID.
func NewConnectionID() ConnectionID {
	var id ConnectionID
	copy(id[:], uuid.New()[:])
	return id
}

// EncodeConnectionID returns id's raw bytes as the one-shot datagram
// payload sent before any data frames.
func EncodeConnectionID(id ConnectionID) []byte {
	out := make([]byte, connectionIDLen)
	copy(out, id[:])
	return out
}
