package mediastream

import (
	"net"

	"github.com/ctraffic/ctengine/internal/observability/logging"
)

// maxControlDatagram bounds the recv-from buffer for the listening socket's
// receiver, sized comfortably above the largest control message this
// package defines (ctsMediaStreamServerListeningSocket's fixed-size recv
// buffer, original_source/).
const maxControlDatagram = 256

// Listener runs one dedicated receiver per bind address
// (ctsMediaStreamServerListeningSocket), posting a bounded recv-from in a
// loop and routing each datagram through Server.HandleDatagram.
type Listener struct {
	conn   *net.UDPConn
	server *Server
	log    logging.Logger
}

// NewListener wraps an already-bound *net.UDPConn.
func NewListener(conn *net.UDPConn, server *Server, log logging.Logger) *Listener {
	if log == nil {
		log = logging.NopLogger{}
	}
	return &Listener{conn: conn, server: server, log: log}
}

// send is this listener's SendFunc: every connected slot whose handshake
// arrived here shares this one underlying socket for replies.
func (l *Listener) send(remote net.Addr, payload []byte) error {
	_, err := l.conn.WriteTo(payload, remote)
	return err
}

// Serve blocks, dispatching datagrams until the connection is closed.
func (l *Listener) Serve() error {
	local := l.conn.LocalAddr()
	buf := make([]byte, maxControlDatagram)

	for {
		n, remote, err := l.conn.ReadFrom(buf)
		if err != nil {
			return err
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		if err := l.server.HandleDatagram(local, remote, payload, l.send); err != nil {
			l.log.Warn("mediastream: datagram rejected",
				logging.String("remote", remote.String()), logging.Err(err))
		}
	}
}

// Close releases the underlying socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}
