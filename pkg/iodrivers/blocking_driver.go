package iodrivers

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/ctraffic/ctengine/internal/observability/logging"
	"github.com/ctraffic/ctengine/internal/retry"
)

// bindRetryConfig is the "1-second sleep, up to 5 retries" bind policy
// recovered from ctsWinsockLayer.cpp's WSAEADDRINUSE handling. Only a bind
// collision is retryable; any other dial/listen error fails immediately.
func bindRetryConfig() *retry.Config {
	cfg := retry.FixedDelayConfig(5, time.Second)
	cfg.RetryIf = isAddrInUse
	return cfg
}

// isAddrInUse reports whether err looks like the local port was already
// bound by someone else. Go wraps the OS errno without exporting
// WSAEADDRINUSE/EADDRINUSE as a typed value portable across platforms, so
// this matches on the standard library's own textual marker.
func isAddrInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "address already in use")
}

// NewBlockingConnect builds a blocking connect function (for a Connect
// functor to call, as cmd/ctengine-demo does) that dials target, retrying
// on a local bind collision per bindRetryConfig (§C SUPPLEMENTED FEATURES).
// The dialed net.Conn is handed to onConnected once established.
func NewBlockingConnect(ctx context.Context, network, target string, dialer *net.Dialer, log logging.Logger, onConnected func(net.Conn)) func() error {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if log == nil {
		log = logging.NopLogger{}
	}

	return func() error {
		var conn net.Conn
		err := retry.Retry(ctx, bindRetryConfig(), func() error {
			c, dialErr := dialer.DialContext(ctx, network, target)
			if dialErr != nil {
				if isAddrInUse(dialErr) {
					log.Debug("local bind collision, retrying", logging.String("target", target))
				}
				return dialErr
			}
			conn = c
			return nil
		})
		if err != nil {
			return unwrapRetryFailure(err)
		}
		onConnected(conn)
		return nil
	}
}

// NewBlockingAccept builds an Accept functor around a pre-bound
// net.Listener: each call to the returned functor blocks for exactly one
// incoming connection, matching ctsTraffic's one-accept-per-SocketState
// shape (§4.3's Connecting step run under the server's Accept functor).
func NewBlockingAccept(ln net.Listener, onAccepted func(net.Conn)) func() error {
	return func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		onAccepted(conn)
		return nil
	}
}

// NewListener binds network/addr with the same bind-retry policy as
// NewBlockingConnect, for the server-side Create step.
func NewListener(ctx context.Context, network, addr string, log logging.Logger) (net.Listener, error) {
	if log == nil {
		log = logging.NopLogger{}
	}

	var ln net.Listener
	var lc net.ListenConfig
	err := retry.Retry(ctx, bindRetryConfig(), func() error {
		l, lErr := lc.Listen(ctx, network, addr)
		if lErr != nil {
			if isAddrInUse(lErr) {
				log.Debug("bind collision, retrying", logging.String("addr", addr))
			}
			return lErr
		}
		ln = l
		return nil
	})
	if err != nil {
		return nil, unwrapRetryFailure(err)
	}
	return ln, nil
}

// unwrapRetryFailure recovers the underlying dial/listen error from a
// retry.Retry failure, whether it exhausted all attempts (wrapped with
// ErrMaxRetriesExceeded) or failed fast on a non-bind error.
func unwrapRetryFailure(err error) error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !errors.Is(e, retry.ErrMaxRetriesExceeded) {
				return e
			}
		}
	}
	return err
}
