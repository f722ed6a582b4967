// Package settings defines the Settings object the Broker reads globally
// (§6) plus the Options bitset recovered from ctsConfig.h (§C SUPPLEMENTED
// FEATURES). Loading these values from flags or a config file is the
// embedding CLI's job (§1 Non-goals) — this package only defines the shape.
package settings

import "time"

// Options is a bitset of engine behaviors, mirroring ctsConfig.h's options
// flags (§6, §C).
type Options uint32

const (
	OptLoopbackFastPath Options = 1 << iota
	OptKeepAlive
	OptNonBlocking
	OptInlineCompletions
	OptReuseUnicastPort
	OptRecvBufferOverride
	OptSendBufferOverride
	OptCircularQueueing
	OptMsgWaitAll
	OptPortScalability
)

// Has reports whether opt is set.
func (o Options) Has(opt Options) bool { return o&opt != 0 }

// Settings carries the values the Broker and I/O drivers read globally
// (§6). Iterations == 0 means "run forever" (the Broker's infinity
// sentinel, §4.4).
type Settings struct {
	Iterations              int
	ConnectionLimit         int
	ConnectionThrottleLimit int
	AcceptLimit             int
	ServerExitLimit         int

	Options Options

	TCPBytesPerSecond         int64
	TCPBytesPerSecondPeriod   time.Duration
	PrePostRecvs              int
	PrePostSends              int
	ListenBacklog             int
	LocalPortLow, LocalPortHigh uint16
	OutgoingIfIndex           int
	ShouldVerifyBuffers       bool
}

// Option mutates a Settings during construction.
type Option func(*Settings)

// Default returns the engine's baseline settings: one client connection,
// no throttling, no pacing.
func Default() *Settings {
	return &Settings{
		Iterations:              1,
		ConnectionLimit:         1,
		ConnectionThrottleLimit: 0, // unthrottled
		AcceptLimit:             1,
		ServerExitLimit:         0,
		TCPBytesPerSecondPeriod: 100 * time.Millisecond,
		PrePostRecvs:            1,
		PrePostSends:            1,
		ListenBacklog:           128,
	}
}

// New builds a Settings from Default(), applying opts in order.
func New(opts ...Option) *Settings {
	s := Default()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func WithIterations(n int) Option              { return func(s *Settings) { s.Iterations = n } }
func WithConnectionLimit(n int) Option         { return func(s *Settings) { s.ConnectionLimit = n } }
func WithConnectionThrottleLimit(n int) Option { return func(s *Settings) { s.ConnectionThrottleLimit = n } }
func WithAcceptLimit(n int) Option             { return func(s *Settings) { s.AcceptLimit = n } }
func WithServerExitLimit(n int) Option         { return func(s *Settings) { s.ServerExitLimit = n } }
func WithOptions(o Options) Option             { return func(s *Settings) { s.Options = o } }
func WithTCPBytesPerSecond(bps int64) Option   { return func(s *Settings) { s.TCPBytesPerSecond = bps } }
func WithVerifyBuffers(v bool) Option          { return func(s *Settings) { s.ShouldVerifyBuffers = v } }
