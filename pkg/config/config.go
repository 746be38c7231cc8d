// Package config contains the configuration of a tunnel client.
package config

import (
	"net"
	"time"

	"github.com/apex/log"
	"github.com/ooni/vpncore/internal/model"
	"github.com/ooni/vpncore/internal/runtimex"
	"github.com/ooni/vpncore/internal/tun"
)

// Config contains options to initialize the tunnel client.
type Config struct {
	// profile contains the parsed profile.
	profile *Profile

	// logger will be used to log events.
	logger model.Logger

	// if a tracer is provided, it will be used to trace the handshakes.
	tracer model.HandshakeTracer

	// dialer is the innermost dialer of the transport.
	dialer model.Dialer

	// tunOpener opens the tunnel device on the first established session.
	tunOpener tun.Opener

	// parrotTLS selects the OpenVPN ClientHello fingerprint.
	parrotTLS bool

	// protect is called with each transport socket before it connects.
	protect func(fd uintptr) bool

	// byteCountInterval is the period of the byte count events.
	byteCountInterval time.Duration
}

// NewConfig returns a Config ready to intialize a vpn tunnel.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		profile:           NewProfile(),
		logger:            log.Log,
		tracer:            &model.DummyTracer{},
		dialer:            &net.Dialer{},
		tunOpener:         tun.NewMemoryOpener(),
		parrotTLS:         false,
		byteCountInterval: 5 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to initialize the client.
type Option func(config *Config)

// WithLogger configures the passed [model.Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// WithHandshakeTracer configures the passed [model.HandshakeTracer].
func WithHandshakeTracer(tracer model.HandshakeTracer) Option {
	return func(config *Config) {
		config.tracer = tracer
	}
}

// Tracer returns the handshake tracer.
func (c *Config) Tracer() model.HandshakeTracer {
	return c.tracer
}

// WithProfileFile configures the profile parsed from the given file. It
// panics if the file cannot be parsed; use [ReadProfile] and [WithProfile]
// to handle the error.
func WithProfileFile(path string) Option {
	return func(config *Config) {
		profile, err := ReadProfile(path)
		runtimex.PanicOnError(err, "cannot parse profile")
		config.profile = profile
	}
}

// WithProfile configures the passed profile.
func WithProfile(profile *Profile) Option {
	return func(config *Config) {
		config.profile = profile
	}
}

// Profile returns the configured profile.
func (c *Config) Profile() *Profile {
	return c.profile
}

// WithDialer configures the innermost dialer used to reach the endpoints.
func WithDialer(dialer model.Dialer) Option {
	return func(config *Config) {
		config.dialer = dialer
	}
}

// Dialer returns the innermost dialer.
func (c *Config) Dialer() model.Dialer {
	return c.dialer
}

// WithTunOpener configures how to open the tunnel device.
func WithTunOpener(opener tun.Opener) Option {
	return func(config *Config) {
		config.tunOpener = opener
	}
}

// TunOpener returns the tunnel device opener.
func (c *Config) TunOpener() tun.Opener {
	return c.tunOpener
}

// WithTLSParroting enables or disables the OpenVPN ClientHello fingerprint.
func WithTLSParroting(enabled bool) Option {
	return func(config *Config) {
		config.parrotTLS = enabled
	}
}

// TLSParroting returns whether we parrot the OpenVPN ClientHello.
func (c *Config) TLSParroting() bool {
	return c.parrotTLS
}

// WithProtect configures a callback that excludes transport sockets from
// the tunnel routes. A false return value fails the dial.
func WithProtect(protect func(fd uintptr) bool) Option {
	return func(config *Config) {
		config.protect = protect
	}
}

// Protect returns the socket protect callback, or nil.
func (c *Config) Protect() func(fd uintptr) bool {
	return c.protect
}

// WithByteCountInterval configures the period of byte count events. Zero
// disables them.
func WithByteCountInterval(d time.Duration) Option {
	return func(config *Config) {
		config.byteCountInterval = d
	}
}

// ByteCountInterval returns the period of byte count events.
func (c *Config) ByteCountInterval() time.Duration {
	return c.byteCountInterval
}
