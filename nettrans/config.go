package nettrans

import (
	"fmt"
	"time"

	"github.com/openrail/go-bidib/logger"
)

// Default session-layer parameters. The port is the registered netBiDiB
// port; the read timeout bounds the body of a message once its length byte
// arrived, a connection may idle indefinitely between messages.
const (
	DefaultPort        = 62875
	DefaultReadTimeout = 5 * time.Second

	// DefaultPairingTimeout bounds how long an open pairing request stays
	// valid on either side.
	DefaultPairingTimeout = 30 * time.Second

	DefaultAnnounceService = "_bidib._tcp"
	DefaultAnnounceDomain  = "local."
)

// Configuration range limits.
const (
	MinReadTimeout = 100 * time.Millisecond
	MaxReadTimeout = time.Minute
)

// Approver decides an incoming pairing request. It runs on the session's
// receive goroutine; a slow implementation stalls that one session only.
type Approver func(info ConnInfo) bool

// Config holds the tuning parameters of a network listener and its
// sessions.
type Config struct {
	host string
	port int

	readTimeout    time.Duration
	pairingTimeout time.Duration

	approver Approver
	announce bool
	logger   logger.Logger
}

// NewConfig creates a listener configuration with the given options applied
// in order. By default every pairing request is accepted and the announcer
// is enabled.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		port:           DefaultPort,
		readTimeout:    DefaultReadTimeout,
		pairingTimeout: DefaultPairingTimeout,
		approver:       func(ConnInfo) bool { return true },
		announce:       true,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Host returns the listen host; empty means all interfaces.
func (cfg *Config) Host() string { return cfg.host }

// Port returns the listen port.
func (cfg *Config) Port() int { return cfg.port }

// ReadTimeout returns the bound on reading one message body.
func (cfg *Config) ReadTimeout() time.Duration { return cfg.readTimeout }

// PairingTimeout returns the validity window of an open pairing request.
func (cfg *Config) PairingTimeout() time.Duration { return cfg.pairingTimeout }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// Option is a functional option for configuring a listener.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithHost sets the listen host.
func WithHost(host string) Option {
	return optFunc(func(cfg *Config) error {
		cfg.host = host

		return nil
	})
}

// WithPort sets the listen port. Port 0 lets the kernel pick one.
func WithPort(port int) Option {
	return optFunc(func(cfg *Config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("nettrans: port %d out of range", port)
		}
		cfg.port = port

		return nil
	})
}

// WithReadTimeout bounds reading one message body after its length byte.
func WithReadTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinReadTimeout || d > MaxReadTimeout {
			return fmt.Errorf("nettrans: read timeout %v out of range [%v, %v]", d, MinReadTimeout, MaxReadTimeout)
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithPairingTimeout sets the validity window of an open pairing request.
func WithPairingTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("nettrans: non-positive pairing timeout %v", d)
		}
		cfg.pairingTimeout = d

		return nil
	})
}

// WithApprover installs the pairing decision callback.
func WithApprover(a Approver) Option {
	return optFunc(func(cfg *Config) error {
		if a == nil {
			return fmt.Errorf("nettrans: nil approver")
		}
		cfg.approver = a

		return nil
	})
}

// WithAnnounce enables or disables the zeroconf identity announcer.
func WithAnnounce(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.announce = enabled

		return nil
	})
}

// WithLogger sets the logger for the listener and its sessions.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("nettrans: nil logger")
		}
		cfg.logger = l

		return nil
	})
}
