package controller

import (
	"fmt"
	"time"

	"github.com/openrail/go-bidib/logger"
	"github.com/openrail/go-bidib/serial"
)

// Bring-up timing defaults. Step timeouts stay inside the 100 ms to 3 s
// band; the magic probe escalates through the whole band before the node
// is reset.
const (
	DefaultStepTimeout = 1000 * time.Millisecond
	MinStepTimeout     = 100 * time.Millisecond
	MaxStepTimeout     = 3000 * time.Millisecond

	DefaultRetryLimit = 3
	MaxRetryLimit     = 15

	DefaultQueueSize    = 64
	DefaultTickInterval = 50 * time.Millisecond
)

// magicTimeouts are the increasing probe timeouts for GET_SYSMAGIC, indexed
// by retry count.
var magicTimeouts = []time.Duration{250 * time.Millisecond, 1 * time.Second, 3 * time.Second}

// Config holds the tuning parameters of a controller session.
type Config struct {
	stepTimeout  time.Duration
	retryLimit   int
	queueSize    int
	tickInterval time.Duration

	clock  serial.Clock
	logger logger.Logger
}

// NewConfig creates a controller configuration with the given options
// applied in order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		stepTimeout:  DefaultStepTimeout,
		retryLimit:   DefaultRetryLimit,
		queueSize:    DefaultQueueSize,
		tickInterval: DefaultTickInterval,
		clock:        serial.SystemClock(),
		logger:       logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// StepTimeout returns the per-step response timeout.
func (cfg *Config) StepTimeout() time.Duration { return cfg.stepTimeout }

// RetryLimit returns the per-step retry budget.
func (cfg *Config) RetryLimit() int { return cfg.retryLimit }

// QueueSize returns the bounded event queue capacity.
func (cfg *Config) QueueSize() int { return cfg.queueSize }

// TickInterval returns the deadline scan interval of the session loop.
func (cfg *Config) TickInterval() time.Duration { return cfg.tickInterval }

// GetClock returns the configured clock.
func (cfg *Config) GetClock() serial.Clock { return cfg.clock }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// Option is a functional option for configuring a controller session.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithStepTimeout sets the per-step response timeout.
func WithStepTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinStepTimeout || d > MaxStepTimeout {
			return fmt.Errorf("controller: step timeout %v out of range [%v, %v]", d, MinStepTimeout, MaxStepTimeout)
		}
		cfg.stepTimeout = d

		return nil
	})
}

// WithRetryLimit sets the per-step retry budget.
func WithRetryLimit(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxRetryLimit {
			return fmt.Errorf("controller: retry limit %d out of range [1, %d]", n, MaxRetryLimit)
		}
		cfg.retryLimit = n

		return nil
	})
}

// WithQueueSize sets the bounded event queue capacity.
func WithQueueSize(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 {
			return fmt.Errorf("controller: queue size %d must be positive", n)
		}
		cfg.queueSize = n

		return nil
	})
}

// WithTickInterval sets the deadline scan interval.
func WithTickInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("controller: non-positive tick interval %v", d)
		}
		cfg.tickInterval = d

		return nil
	})
}

// WithClock injects a clock, mainly for deterministic tests.
func WithClock(c serial.Clock) Option {
	return optFunc(func(cfg *Config) error {
		if c == nil {
			return fmt.Errorf("controller: nil clock")
		}
		cfg.clock = c

		return nil
	})
}

// WithLogger sets the logger for the controller session.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("controller: nil logger")
		}
		cfg.logger = l

		return nil
	})
}
