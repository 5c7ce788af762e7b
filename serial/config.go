package serial

import (
	"fmt"
	"time"

	"github.com/openrail/go-bidib/logger"
)

// Default bus timing values. Character-level timeouts are expressed in bit
// times of the medium so the same arbitration behaviour holds across baud
// rates; they are converted to durations once at construction.
const (
	DefaultBaudRate = 19200

	// DefaultResponseBits is how long the master waits for the first
	// character of a reply after addressing a subnode.
	DefaultResponseBits = 400

	// DefaultInterCharBits is the maximum silence allowed between two
	// characters of the same reply.
	DefaultInterCharBits = 40

	DefaultQuiescence   = 400 * time.Millisecond // after bus reset
	DefaultResetTimeout = 2 * time.Second        // bound on a blocking Reset

	// DefaultMissLimit is the number of consecutive poll timeouts before a
	// subnode is declared lost and its address reclaimed.
	DefaultMissLimit = 8

	// DefaultHighWater: a reply filled beyond this many payload bytes
	// earns the node one immediate re-poll before the cycle advances.
	DefaultHighWater = 200

	DefaultTxQueueSize = 32
)

// Configuration range limits.
const (
	MinBaudRate = 9600
	MaxBaudRate = 1000000

	MinResponseBits  = 20
	MaxResponseBits  = 10000
	MinInterCharBits = 10
	MaxInterCharBits = 1000

	MaxMissLimit = 255
)

// Config holds the tuning parameters of a bus master session.
type Config struct {
	baudRate int

	responseTimeout  time.Duration
	interCharTimeout time.Duration

	quiescence   time.Duration
	resetTimeout time.Duration

	missLimit   int
	highWater   int
	txQueueSize int

	clock  Clock
	logger logger.Logger
}

// NewConfig creates a bus master configuration with the given options
// applied in order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		baudRate:     DefaultBaudRate,
		quiescence:   DefaultQuiescence,
		resetTimeout: DefaultResetTimeout,
		missLimit:    DefaultMissLimit,
		highWater:    DefaultHighWater,
		txQueueSize:  DefaultTxQueueSize,
		clock:        SystemClock(),
		logger:       logger.GetLogger(),
	}
	cfg.setBitTimeouts(DefaultResponseBits, DefaultInterCharBits)

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// setBitTimeouts converts bit-time counts into durations at the configured
// baud rate.
func (cfg *Config) setBitTimeouts(responseBits, interCharBits int) {
	bit := time.Second / time.Duration(cfg.baudRate)
	cfg.responseTimeout = time.Duration(responseBits) * bit
	cfg.interCharTimeout = time.Duration(interCharBits) * bit
}

// BaudRate returns the configured line speed in bits per second.
func (cfg *Config) BaudRate() int { return cfg.baudRate }

// ResponseTimeout returns how long the master waits for the first reply
// character after addressing a subnode.
func (cfg *Config) ResponseTimeout() time.Duration { return cfg.responseTimeout }

// InterCharTimeout returns the maximum silence allowed inside a reply.
func (cfg *Config) InterCharTimeout() time.Duration { return cfg.interCharTimeout }

// Quiescence returns the idle window imposed after a bus reset.
func (cfg *Config) Quiescence() time.Duration { return cfg.quiescence }

// ResetTimeout returns the upper bound on a blocking Reset call.
func (cfg *Config) ResetTimeout() time.Duration { return cfg.resetTimeout }

// MissLimit returns the consecutive-timeout count that declares a subnode lost.
func (cfg *Config) MissLimit() int { return cfg.missLimit }

// HighWater returns the reply fill level that earns a node one re-poll.
func (cfg *Config) HighWater() int { return cfg.highWater }

// TxQueueSize returns the per-master downstream queue capacity.
func (cfg *Config) TxQueueSize() int { return cfg.txQueueSize }

// GetClock returns the configured clock.
func (cfg *Config) GetClock() Clock { return cfg.clock }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// Option is a functional option for configuring a bus master.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithBaudRate sets the line speed and rescales the bit-time based timeouts
// that have not been set explicitly.
func WithBaudRate(baud int) Option {
	return optFunc(func(cfg *Config) error {
		if baud < MinBaudRate || baud > MaxBaudRate {
			return fmt.Errorf("serial: baud rate %d out of range [%d, %d]", baud, MinBaudRate, MaxBaudRate)
		}
		oldBit := time.Second / time.Duration(cfg.baudRate)
		responseBits := int(cfg.responseTimeout / oldBit)
		interCharBits := int(cfg.interCharTimeout / oldBit)

		cfg.baudRate = baud
		cfg.setBitTimeouts(responseBits, interCharBits)

		return nil
	})
}

// WithResponseBits sets the first-character reply timeout in bit times.
func WithResponseBits(bits int) Option {
	return optFunc(func(cfg *Config) error {
		if bits < MinResponseBits || bits > MaxResponseBits {
			return fmt.Errorf("serial: response bits %d out of range [%d, %d]", bits, MinResponseBits, MaxResponseBits)
		}
		bit := time.Second / time.Duration(cfg.baudRate)
		cfg.responseTimeout = time.Duration(bits) * bit

		return nil
	})
}

// WithInterCharBits sets the intra-reply silence timeout in bit times.
func WithInterCharBits(bits int) Option {
	return optFunc(func(cfg *Config) error {
		if bits < MinInterCharBits || bits > MaxInterCharBits {
			return fmt.Errorf("serial: inter-char bits %d out of range [%d, %d]", bits, MinInterCharBits, MaxInterCharBits)
		}
		bit := time.Second / time.Duration(cfg.baudRate)
		cfg.interCharTimeout = time.Duration(bits) * bit

		return nil
	})
}

// WithQuiescence sets the idle window after a bus reset.
func WithQuiescence(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 {
			return fmt.Errorf("serial: negative quiescence %v", d)
		}
		cfg.quiescence = d

		return nil
	})
}

// WithResetTimeout sets the upper bound on a blocking Reset call.
func WithResetTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("serial: non-positive reset timeout %v", d)
		}
		cfg.resetTimeout = d

		return nil
	})
}

// WithMissLimit sets the consecutive-timeout count that declares a subnode lost.
func WithMissLimit(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxMissLimit {
			return fmt.Errorf("serial: miss limit %d out of range [1, %d]", n, MaxMissLimit)
		}
		cfg.missLimit = n

		return nil
	})
}

// WithHighWater sets the reply fill level that earns a node one re-poll.
func WithHighWater(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxPacketPayload {
			return fmt.Errorf("serial: high water %d out of range [1, %d]", n, MaxPacketPayload)
		}
		cfg.highWater = n

		return nil
	})
}

// WithTxQueueSize sets the per-master downstream queue capacity.
func WithTxQueueSize(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 {
			return fmt.Errorf("serial: tx queue size %d must be positive", n)
		}
		cfg.txQueueSize = n

		return nil
	})
}

// WithClock injects a clock, mainly for deterministic tests.
func WithClock(c Clock) Option {
	return optFunc(func(cfg *Config) error {
		if c == nil {
			return fmt.Errorf("serial: nil clock")
		}
		cfg.clock = c

		return nil
	})
}

// WithLogger sets the logger for the bus master session.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("serial: nil logger")
		}
		cfg.logger = l

		return nil
	})
}
