package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/pcicrec/internal/protocol/envelope"
	"github.com/danmuck/pcicrec/internal/reassembly"
)

// Strategy selects how envelopes reach the reassembler.
type Strategy string

const (
	// StrategyThreaded reads the socket on a background goroutine and
	// queues frames.
	StrategyThreaded Strategy = "threaded"
	// StrategyPull reads the socket inside Get.
	StrategyPull Strategy = "pull"
	// StrategyPush hands delivery to an injected PushSource.
	StrategyPush Strategy = "push"
)

var ErrInvalidStrategy = errors.New("session: invalid strategy")

// ParseStrategy normalizes s; empty selects StrategyThreaded.
func ParseStrategy(s string) (Strategy, error) {
	switch v := Strategy(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return StrategyThreaded, nil
	case StrategyThreaded, StrategyPull, StrategyPush:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
	}
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines connection, receive and recovery behavior of a session.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RPCTimeout     time.Duration
	// SettleDelay separates disabling algo debug from dialing.
	SettleDelay time.Duration
	JoinTimeout time.Duration

	Strategy Strategy
	// QueueCapacity bounds buffered frames for background strategies;
	// a full queue blocks the receiver.
	QueueCapacity int
	Limits        envelope.Limits

	AutoReconnect     bool
	ReconnectDelay    time.Duration
	ReconnectAttempts int
	Backoff           BackoffConfig
	CloseOnTimeout    bool

	OnceRepetition   reassembly.OnceRepetition
	MaxPendingFrames int
	// MissingOnceWorkaround cycles algo debug off and on while frame 0 has
	// not been seen.
	MissingOnceWorkaround bool
	WorkaroundPause       time.Duration

	Autostart    bool
	OutputConfig int
	// ExpectedInfo maps pointers below the source object to allowed
	// values; checked before any socket is opened.
	ExpectedInfo map[string][]any
}

// DefaultConfig returns the recorder defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    3 * time.Second,
		ReadTimeout:       3 * time.Second,
		WriteTimeout:      3 * time.Second,
		RPCTimeout:        3 * time.Second,
		SettleDelay:       100 * time.Millisecond,
		JoinTimeout:       3 * time.Second,
		Strategy:          StrategyThreaded,
		QueueCapacity:     64,
		Limits:            envelope.DefaultLimits(),
		ReconnectDelay:    time.Second,
		ReconnectAttempts: 1,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		MaxPendingFrames: reassembly.DefaultMaxPendingFrames,
		WorkaroundPause:  500 * time.Millisecond,
		OutputConfig:     8,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReadTimeout < 0 {
		c.ReadTimeout = 0
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = d.RPCTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.QueueCapacity < 0 {
		c.QueueCapacity = 0
	}
	if c.Limits.MaxContentBytes <= 0 {
		c.Limits = d.Limits
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = 0
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = d.ReconnectAttempts
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxPendingFrames <= 0 {
		c.MaxPendingFrames = d.MaxPendingFrames
	}
	if c.WorkaroundPause <= 0 {
		c.WorkaroundPause = d.WorkaroundPause
	}
	if c.OutputConfig <= 0 {
		c.OutputConfig = d.OutputConfig
	}
	return c
}

func (c Config) Validate() error {
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.OnceRepetition.Every < 0 {
		return fmt.Errorf("session: once repetition must be >= 0, got %d", c.OnceRepetition.Every)
	}
	return nil
}
