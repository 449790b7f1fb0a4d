package signaling

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/akinalp/carecall/pkg/clock"
)

// Default call policy.
const (
	DefaultRingTimeout      = 45 * time.Second
	DefaultConnectTimeout   = 30 * time.Second
	DefaultReconnectTimeout = 15 * time.Second
	DefaultGracePeriod      = 60 * time.Second
)

// Config tunes timers and supplies the clock and logger. Zero durations take
// the defaults above; a negative duration disables that timer.
type Config struct {
	// RingTimeout bounds Offering (caller) and Ringing (callee).
	RingTimeout time.Duration
	// ConnectTimeout bounds Answered/Connecting before Connected is reached.
	ConnectTimeout time.Duration
	// ReconnectTimeout bounds a disconnected spell while Connected.
	ReconnectTimeout time.Duration
	// GracePeriod is how long ended sessions are remembered.
	GracePeriod time.Duration

	Clock  clock.Clock
	Logger *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.RingTimeout == 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectTimeout == 0 {
		c.ReconnectTimeout = DefaultReconnectTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}
