package l2cap

import "time"

// Config tunes a ChannelManager. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// MaxACLPayloadSize and MaxLEPayloadSize are the largest ACL data
	// payloads the controller accepts, as reported by Read Buffer Size and
	// LE Read Buffer Size.
	MaxACLPayloadSize int
	MaxLEPayloadSize  int

	// RxMTU is the MTU we offer on dynamic channels.
	RxMTU uint16

	// EnableERTM makes BR/EDR dynamic channels negotiate Enhanced
	// Retransmission Mode instead of Basic Mode.
	EnableERTM bool

	// SignalingResponseTimeout bounds how long a signaling request waits for
	// its response (RTX).
	SignalingResponseTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxACLPayloadSize:        1021,
		MaxLEPayloadSize:         251,
		RxMTU:                    DefaultMTU,
		SignalingResponseTimeout: 60 * time.Second,
	}
}

func (c Config) maxPayloadSize(le bool) int {
	if le {
		return c.MaxLEPayloadSize
	}
	return c.MaxACLPayloadSize
}

func (c Config) localMode() ChannelMode {
	if c.EnableERTM {
		return ChannelModeEnhancedRetransmission
	}
	return ChannelModeBasic
}
