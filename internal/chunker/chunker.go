// Package chunker turns an ordered per-chat message stream into bounded
// chunk candidates. It is a pure computation: given the same message
// sequence and config it always produces the same boundaries, so
// re-processing a range after a crash reproduces identical chunks.
package chunker

import "time"

// Config controls chunk boundary rules.
type Config struct {
	// GapThreshold closes the accumulator before a message that arrives
	// this long (or longer) after the previous one.
	GapThreshold time.Duration
	// MaxMessages closes the accumulator before a message that would
	// push it past this many messages.
	MaxMessages int
	// MaxTokens closes the accumulator before a message that would push
	// its token count past this bound.
	MaxTokens int
	// MinMessages suppresses a boundary on an accumulator smaller than
	// this, merging it forward into the next run.
	MinMessages int
	// MergeOverflowFactor caps merge-forward growth: once the
	// accumulator reaches MergeOverflowFactor*MaxMessages it is closed
	// regardless of MinMessages.
	MergeOverflowFactor float64
}

// DefaultConfig provides sane defaults for group-chat transcripts.
func DefaultConfig() Config {
	return Config{
		GapThreshold:        15 * time.Minute,
		MaxMessages:         80,
		MaxTokens:           1500,
		MinMessages:         3,
		MergeOverflowFactor: 1.5,
	}
}

func (c Config) normalized() Config {
	if c.MaxMessages <= 0 || c.MaxTokens <= 0 {
		c = DefaultConfig()
	}
	if c.MinMessages < 1 {
		c.MinMessages = 1
	}
	if c.MergeOverflowFactor < 1 {
		c.MergeOverflowFactor = 1.5
	}
	return c
}

// hardCeiling is the message count at which merge-forward loses to the
// size rule and the accumulator is force-closed.
func (c Config) hardCeiling() int {
	n := int(float64(c.MaxMessages) * c.MergeOverflowFactor)
	if n < c.MaxMessages {
		n = c.MaxMessages
	}
	return n
}
