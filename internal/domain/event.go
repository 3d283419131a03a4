package domain

import (
	"fmt"
	"time"
)

// RawEvent is one inbound message update from the chat feed. Rows are
// immutable once stored; an edit of a message is recorded as a new row
// with a higher Revision rather than an overwrite.
type RawEvent struct {
	SourceUpdateID int64
	ChatID         int64
	MessageID      int64
	Revision       int32
	SenderID       int64
	Timestamp      time.Time
	Text           string
	ReplyToID      *int64
	ThreadID       *int64
	PayloadHash    string
	Edited         bool
	ReceivedAt     time.Time
}

// Message is the chunker-facing view of the latest revision of one
// message in a chat.
type Message struct {
	ChatID    int64
	MessageID int64
	SenderID  int64
	Timestamp time.Time
	Text      string
}

// RecordOutcome reports what an Event Store write did.
type RecordOutcome string

const (
	RecordOutcomeStored    RecordOutcome = "stored"
	RecordOutcomeDuplicate RecordOutcome = "duplicate"
)

// ValidateRawEvent validates a RawEvent before it is recorded. Text may
// be empty: non-text messages are stored so thread structure stays
// complete.
func ValidateRawEvent(e *RawEvent) error {
	if e == nil {
		return fmt.Errorf("raw event cannot be nil")
	}
	if e.SourceUpdateID == 0 {
		return fmt.Errorf("raw event SourceUpdateID is required")
	}
	if e.ChatID == 0 {
		return fmt.Errorf("raw event ChatID is required")
	}
	if e.MessageID == 0 {
		return fmt.Errorf("raw event MessageID is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("raw event Timestamp is required")
	}
	return nil
}
