package domain

import "time"

// Citation points at one retrieved chunk backing a claim in an answer.
// A citation must always resolve to a chunk that was actually passed to
// the composer; references outside the retrieved set are dropped.
type Citation struct {
	ChunkID        string
	ChatID         int64
	FirstMessageID int64
	LastMessageID  int64
	TimeRangeStart time.Time
	TimeRangeEnd   time.Time
}

// Answer is the composer's result for one question. Abstained answers
// carry no citations and a neutral text instead of fabricated content.
type Answer struct {
	Text      string
	Citations []Citation
	Abstained bool
}

// ToolInvocation records one tool call made while composing an answer.
type ToolInvocation struct {
	Name       string
	Arguments  string
	Result     string
	Err        string
	DurationMS int64
}
