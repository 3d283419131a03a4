package chunker

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quillstone/chatrecall/internal/domain"
)

// Candidate is one proposed chunk over a contiguous run of messages.
// Open marks the trailing accumulator that was not closed by any
// boundary rule; it may still receive messages and is revisited on the
// next work item touching its range.
type Candidate struct {
	Messages     []domain.Message
	Open         bool
	RenderedText string
	Participants []int64
	TokenCount   int
}

// FirstMessageID returns the lowest message id in the candidate.
func (c *Candidate) FirstMessageID() int64 { return c.Messages[0].MessageID }

// LastMessageID returns the highest message id in the candidate.
func (c *Candidate) LastMessageID() int64 { return c.Messages[len(c.Messages)-1].MessageID }

// TimeRangeStart returns the timestamp of the first message.
func (c *Candidate) TimeRangeStart() time.Time { return c.Messages[0].Timestamp }

// TimeRangeEnd returns the timestamp of the last message.
func (c *Candidate) TimeRangeEnd() time.Time { return c.Messages[len(c.Messages)-1].Timestamp }

// BuildChunks splits one chat's chronologically ordered, deduplicated
// message sequence into chunk candidates using the gap, max-size and
// min-size rules. An empty stream yields no candidates. The final
// accumulator is always emitted with Open=true unless a boundary rule
// already closed it at the last message.
func BuildChunks(messages []domain.Message, cfg Config) []Candidate {
	cfg = cfg.normalized()
	if len(messages) == 0 {
		return nil
	}

	ceiling := cfg.hardCeiling()

	var out []Candidate
	var acc []domain.Message
	accTokens := 0

	closeAcc := func(open bool) {
		if len(acc) == 0 {
			return
		}
		out = append(out, finish(acc, accTokens, open))
		acc = nil
		accTokens = 0
	}

	for _, m := range messages {
		if len(acc) > 0 {
			mTokens := CountTokens(m.Text)
			gap := m.Timestamp.Sub(acc[len(acc)-1].Timestamp) >= cfg.GapThreshold
			oversize := len(acc)+1 > cfg.MaxMessages || accTokens+mTokens > cfg.MaxTokens

			if gap || oversize {
				// Min-size rule: a boundary only closes an accumulator
				// that already holds MinMessages; smaller runs merge
				// forward, up to the hard ceiling.
				if len(acc) >= cfg.MinMessages || len(acc) >= ceiling {
					closeAcc(false)
				}
			}
		}

		acc = append(acc, m)
		accTokens += CountTokens(m.Text)

		if len(acc) >= ceiling {
			closeAcc(false)
		}
	}

	closeAcc(true)
	return out
}

func finish(messages []domain.Message, tokens int, open bool) Candidate {
	msgs := make([]domain.Message, len(messages))
	copy(msgs, messages)
	return Candidate{
		Messages:     msgs,
		Open:         open,
		RenderedText: Render(msgs),
		Participants: participants(msgs),
		TokenCount:   tokens,
	}
}

// Render produces the timestamped "speaker: text" transcript for a run
// of messages. The output is byte-stable for unchanged input, which the
// indexer relies on when re-chunking a stale range.
func Render(messages []domain.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %d: %s",
			m.Timestamp.UTC().Format(time.RFC3339), m.SenderID, m.Text)
	}
	return b.String()
}

func participants(messages []domain.Message) []int64 {
	seen := make(map[int64]struct{}, len(messages))
	var ids []int64
	for _, m := range messages {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		ids = append(ids, m.SenderID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CountTokens approximates the token count of a message as its
// whitespace-separated word count. Deterministic by construction.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}
