package service

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/quillstone/chatrecall/internal/domain"
	"github.com/quillstone/chatrecall/internal/telemetry"
)

// Chat message roles, mirroring the OpenAI wire roles.
const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
	ChatRoleTool      = "tool"
)

// ChatToolCall is one tool invocation requested by the model.
type ChatToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ChatMessage is one turn in a completion conversation.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ChatToolCall
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  any
}

// ChatRequest is one completion round.
type ChatRequest struct {
	Messages     []ChatMessage
	Tools        []ToolDefinition
	DisableTools bool
}

// ChatResult is the model's reply for one round.
type ChatResult struct {
	Text      string
	ToolCalls []ChatToolCall
}

// ChatClient is the external chat-completion capability.
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResult, error)
}

// Tool is an external capability the composer may invoke while
// answering, e.g. web search. Invocations are bounded and audited.
type Tool interface {
	Definition() ToolDefinition
	Invoke(ctx context.Context, args string) (string, error)
}

// ComposerConfig bounds answer composition.
type ComposerConfig struct {
	// MaxToolCalls is the hard ceiling on tool invocations per question.
	MaxToolCalls int
	// ToolTimeout bounds each individual tool invocation.
	ToolTimeout time.Duration
}

// DefaultComposerConfig provides sane composition defaults.
func DefaultComposerConfig() ComposerConfig {
	return ComposerConfig{
		MaxToolCalls: 4,
		ToolTimeout:  15 * time.Second,
	}
}

const abstainText = "No relevant history found for this question."

const composerSystemPrompt = `You answer questions about a group chat using only the numbered transcript excerpts provided.
Cite every claim with the excerpt number in square brackets, like [1] or [2].
If the excerpts do not contain the answer, say so plainly instead of guessing.
Never invent excerpt numbers or content that is not in the excerpts.`

// ComposerService turns a question plus retrieved chunks into a
// grounded answer. Citations are enforced structurally: whatever the
// model emits, only markers resolving into the retrieved set survive.
type ComposerService struct {
	chat  ChatClient
	tools []Tool
	cfg   ComposerConfig
}

// NewComposerService creates a new ComposerService instance
func NewComposerService(chat ChatClient, tools []Tool, cfg ComposerConfig) *ComposerService {
	if cfg.MaxToolCalls <= 0 {
		cfg = DefaultComposerConfig()
	}
	return &ComposerService{chat: chat, tools: tools, cfg: cfg}
}

// Compose produces an answer for the question from the retrieved
// chunks. It always returns a well-formed Answer: empty retrieval and
// terminal capability failures both surface as abstention, never as an
// error crossing to the end user.
func (s *ComposerService) Compose(ctx context.Context, question string, retrieved []RetrievedChunk) (*domain.Answer, []domain.ToolInvocation) {
	ctx, span := telemetry.StartSpan(ctx, "ComposerService.Compose", telemetry.SpanAttributes{
		Operation: "compose",
	})
	defer span.End()

	if len(retrieved) == 0 {
		return &domain.Answer{Text: abstainText, Abstained: true}, nil
	}

	messages := []ChatMessage{
		{Role: ChatRoleSystem, Content: composerSystemPrompt},
		{Role: ChatRoleUser, Content: buildComposerPrompt(question, retrieved)},
	}
	defs := make([]ToolDefinition, 0, len(s.tools))
	byName := make(map[string]Tool, len(s.tools))
	for _, t := range s.tools {
		def := t.Definition()
		defs = append(defs, def)
		byName[def.Name] = t
	}

	var invocations []domain.ToolInvocation

	// Bounded tool loop: an explicit invocation counter with a hard
	// ceiling, not open-ended recursion. Hitting the ceiling forces a
	// final answer from whatever context has been gathered.
	for len(invocations) < s.cfg.MaxToolCalls {
		result, err := s.chat.Complete(ctx, ChatRequest{Messages: messages, Tools: defs})
		if err != nil {
			log.Printf("composer: completion failed, abstaining: %v", err)
			telemetry.CaptureError(ctx, err)
			return &domain.Answer{Text: abstainText, Abstained: true}, invocations
		}
		if len(result.ToolCalls) == 0 {
			return s.finalize(ctx, result.Text, retrieved), invocations
		}

		messages = append(messages, ChatMessage{
			Role:      ChatRoleAssistant,
			Content:   result.Text,
			ToolCalls: result.ToolCalls,
		})
		for _, call := range result.ToolCalls {
			if len(invocations) >= s.cfg.MaxToolCalls {
				messages = append(messages, ChatMessage{
					Role:       ChatRoleTool,
					ToolCallID: call.ID,
					Content:    "tool budget exhausted",
				})
				continue
			}
			inv := s.invokeTool(ctx, byName, call)
			invocations = append(invocations, inv)
			content := inv.Result
			if inv.Err != "" {
				content = "tool error: " + inv.Err
			}
			messages = append(messages, ChatMessage{
				Role:       ChatRoleTool,
				ToolCallID: call.ID,
				Content:    content,
			})
		}
	}

	result, err := s.chat.Complete(ctx, ChatRequest{Messages: messages, DisableTools: true})
	if err != nil {
		log.Printf("composer: final completion failed, abstaining: %v", err)
		telemetry.CaptureError(ctx, err)
		return &domain.Answer{Text: abstainText, Abstained: true}, invocations
	}
	return s.finalize(ctx, result.Text, retrieved), invocations
}

func (s *ComposerService) invokeTool(ctx context.Context, byName map[string]Tool, call ChatToolCall) domain.ToolInvocation {
	inv := domain.ToolInvocation{Name: call.Name, Arguments: call.Arguments}

	tool, ok := byName[call.Name]
	if !ok {
		inv.Err = fmt.Sprintf("unknown tool %q", call.Name)
		log.Printf("composer: tool call %s: %s", call.Name, inv.Err)
		return inv
	}

	toolCtx := ctx
	if s.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, s.cfg.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := tool.Invoke(toolCtx, call.Arguments)
	inv.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		inv.Err = err.Error()
	} else {
		inv.Result = result
	}

	// Every invocation is audit-logged regardless of outcome.
	log.Printf("composer: tool=%s duration_ms=%d err=%q", call.Name, inv.DurationMS, inv.Err)
	return inv
}

// finalize parses citation markers out of the model's text and keeps
// only those resolving into the retrieved set. A marker outside the set
// is an invariant violation: it is dropped and logged, never shown.
func (s *ComposerService) finalize(ctx context.Context, text string, retrieved []RetrievedChunk) *domain.Answer {
	text = strings.TrimSpace(text)
	if text == "" {
		return &domain.Answer{Text: abstainText, Abstained: true}
	}

	indexes, invalid := parseCitationMarkers(text, len(retrieved))
	for _, n := range invalid {
		err := domain.NewDomainErrorWithCause(
			domain.ErrCodeInvariantViolation,
			fmt.Sprintf("answer cited excerpt %d, retrieved set has %d", n, len(retrieved)),
			domain.ErrUngroundedCitation,
		)
		log.Printf("composer: %v", err)
		telemetry.CaptureError(ctx, err)
	}

	citations := make([]domain.Citation, 0, len(indexes))
	for _, n := range indexes {
		c := retrieved[n-1].Chunk
		citations = append(citations, domain.Citation{
			ChunkID:        c.ID,
			ChatID:         c.ChatID,
			FirstMessageID: c.FirstMessageID,
			LastMessageID:  c.LastMessageID,
			TimeRangeStart: c.TimeRangeStart,
			TimeRangeEnd:   c.TimeRangeEnd,
		})
	}

	return &domain.Answer{Text: text, Citations: citations}
}

func buildComposerPrompt(question string, retrieved []RetrievedChunk) string {
	var b strings.Builder
	b.WriteString("Transcript excerpts:\n\n")
	for i, r := range retrieved {
		fmt.Fprintf(&b, "[%d] (%s to %s)\n%s\n\n",
			i+1,
			r.Chunk.TimeRangeStart.UTC().Format(time.RFC3339),
			r.Chunk.TimeRangeEnd.UTC().Format(time.RFC3339),
			r.Chunk.RenderedText,
		)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

var citationMarkerRe = regexp.MustCompile(`\[(\d+)\]`)

// parseCitationMarkers returns the distinct in-range citation indexes in
// first-appearance order, plus any out-of-range markers.
func parseCitationMarkers(text string, retrievedCount int) (valid []int, invalid []int) {
	seen := make(map[int]struct{})
	for _, m := range citationMarkerRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		if n >= 1 && n <= retrievedCount {
			valid = append(valid, n)
		} else {
			invalid = append(invalid, n)
		}
	}
	return valid, invalid
}
