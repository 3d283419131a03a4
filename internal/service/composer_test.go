package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstone/chatrecall/internal/domain"
)

// stubChatClient replays a scripted sequence of completion results and
// records every request it saw.
type stubChatClient struct {
	results  []ChatResult
	errs     []error
	requests []ChatRequest
}

func (c *stubChatClient) Complete(ctx context.Context, req ChatRequest) (ChatResult, error) {
	c.requests = append(c.requests, req)
	i := len(c.requests) - 1
	if i < len(c.errs) && c.errs[i] != nil {
		return ChatResult{}, c.errs[i]
	}
	if i >= len(c.results) {
		return ChatResult{}, fmt.Errorf("unscripted completion call %d", i)
	}
	return c.results[i], nil
}

type stubTool struct {
	name    string
	result  string
	err     error
	invoked []string
}

func (t *stubTool) Definition() ToolDefinition {
	return ToolDefinition{Name: t.name, Description: "test tool"}
}

func (t *stubTool) Invoke(ctx context.Context, args string) (string, error) {
	t.invoked = append(t.invoked, args)
	return t.result, t.err
}

func retrievedSet(n int) []RetrievedChunk {
	base := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	out := make([]RetrievedChunk, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, RetrievedChunk{
			Chunk: domain.Chunk{
				ID:             fmt.Sprintf("chunk-%d", i+1),
				ChatID:         -100500,
				FirstMessageID: int64(i*10 + 1),
				LastMessageID:  int64(i*10 + 9),
				TimeRangeStart: base.Add(time.Duration(i) * time.Hour),
				TimeRangeEnd:   base.Add(time.Duration(i)*time.Hour + 30*time.Minute),
				RenderedText:   fmt.Sprintf("excerpt %d", i+1),
			},
			Score: 0.9 - float32(i)*0.1,
		})
	}
	return out
}

func TestComposerService_Compose_EmptyRetrievalAbstains(t *testing.T) {
	chat := &stubChatClient{}
	svc := NewComposerService(chat, nil, DefaultComposerConfig())

	answer, invocations := svc.Compose(context.Background(), "anything?", nil)

	assert.True(t, answer.Abstained)
	assert.Equal(t, "No relevant history found for this question.", answer.Text)
	assert.Empty(t, answer.Citations)
	assert.Empty(t, invocations)
	assert.Empty(t, chat.requests, "no model call for empty retrieval")
}

func TestComposerService_Compose_DirectAnswer(t *testing.T) {
	chat := &stubChatClient{
		results: []ChatResult{{Text: "Alice fixed the build on Friday [1], confirmed by Bob [2]."}},
	}
	svc := NewComposerService(chat, nil, DefaultComposerConfig())
	retrieved := retrievedSet(2)

	answer, invocations := svc.Compose(context.Background(), "who fixed the build?", retrieved)

	require.False(t, answer.Abstained)
	assert.Empty(t, invocations)
	require.Len(t, answer.Citations, 2)
	assert.Equal(t, "chunk-1", answer.Citations[0].ChunkID)
	assert.Equal(t, "chunk-2", answer.Citations[1].ChunkID)
	assert.Equal(t, retrieved[0].Chunk.FirstMessageID, answer.Citations[0].FirstMessageID)

	require.Len(t, chat.requests, 1)
	req := chat.requests[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, ChatRoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[1].Content, "[1] (2026-08-30T14:00:00Z to 2026-08-30T14:30:00Z)")
	assert.Contains(t, req.Messages[1].Content, "excerpt 1")
	assert.Contains(t, req.Messages[1].Content, "Question: who fixed the build?")
}

func TestComposerService_Compose_UngroundedCitationsDropped(t *testing.T) {
	chat := &stubChatClient{
		results: []ChatResult{{Text: "It was decided in [2], see also [7] and [2] again [0]."}},
	}
	svc := NewComposerService(chat, nil, DefaultComposerConfig())

	answer, _ := svc.Compose(context.Background(), "what was decided?", retrievedSet(3))

	require.False(t, answer.Abstained)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "chunk-2", answer.Citations[0].ChunkID)
	// The text itself is untouched; only the citation list is filtered.
	assert.Contains(t, answer.Text, "[7]")
}

func TestComposerService_Compose_EmptyTextAbstains(t *testing.T) {
	chat := &stubChatClient{results: []ChatResult{{Text: "   \n "}}}
	svc := NewComposerService(chat, nil, DefaultComposerConfig())

	answer, _ := svc.Compose(context.Background(), "question", retrievedSet(1))

	assert.True(t, answer.Abstained)
	assert.Empty(t, answer.Citations)
}

func TestComposerService_Compose_CompletionFailureAbstains(t *testing.T) {
	chat := &stubChatClient{errs: []error{errors.New("model overloaded")}}
	svc := NewComposerService(chat, nil, DefaultComposerConfig())

	answer, invocations := svc.Compose(context.Background(), "question", retrievedSet(1))

	assert.True(t, answer.Abstained)
	assert.Empty(t, invocations)
}

func TestComposerService_Compose_ToolLoop(t *testing.T) {
	tool := &stubTool{name: "web_search", result: "go 1.25 released august 2026"}
	chat := &stubChatClient{
		results: []ChatResult{
			{ToolCalls: []ChatToolCall{{ID: "call-1", Name: "web_search", Arguments: `{"query":"go release"}`}}},
			{Text: "The release discussed in [1] shipped in August 2026."},
		},
	}
	svc := NewComposerService(chat, []Tool{tool}, DefaultComposerConfig())

	answer, invocations := svc.Compose(context.Background(), "when did it ship?", retrievedSet(1))

	require.False(t, answer.Abstained)
	require.Len(t, invocations, 1)
	assert.Equal(t, "web_search", invocations[0].Name)
	assert.Equal(t, "go 1.25 released august 2026", invocations[0].Result)
	assert.Empty(t, invocations[0].Err)
	assert.Equal(t, []string{`{"query":"go release"}`}, tool.invoked)

	require.Len(t, chat.requests, 2)
	second := chat.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, ChatRoleTool, last.Role)
	assert.Equal(t, "call-1", last.ToolCallID)
	assert.Equal(t, "go 1.25 released august 2026", last.Content)
}

func TestComposerService_Compose_ToolErrorRecorded(t *testing.T) {
	tool := &stubTool{name: "web_search", err: errors.New("upstream 502")}
	chat := &stubChatClient{
		results: []ChatResult{
			{ToolCalls: []ChatToolCall{{ID: "call-1", Name: "web_search", Arguments: "{}"}}},
			{Text: "Could not verify externally; the chat says it shipped [1]."},
		},
	}
	svc := NewComposerService(chat, []Tool{tool}, DefaultComposerConfig())

	answer, invocations := svc.Compose(context.Background(), "question", retrievedSet(1))

	require.False(t, answer.Abstained)
	require.Len(t, invocations, 1)
	assert.Equal(t, "upstream 502", invocations[0].Err)

	last := chat.requests[1].Messages[len(chat.requests[1].Messages)-1]
	assert.Equal(t, "tool error: upstream 502", last.Content)
}

func TestComposerService_Compose_UnknownToolRecorded(t *testing.T) {
	chat := &stubChatClient{
		results: []ChatResult{
			{ToolCalls: []ChatToolCall{{ID: "call-1", Name: "teleport", Arguments: "{}"}}},
			{Text: "Answer [1]."},
		},
	}
	svc := NewComposerService(chat, nil, DefaultComposerConfig())

	_, invocations := svc.Compose(context.Background(), "question", retrievedSet(1))

	require.Len(t, invocations, 1)
	assert.Contains(t, invocations[0].Err, "unknown tool")
}

func TestComposerService_Compose_ToolBudgetForcesFinalAnswer(t *testing.T) {
	tool := &stubTool{name: "web_search", result: "more context"}
	loopingCall := ChatResult{ToolCalls: []ChatToolCall{{ID: "call", Name: "web_search", Arguments: "{}"}}}
	chat := &stubChatClient{
		results: []ChatResult{
			loopingCall,
			loopingCall,
			{Text: "Best effort answer [1]."},
		},
	}
	svc := NewComposerService(chat, []Tool{tool}, ComposerConfig{MaxToolCalls: 2, ToolTimeout: time.Second})

	answer, invocations := svc.Compose(context.Background(), "question", retrievedSet(1))

	require.False(t, answer.Abstained)
	assert.Len(t, invocations, 2)
	require.Len(t, chat.requests, 3)
	assert.False(t, chat.requests[0].DisableTools)
	assert.False(t, chat.requests[1].DisableTools)
	assert.True(t, chat.requests[2].DisableTools, "final completion must not offer tools")
	require.Len(t, answer.Citations, 1)
}

func TestComposerService_Compose_FinalCompletionFailureAbstains(t *testing.T) {
	tool := &stubTool{name: "web_search", result: "context"}
	loopingCall := ChatResult{ToolCalls: []ChatToolCall{{ID: "call", Name: "web_search", Arguments: "{}"}}}
	chat := &stubChatClient{
		results: []ChatResult{loopingCall},
		errs:    []error{nil, errors.New("model overloaded")},
	}
	svc := NewComposerService(chat, []Tool{tool}, ComposerConfig{MaxToolCalls: 1, ToolTimeout: time.Second})

	answer, invocations := svc.Compose(context.Background(), "question", retrievedSet(1))

	assert.True(t, answer.Abstained)
	assert.Len(t, invocations, 1)
}

func TestParseCitationMarkers(t *testing.T) {
	valid, invalid := parseCitationMarkers("see [2] then [1], [2] again, [9] and [0]", 3)
	assert.Equal(t, []int{2, 1}, valid)
	assert.Equal(t, []int{9, 0}, invalid)

	valid, invalid = parseCitationMarkers("no markers here", 3)
	assert.Empty(t, valid)
	assert.Empty(t, invalid)
}
