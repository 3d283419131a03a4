package openai

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/quillstone/chatrecall/internal/service"
)

// DefaultChatModel is the OpenAI model used for answer composition
const DefaultChatModel = openai.GPT4oMini

// ChatClient wraps the OpenAI chat completion API behind the composer's
// chat capability contract, including tool calls.
type ChatClient struct {
	client *openai.Client
	model  string
}

func NewChatClient(apiKey, model string) *ChatClient {
	if model == "" {
		model = DefaultChatModel
	}
	return &ChatClient{client: openai.NewClient(apiKey), model: model}
}

// Complete performs one chat completion round.
func (c *ChatClient) Complete(ctx context.Context, req service.ChatRequest) (service.ChatResult, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	}
	if !req.DisableTools {
		for _, t := range req.Tools {
			chatReq.Tools = append(chatReq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return service.ChatResult{}, err
	}
	if len(resp.Choices) == 0 {
		return service.ChatResult{}, errors.New("no completion choices returned")
	}

	choice := resp.Choices[0]
	result := service.ChatResult{Text: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, service.ChatToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}
