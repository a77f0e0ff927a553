package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/kiraec123-web/tarro-coffee-nyc/internal/order"
)

// Client streams cashier replies from an OpenAI-compatible chat completions API.
type Client struct {
	client openai.Client
	model  string
	apiKey string
}

// NewClient constructs a streaming chat client. baseURL may be empty for the
// default OpenAI endpoint.
func NewClient(apiKey, baseURL, model string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{client: openai.NewClient(opts...), model: model, apiKey: apiKey}
}

// buildMessages maps conversation turns onto chat messages. The model-visible
// history must begin with a customer turn, so a synthetic leading cashier turn
// (the greeting) is dropped. Cashier turns contribute their raw text so the
// model sees any receipt block it previously produced.
func buildMessages(system string, history []order.ConversationTurn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	msgs = append(msgs, openai.SystemMessage(system))
	if len(history) > 0 && history[0].Role == order.RoleCashier {
		history = history[1:]
	}
	for _, t := range history {
		switch t.Role {
		case order.RoleCustomer:
			msgs = append(msgs, openai.UserMessage(t.RawText))
		case order.RoleCashier:
			msgs = append(msgs, openai.AssistantMessage(t.RawText))
		}
	}
	return msgs
}

// Stream opens a streaming completion over the history and calls onDelta for
// every text fragment as it arrives. It returns the accumulated full text once
// the stream closes. A cancelled context aborts the call and suppresses further
// deltas.
func (c *Client) Stream(ctx context.Context, system string, history []order.ConversationTurn, onDelta func(delta string)) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("openai api key missing")
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: buildMessages(system, history),
	})
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		if ctx.Err() != nil {
			return full.String(), ctx.Err()
		}
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return full.String(), fmt.Errorf("chat stream: %w", err)
	}
	return strings.TrimSpace(full.String()), nil
}
