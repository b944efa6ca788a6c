// Package anthropic adapts the official anthropic-sdk-go SDK to the
// model.ChatClient contract.
package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/procflow/procflow-go/process/model"
)

const defaultMaxTokens = 4096

// Client implements model.ChatClient against the Anthropic Messages API.
type Client struct {
	client *anthropic.Client
	model  string
}

// New creates an Anthropic chat client.
func New(apiKey, modelName string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("API key cannot be empty")
	}
	if modelName == "" {
		return nil, errors.New("model cannot be empty")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &client, model: modelName}, nil
}

// Chat sends the conversation to Anthropic and returns the completion.
// System messages are lifted into the request-level system prompt; the
// Messages API does not accept a system role inside the turn list.
func (c *Client) Chat(ctx context.Context, messages []model.Message, opts *model.ChatOptions) (model.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatResponse{}, err
	}

	maxTokens := defaultMaxTokens
	if opts != nil && opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
	}
	if opts != nil && opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}

	var system []string
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, m.Content)
		case model.RoleAssistant:
			params.Messages = append(params.Messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatResponse{}, mapError(err)
	}

	var content strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return model.ChatResponse{
		Content:     content.String(),
		TotalTokens: int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}, nil
}

func mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.ProviderError{Code: "timeout", Message: "Anthropic request timed out", Retryable: true, Cause: err}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "401"), strings.Contains(lower, "403"), strings.Contains(lower, "authentication"), strings.Contains(lower, "api_key"):
		return &model.ProviderError{Code: "invalid_api_key", Message: "Anthropic API key is invalid or expired", Cause: err}
	case strings.Contains(lower, "429"), strings.Contains(lower, "rate_limit"), strings.Contains(lower, "too many requests"):
		return &model.ProviderError{Code: "rate_limited", Message: "Anthropic rate limit exceeded", Retryable: true, Cause: err}
	case strings.Contains(lower, "quota"), strings.Contains(lower, "billing"):
		return &model.ProviderError{Code: "quota_exceeded", Message: "Anthropic quota exceeded", Cause: err}
	case strings.Contains(lower, "overloaded"), strings.Contains(lower, "529"), strings.Contains(lower, "500"), strings.Contains(lower, "503"):
		return &model.ProviderError{Code: "server_error", Message: "Anthropic server error", Retryable: true, Cause: err}
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"):
		return &model.ProviderError{Code: "timeout", Message: "Anthropic request timed out", Retryable: true, Cause: err}
	}
	return &model.ProviderError{Code: "api_error", Message: err.Error(), Cause: err}
}
