// Package openai adapts the official openai-go SDK to the model.ChatClient
// contract.
package openai

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/procflow/procflow-go/process/model"
)

// Client implements model.ChatClient against OpenAI's chat completions API.
//
// Safe for concurrent use; the underlying SDK client handles its own
// connection pooling.
type Client struct {
	client *openai.Client
	model  string
}

// New creates an OpenAI chat client. modelName defaults to "gpt-4o-mini"
// when empty.
func New(apiKey, modelName string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("API key cannot be empty")
	}
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &client, model: modelName}, nil
}

// Chat sends the conversation to OpenAI and returns the completion.
func (c *Client) Chat(ctx context.Context, messages []model.Message, opts *model.ChatOptions) (model.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatResponse{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: convertMessages(messages),
	}
	if opts != nil {
		if opts.Temperature != nil {
			params.Temperature = openai.Float(*opts.Temperature)
		}
		if opts.MaxTokens > 0 {
			params.MaxTokens = openai.Int(int64(opts.MaxTokens))
		}
		if opts.JSONMode {
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
			}
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.ChatResponse{}, mapError(err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatResponse{}, &model.ProviderError{
			Code:    "api_error",
			Message: "no choices in OpenAI response",
		}
	}

	return model.ChatResponse{
		Content:     completion.Choices[0].Message.Content,
		TotalTokens: int(completion.Usage.TotalTokens),
	}, nil
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		case model.RoleAssistant:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		default:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				},
			})
		}
	}
	return out
}

// mapError classifies SDK errors into model.ProviderError.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.ProviderError{Code: "timeout", Message: "OpenAI request timed out", Retryable: true, Cause: err}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"), strings.Contains(lower, "too many requests"):
		return &model.ProviderError{Code: "rate_limited", Message: "OpenAI rate limit exceeded", Retryable: true, Cause: err}
	case strings.Contains(lower, "api key"), strings.Contains(lower, "401"), strings.Contains(lower, "unauthorized"), strings.Contains(lower, "authentication"):
		return &model.ProviderError{Code: "invalid_api_key", Message: "OpenAI API key is invalid or expired", Cause: err}
	case strings.Contains(lower, "quota"), strings.Contains(lower, "billing"):
		return &model.ProviderError{Code: "quota_exceeded", Message: "OpenAI quota exceeded", Cause: err}
	case strings.Contains(lower, "500"), strings.Contains(lower, "502"), strings.Contains(lower, "503"), strings.Contains(lower, "504"),
		strings.Contains(lower, "internal server error"), strings.Contains(lower, "service unavailable"):
		return &model.ProviderError{Code: "server_error", Message: "OpenAI server error", Retryable: true, Cause: err}
	case strings.Contains(lower, "connection"), strings.Contains(lower, "timeout"), strings.Contains(lower, "network"):
		return &model.ProviderError{Code: "network_error", Message: "network error calling OpenAI", Retryable: true, Cause: err}
	}
	return &model.ProviderError{Code: "api_error", Message: err.Error(), Cause: err}
}
