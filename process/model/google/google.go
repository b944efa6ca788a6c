// Package google adapts the generative-ai-go (Gemini) SDK to the
// model.ChatClient contract.
package google

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/procflow/procflow-go/process/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gemini-1.5-flash"

// Client implements model.ChatClient against the Gemini API.
type Client struct {
	client *genai.Client
	model  string
}

// New creates a Gemini chat client. Call Close when done.
func New(ctx context.Context, apiKey, modelName string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("API key cannot be empty")
	}
	if modelName == "" {
		modelName = DefaultModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &Client{client: client, model: modelName}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Chat sends the conversation to Gemini and returns the completion.
// System messages become the model's system instruction; the final user
// turn is the generation prompt, earlier turns travel as chat history.
func (c *Client) Chat(ctx context.Context, messages []model.Message, opts *model.ChatOptions) (model.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatResponse{}, err
	}

	gm := c.client.GenerativeModel(c.model)

	if opts != nil {
		if opts.Temperature != nil {
			gm.SetTemperature(float32(*opts.Temperature))
		}
		if opts.MaxTokens > 0 {
			gm.SetMaxOutputTokens(int32(opts.MaxTokens))
		}
		if opts.JSONMode {
			gm.ResponseMIMEType = "application/json"
		}
	}

	var system []string
	var turns []model.Message
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	if len(system) > 0 {
		gm.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))},
		}
	}
	if len(turns) == 0 {
		return model.ChatResponse{}, errors.New("no user messages to send")
	}

	session := gm.StartChat()
	for _, m := range turns[:len(turns)-1] {
		role := "user"
		if m.Role == model.RoleAssistant {
			role = "model"
		}
		session.History = append(session.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	resp, err := session.SendMessage(ctx, genai.Text(turns[len(turns)-1].Content))
	if err != nil {
		return model.ChatResponse{}, mapError(err)
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	var content strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if text, ok := part.(genai.Text); ok {
				content.WriteString(string(text))
			}
		}
	}

	return model.ChatResponse{Content: content.String(), TotalTokens: tokens}, nil
}

func mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.ProviderError{Code: "timeout", Message: "Gemini request timed out", Retryable: true, Cause: err}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "api key"), strings.Contains(lower, "authentication"), strings.Contains(lower, "unauthorized"):
		return &model.ProviderError{Code: "invalid_api_key", Message: "Gemini API key is invalid or missing", Cause: err}
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"), strings.Contains(lower, "resource_exhausted"):
		return &model.ProviderError{Code: "rate_limited", Message: "Gemini rate limit exceeded", Retryable: true, Cause: err}
	case strings.Contains(lower, "quota exceeded"), strings.Contains(lower, "billing"):
		return &model.ProviderError{Code: "quota_exceeded", Message: "Gemini quota exceeded", Cause: err}
	}
	return &model.ProviderError{Code: "api_error", Message: err.Error(), Retryable: true, Cause: err}
}
