package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// OpenAIClient generates announcement text through an OpenAI-compatible
// chat completion API. With a base URL it also fronts local servers that
// speak the same protocol (llama.cpp, LM Studio, Ollama's compat endpoint).
type OpenAIClient struct {
	name   string
	client oai.Client
	model  string
}

// NewOpenAIClient creates the hosted tier. apiKey must be set.
func NewOpenAIClient(apiKey, model string, timeout time.Duration) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	return newOpenAICompatible("openai", model, timeout, option.WithAPIKey(apiKey)), nil
}

// NewLocalClient creates a tier against a local OpenAI-compatible server.
func NewLocalClient(baseURL, model string, timeout time.Duration) (*OpenAIClient, error) {
	if baseURL == "" {
		return nil, errors.New("local llm: base url must not be empty")
	}
	return newOpenAICompatible("local", model, timeout,
		option.WithAPIKey("unused"),
		option.WithBaseURL(baseURL),
	), nil
}

func newOpenAICompatible(name, model string, timeout time.Duration, opts ...option.RequestOption) *OpenAIClient {
	if timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	return &OpenAIClient{name: name, client: oai.NewClient(opts...), model: model}
}

func (c *OpenAIClient) Name() string { return c.name }

// Generate implements LLMProvider.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(userPrompt(req)),
		},
	}
	params.Temperature = param.NewOpt(0.8)
	params.MaxCompletionTokens = param.NewOpt(int64(120))

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %s", ErrRateLimited, c.name)
		}
		return "", fmt.Errorf("%s: chat completion: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: empty response", c.name)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
