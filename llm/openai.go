package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIOptions configures an OpenAI-compatible endpoint.
type OpenAIOptions struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// OpenAICaller talks to any OpenAI-compatible chat completion API.
type OpenAICaller struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAICaller creates a caller. Timeouts are owned here, never by the engine.
func NewOpenAICaller(opts OpenAIOptions) *OpenAICaller {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	} else if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	model := opts.DefaultModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAICaller{client: openai.NewClientWithConfig(cfg), defaultModel: model}
}

func (c *OpenAICaller) request(messages []Message, params Params, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:            c.defaultModel,
		MaxTokens:        params.MaxTokens,
		Stop:             params.Stop,
		PresencePenalty:  params.PresencePenalty,
		FrequencyPenalty: params.FrequencyPenalty,
		Stream:           stream,
	}
	if params.Model != "" {
		req.Model = params.Model
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return req
}

// Invoke implements Caller.
func (c *OpenAICaller) Invoke(ctx context.Context, messages []Message, params Params) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(messages, params, false))
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream implements Caller.
func (c *OpenAICaller) Stream(ctx context.Context, messages []Message, params Params) (Stream, error) {
	s, err := c.client.CreateChatCompletionStream(ctx, c.request(messages, params, true))
	if err != nil {
		return nil, fmt.Errorf("chat completion stream failed: %w", err)
	}
	return &openAIStream{stream: s}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

// Recv skips frames without content (role headers, usage) and passes io.EOF through.
func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
