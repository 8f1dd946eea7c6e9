// ABOUTME: OpenAI-compatible provider backed by langchaingo
// ABOUTME: Works against any chat-completions endpoint, OpenRouter by default

package provider

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/parleyhq/parley-gateway/internal/config"
	"github.com/parleyhq/parley-gateway/internal/store"
)

// OpenAI calls a chat-completions API through langchaingo. The zero value is
// not usable; construct with NewOpenAI.
type OpenAI struct {
	llm          *openai.LLM
	model        string
	systemPrompt string
	temperature  float64
	timeout      time.Duration
	logger       *slog.Logger
}

// NewOpenAI builds a provider from configuration. The API key is required;
// base URL selects the upstream (OpenRouter, OpenAI, or any compatible
// endpoint).
func NewOpenAI(cfg config.ProviderConfig) (*OpenAI, error) {
	llm, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
		openai.WithBaseURL(cfg.BaseURL),
	)
	if err != nil {
		return nil, &Error{Err: err}
	}

	return &OpenAI{
		llm:          llm,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		timeout:      cfg.Timeout,
		logger:       slog.Default().With("component", "provider", "model", cfg.Model),
	}, nil
}

// Generate implements Provider.
func (p *OpenAI) Generate(ctx context.Context, history []*store.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.llm.GenerateContent(ctx, buildMessages(p.systemPrompt, history),
		llms.WithTemperature(p.temperature),
	)
	if err != nil {
		return "", classifyErr(err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Retryable: true, Err: errors.New("response contained no choices")}
	}
	return resp.Choices[0].Content, nil
}

// GenerateStream implements Provider. Fragments are accumulated as they are
// relayed, so the returned reply is exactly the text the consumer saw.
func (p *OpenAI) GenerateStream(ctx context.Context, history []*store.Message, onFragment FragmentFunc) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var full strings.Builder
	var relayErr error

	_, err := p.llm.GenerateContent(ctx, buildMessages(p.systemPrompt, history),
		llms.WithTemperature(p.temperature),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			if ferr := onFragment(ctx, string(chunk)); ferr != nil {
				relayErr = ferr
				return ferr
			}
			full.Write(chunk)
			return nil
		}),
	)
	if relayErr != nil {
		return "", relayErr
	}
	if err != nil {
		return "", classifyErr(err)
	}

	p.logger.Debug("stream finished", "reply_bytes", full.Len())
	return full.String(), nil
}

// buildMessages converts stored history into the model's message format,
// with the system prompt (when set) always first.
func buildMessages(systemPrompt string, history []*store.Message) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case store.RoleAssistant:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeAI, m.Content))
		case store.RoleSystem:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		default:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		}
	}
	return msgs
}

// classifyErr wraps an upstream failure, marking timeouts, network errors,
// throttling, and server-side errors as retryable. The status-code checks
// match the error text produced by the langchaingo openai client.
func classifyErr(err error) *Error {
	retryable := false
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		retryable = true
	case errors.As(err, &netErr):
		retryable = true
	default:
		msg := err.Error()
		if strings.Contains(msg, "status code: 429") || strings.Contains(msg, "status code: 5") {
			retryable = true
		}
	}
	return &Error{Retryable: retryable, Err: err}
}

var _ Provider = (*OpenAI)(nil)
