package translator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"pdf-translator/internal/document"
	"pdf-translator/internal/logger"
)

// FinishReason 翻译终止原因
type FinishReason string

const (
	FinishComplete          FinishReason = "complete"
	FinishLengthCap         FinishReason = "length_cap"
	FinishSafetyBlocked     FinishReason = "safety_blocked"
	FinishRecitationBlocked FinishReason = "recitation_blocked"
	FinishOtherBlocked      FinishReason = "other_blocked"
)

// Blocked reports whether the reason is non-retryable for this exact text
func (r FinishReason) Blocked() bool {
	switch r {
	case FinishSafetyBlocked, FinishRecitationBlocked, FinishOtherBlocked:
		return true
	default:
		return false
	}
}

// Request is one translation call
type Request struct {
	Text               string
	SourceLanguageHint string
	TargetLanguage     string
	Model              string
	Temperature        float32
	SystemInstructions string
}

// Response is the endpoint's answer
type Response struct {
	TranslatedText string
	FinishReason   FinishReason
	UsageTokens    int
}

// Endpoint abstracts the translation backend; tests inject fakes
type Endpoint interface {
	Translate(ctx context.Context, req Request) (*Response, error)
}

// EinoEndpoint talks to an OpenAI-compatible endpoint through eino chat
// models, one cached model handle per model identifier.
type EinoEndpoint struct {
	apiKey  string
	baseURL string
	timeout time.Duration

	mu     sync.Mutex
	models map[string]model.ToolCallingChatModel
}

// NewEinoEndpoint creates the endpoint client
func NewEinoEndpoint(apiKey, baseURL string, timeout time.Duration) *EinoEndpoint {
	return &EinoEndpoint{
		apiKey:  apiKey,
		baseURL: baseURL,
		timeout: timeout,
		models:  make(map[string]model.ToolCallingChatModel),
	}
}

func (e *EinoEndpoint) chatModel(ctx context.Context, name string, temperature float32) (model.ToolCallingChatModel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.models[name]; ok {
		return m, nil
	}
	cfg := &openai.ChatModelConfig{
		Model:  name,
		APIKey: e.apiKey,
	}
	if e.baseURL != "" {
		cfg.BaseURL = e.baseURL
	}
	temp := temperature
	cfg.Temperature = &temp

	m, err := openai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, document.NewError(document.ErrEndpointUnreachable, "cannot create chat model", err)
	}
	e.models[name] = m
	return m, nil
}

// Translate performs one translation call and normalizes the finish reason
func (e *EinoEndpoint) Translate(ctx context.Context, req Request) (*Response, error) {
	m, err := e.chatModel(ctx, req.Model, req.Temperature)
	if err != nil {
		return nil, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	messages := []*schema.Message{
		schema.SystemMessage(req.SystemInstructions),
		schema.UserMessage(req.Text),
	}

	start := time.Now()
	out, err := m.Generate(ctx, messages)
	if err != nil {
		return nil, classifyEndpointError(err)
	}

	resp := &Response{
		TranslatedText: out.Content,
		FinishReason:   FinishComplete,
	}
	if out.ResponseMeta != nil {
		resp.FinishReason = mapFinishReason(out.ResponseMeta.FinishReason)
		if out.ResponseMeta.Usage != nil {
			resp.UsageTokens = out.ResponseMeta.Usage.TotalTokens
		}
	}

	logger.Debug("translation call finished",
		logger.String("model", req.Model),
		logger.String("finish_reason", string(resp.FinishReason)),
		logger.Int("usage_tokens", resp.UsageTokens),
		logger.Duration("elapsed", time.Since(start)))

	if resp.FinishReason.Blocked() {
		return resp, document.NewErrorWithDetails(document.ErrEndpointBlocked,
			"endpoint refused the text", string(resp.FinishReason), nil)
	}
	return resp, nil
}

// mapFinishReason normalizes provider finish reasons
func mapFinishReason(raw string) FinishReason {
	switch strings.ToLower(raw) {
	case "", "stop", "complete", "end_turn":
		return FinishComplete
	case "length", "max_tokens", "length_cap":
		return FinishLengthCap
	case "content_filter", "safety":
		return FinishSafetyBlocked
	case "recitation":
		return FinishRecitationBlocked
	default:
		return FinishOtherBlocked
	}
}

// classifyEndpointError separates rate limiting from transient transport
// failures so the retry policy can treat them differently.
func classifyEndpointError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit"):
		return document.NewError(document.ErrRateLimited, "endpoint rate limited", err)
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout"):
		return document.NewError(document.ErrEndpointTransient, "endpoint call timed out", err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "no such host") || strings.Contains(msg, "dial"):
		return document.NewError(document.ErrEndpointUnreachable, "endpoint unreachable", err)
	default:
		return document.NewError(document.ErrEndpointTransient, "endpoint call failed", err)
	}
}
