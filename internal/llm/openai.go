package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"arbiter/internal/budget"
	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// OpenAIConfig configures one OpenAI-compatible endpoint.
type OpenAIConfig struct {
	ID        string
	Name      string
	Model     string
	BaseURL   string
	APIKey    string
	Headers   map[string]string
	Timeout   time.Duration
	Local     bool // endpoint runs on-prem; eligible for local-only tasks
	MaxTokens int
}

// openaiProvider speaks the OpenAI-compatible chat completions API.
type openaiProvider struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAIProvider constructs a provider for any OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg OpenAIConfig, logger logging.Logger) Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &openaiProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logging.OrNop(logger),
	}
}

func (p *openaiProvider) ID() string   { return p.cfg.ID }
func (p *openaiProvider) Name() string { return p.cfg.Name }

// CanHandle rejects local-only tasks unless the endpoint is local.
func (p *openaiProvider) CanHandle(task Task) bool {
	if task.RequiresLocalOnly && !p.cfg.Local {
		return false
	}
	return true
}

func (p *openaiProvider) EstimateCost(prompt string, maxTokens int) CostEstimate {
	inputTokens := budget.EstimateTokens(prompt)
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	return CostEstimate{
		InputTokens:  inputTokens,
		OutputTokens: maxTokens,
		Dollars:      budget.EstimateCost(p.cfg.Model, inputTokens, maxTokens),
	}
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *openaiProvider) Complete(ctx context.Context, systemPrompt string, messages []types.TaggedMessage, opts Options) (CompletionResult, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}

	oaiReq := map[string]any{
		"model":       p.cfg.Model,
		"messages":    convertMessages(systemPrompt, messages),
		"temperature": opts.Temperature,
		"max_tokens":  maxTokens,
		"stream":      false,
	}
	body, err := json.Marshal(oaiReq)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := p.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return CompletionResult{}, &FailureError{ProviderID: p.cfg.ID, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	for k, v := range p.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	p.logger.Debug("llm: POST %s model=%s messages=%d", endpoint, p.cfg.Model, len(messages)+1)

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return CompletionResult{}, &FailureError{ProviderID: p.cfg.ID, Err: err}
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return CompletionResult{}, &FailureError{ProviderID: p.cfg.ID, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return CompletionResult{}, &FailureError{
			ProviderID: p.cfg.ID,
			Err:        fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200)),
		}
	}

	parsed, err := parseResponse(raw)
	if err != nil {
		return CompletionResult{}, &FailureError{ProviderID: p.cfg.ID, Err: err}
	}
	if parsed.Error != nil {
		return CompletionResult{}, &FailureError{ProviderID: p.cfg.ID, Err: fmt.Errorf("api error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return CompletionResult{}, &FailureError{ProviderID: p.cfg.ID, Err: fmt.Errorf("empty choices")}
	}

	choice := parsed.Choices[0]
	model := parsed.Model
	if model == "" {
		model = p.cfg.Model
	}
	return CompletionResult{
		Content:      choice.Message.Content,
		Model:        model,
		ProviderID:   p.cfg.ID,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		CostUSD:      budget.EstimateCost(model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens),
		LatencyMS:    latency.Milliseconds(),
		StopReason:   mapStopReason(choice.FinishReason),
	}, nil
}

func (p *openaiProvider) Health(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return Health{Healthy: false, Detail: err.Error()}
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Health{Healthy: false, Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Health{Healthy: false, Detail: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return Health{Healthy: true}
}

// convertMessages maps tagged messages onto the OpenAI role channels: the
// constraint prompt and system-tagged messages go to the system role,
// external-sourced content becomes a user message wrapped in the data
// delimiters when ingestion has not wrapped it already.
func convertMessages(systemPrompt string, messages []types.TaggedMessage) []oaiMessage {
	out := make([]oaiMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, oaiMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		switch {
		case m.Source == types.SourceExternal:
			content := m.Content
			if !strings.HasPrefix(content, types.ExternalDataBegin) {
				content = types.ExternalDataBegin + "\n" + content + "\n" + types.ExternalDataEnd
			}
			out = append(out, oaiMessage{Role: "user", Content: content})
		case m.Role == types.RoleSystem:
			out = append(out, oaiMessage{Role: "system", Content: m.Content})
		case m.Role == types.RoleAssistant:
			out = append(out, oaiMessage{Role: "assistant", Content: m.Content})
		default:
			out = append(out, oaiMessage{Role: "user", Content: m.Content})
		}
	}
	return out
}

// parseResponse decodes the provider payload, repairing malformed JSON once
// before giving up. Some gateways stream-concatenate or truncate bodies.
func parseResponse(raw []byte) (*oaiResponse, error) {
	var parsed oaiResponse
	if err := json.Unmarshal(raw, &parsed); err == nil {
		return &parsed, nil
	}
	repaired, err := jsonrepair.JSONRepair(string(raw))
	if err != nil {
		return nil, fmt.Errorf("unparseable response: %s", truncate(string(raw), 200))
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return nil, fmt.Errorf("decode repaired response: %w", err)
	}
	return &parsed, nil
}

func mapStopReason(finish string) StopReason {
	switch finish {
	case "length", "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopSequence
	default:
		return StopEndTurn
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
