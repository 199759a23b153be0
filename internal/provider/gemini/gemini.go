package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/types"
)

// Config configures the Gemini adapter.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Provider calls Google's Generative Language API for plain
// prompt/completion requests.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds a Gemini provider, applying defaults for BaseURL/Timeout.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *Provider) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
}

type geminiErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Call issues one generateContent request and maps the result into a
// types.LLMResponse, or a categorized *types.Error on failure.
func (p *Provider) Call(ctx context.Context, req *types.LLMRequest) (*types.LLMResponse, error) {
	start := time.Now()

	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{
			Temperature:     float32(req.Temperature),
			MaxOutputTokens: req.MaxTokens,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to encode gemini request").WithCause(err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimRight(p.cfg.BaseURL, "/"), p.cfg.Model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to build gemini request").WithCause(err)
	}
	httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewError(types.ErrTimeout, "gemini call timed out").WithRetryable(true).WithCause(err)
		}
		return nil, types.NewError(types.ErrServerError, "gemini call failed").WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrMsg(resp.Body)
		return nil, mapError(resp.StatusCode, msg)
	}

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, types.NewError(types.ErrMalformedResponse, "failed to decode gemini response").WithCause(err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return nil, types.NewError(types.ErrMalformedResponse, "gemini response had no candidates")
	}

	content := gr.Candidates[0].Content.Parts[0].Text

	promptTokens := types.EstimateTokens(req.Prompt)
	outputTokens := types.EstimateTokens(content)
	if gr.UsageMetadata != nil {
		promptTokens = gr.UsageMetadata.PromptTokenCount
		outputTokens = gr.UsageMetadata.CandidatesTokenCount
	}

	return &types.LLMResponse{
		RequestID:    req.ID,
		Content:      content,
		Provider:     p.Name(),
		PromptTokens: promptTokens,
		OutputTokens: outputTokens,
		Cost:         estimateCost(promptTokens, outputTokens),
		Latency:      time.Since(start),
	}, nil
}

// estimateCost uses a flat per-million-token rate representative of
// the gemini-flash tier; callers that need exact billing should read
// cost from their provider invoice, not this estimate.
func estimateCost(promptTokens, outputTokens int) float64 {
	const inputPerMillion = 0.075
	const outputPerMillion = 0.30
	return float64(promptTokens)/1e6*inputPerMillion + float64(outputTokens)/1e6*outputPerMillion
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var er geminiErrorResp
	if err := json.Unmarshal(data, &er); err == nil && er.Error.Message != "" {
		return fmt.Sprintf("%s (status: %s)", er.Error.Message, er.Error.Status)
	}
	return string(data)
}

func mapError(status int, msg string) *types.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewError(types.ErrAuth, msg).WithRetryable(false)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimit, msg).WithRetryable(true)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return types.NewError(types.ErrTimeout, msg).WithRetryable(true)
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return types.NewError(types.ErrServerError, msg).WithRetryable(true)
	default:
		if status >= 500 {
			return types.NewError(types.ErrServerError, msg).WithRetryable(true)
		}
		return types.NewError(types.ErrInvalidRequest, msg).WithRetryable(false)
	}
}
