package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sentrycore/vms-core/internal/core/config"
	"github.com/sentrycore/vms-core/internal/core/errs"
)

// RiskData is the LLM's structured risk assessment, pre- or post-validation.
type RiskData struct {
	RiskScore int    `json:"risk_score"`
	RiskLevel string `json:"risk_level"`
	Summary   string `json:"summary"`
	Reasoning string `json:"reasoning"`
}

// FallbackRiskData is used whenever the LLM call fails outright or the
// completion cannot be parsed (§4.2: "Never crashes the worker").
func FallbackRiskData(reason string) RiskData {
	return RiskData{
		RiskScore: 50,
		RiskLevel: "medium",
		Summary:   "Analysis unavailable - LLM service error",
		Reasoning: "Failed to analyze detections due to service error: " + reason,
	}
}

// llmClient is the Nemotron completion/streaming/health HTTP integration
// (§4.2/§4.3/§6), modeled on detector.Client/sfu.Client's stdlib
// net/http wrapping.
type llmClient struct {
	cfg        config.AI
	httpClient *http.Client
}

func newLLMClient(cfg config.AI) *llmClient {
	return &llmClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.ConnectTimeout() + cfg.NemotronReadTimeout(),
		},
	}
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	MaxTokens   int      `json:"max_tokens"`
	Stop        []string `json:"stop"`
	Stream      bool     `json:"stream,omitempty"`
}

type completionResponse struct {
	Content string `json:"content"`
}

func (c *llmClient) authHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.NemotronAPIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.NemotronAPIKey)
	}
}

func (c *llmClient) buildRequest(prompt string, stream bool) completionRequest {
	maxTokens := c.cfg.NemotronMaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return completionRequest{
		Prompt:      prompt,
		Temperature: 0.7,
		TopP:        0.95,
		MaxTokens:   maxTokens,
		Stop:        []string{"<|im_end|>", "<|im_start|>"},
		Stream:      stream,
	}
}

func (c *llmClient) healthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.NemotronHealthTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.NemotronURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// complete performs a single non-streaming /completion call, classifying
// failures into the retryable LLM_* error kinds §4.6 routes on.
func (c *llmClient) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(c.buildRequest(prompt, false))
	if err != nil {
		return "", errs.ValueError("failed to encode completion request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.NemotronURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", errs.ValueError("failed to build completion request", err)
	}
	c.authHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return "", errs.LLMTimeout(err)
		}
		return "", errs.LLMConnectionError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", errs.LLMServerError(fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", errs.ValueError(fmt.Sprintf("LLM rejected request: status %d", resp.StatusCode), nil)
	}

	var parsed completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errs.New(errs.KindParse, "PARSE_ERROR", "failed to parse completion response", err)
	}
	if parsed.Content == "" {
		return "", errs.New(errs.KindParse, "PARSE_ERROR", "empty completion from LLM", nil)
	}
	return parsed.Content, nil
}

// streamChunks performs a streaming /completion call, invoking onChunk for
// each non-empty "data: " line's content field, per §4.3/§6's SSE shape.
func (c *llmClient) streamChunks(ctx context.Context, prompt string, onChunk func(content string)) error {
	body, err := json.Marshal(c.buildRequest(prompt, true))
	if err != nil {
		return errs.ValueError("failed to encode completion request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.NemotronURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return errs.ValueError("failed to build completion request", err)
	}
	c.authHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return errs.LLMTimeout(err)
		}
		return errs.LLMConnectionError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errs.LLMServerError(fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return errs.ValueError(fmt.Sprintf("LLM rejected request: status %d", resp.StatusCode), nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}
		var chunk completionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Content != "" {
			onChunk(chunk.Content)
		}
	}
	return scanner.Err()
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
