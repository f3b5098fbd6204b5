package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fixbench/orchestrator/driver"
	"github.com/fixbench/orchestrator/pricing"
)

// ModelClient generates fixes through an OpenAI-compatible chat completion
// proxy. One request covers one file group; the requesting tool's pricing
// table entry names the model.
type ModelClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewModelClient creates a model proxy client.
func NewModelClient(baseURL, apiKey string, timeout time.Duration) *ModelClient {
	return &ModelClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

type errorResponse struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

const fixSystemPrompt = "You are a security remediation assistant. " +
	"Produce a unified diff that fixes the listed findings without changing unrelated code. " +
	"Reply with the diff only."

// GenerateFix requests a patch for one file group.
func (c *ModelClient) GenerateFix(ctx context.Context, req *driver.FixRequest) (*driver.FixResult, error) {
	p, ok := pricing.Lookup(req.Tool)
	if !ok {
		return nil, fmt.Errorf("no model configured for tool %q", req.Tool)
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model: p.Model,
		Messages: []chatMessage{
			{Role: "system", Content: fixSystemPrompt},
			{Role: "user", Content: fixPrompt(req)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != nil {
			return nil, fmt.Errorf("model API error [%d]: %s (type: %s)", resp.StatusCode, errResp.Error.Message, errResp.Error.Type)
		}
		return nil, fmt.Errorf("model API error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var result chatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	fix := &driver.FixResult{
		Patch:     result.Choices[0].Message.Content,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if result.Usage != nil {
		fix.InputTokens = result.Usage.PromptTokens
		fix.OutputTokens = result.Usage.CompletionTokens
	} else {
		// Fall back to the estimation heuristic when the proxy strips usage.
		fix.InputTokens = int64(len(req.Findings)) * pricing.EstimatedInputTokensPerFinding
		fix.OutputTokens = fix.InputTokens
	}
	return fix, nil
}

func fixPrompt(req *driver.FixRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\nFile: %s\nFindings:\n", req.Repo, req.FilePath)
	for _, f := range req.Findings {
		fmt.Fprintf(&b, "- [%s] %s (lines %d-%d): %s\n", f.Severity, f.RuleID, f.StartLine, f.EndLine, f.Message)
		if f.RuleDescription != "" {
			fmt.Fprintf(&b, "  %s\n", f.RuleDescription)
		}
	}
	return b.String()
}
