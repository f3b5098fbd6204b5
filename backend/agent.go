// Package backend implements the HTTP clients behind the driver and
// coordinator interfaces: the remote agent session API, the model proxy, the
// repository service, and the finding source.
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
)

// AgentClient talks to a remote autonomous-agent session API.
type AgentClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAgentClient creates an agent session client.
func NewAgentClient(baseURL, apiKey string, timeout time.Duration) *AgentClient {
	return &AgentClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type createSessionRequest struct {
	Prompt string `json:"prompt"`
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type sessionStatusResponse struct {
	SessionID      string  `json:"session_id"`
	StatusEnum     string  `json:"status_enum"`
	AcusUsed       float64 `json:"acus_used"`
	PullRequestURL string  `json:"pull_request_url,omitempty"`
	StatusMessage  string  `json:"status_message,omitempty"`
}

// CreateSession starts a remediation session for one file group.
func (c *AgentClient) CreateSession(ctx context.Context, req *driver.SessionRequest) (string, error) {
	body, err := json.Marshal(createSessionRequest{
		Prompt: remediationPrompt(req),
		Repo:   req.Repo,
		Branch: req.Branch,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("agent API error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var result createSessionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if result.SessionID == "" {
		return "", fmt.Errorf("agent API returned no session id")
	}
	return result.SessionID, nil
}

// GetSession fetches a session's status snapshot.
func (c *AgentClient) GetSession(ctx context.Context, sessionID string) (*driver.SessionStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sessions/"+sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent API error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var result sessionStatusResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &driver.SessionStatus{
		SessionID:   result.SessionID,
		State:       mapSessionState(result.StatusEnum),
		CreditsUsed: result.AcusUsed,
		PullRequest: result.PullRequestURL,
		Detail:      result.StatusMessage,
	}, nil
}

// StopSession asks the backend to stop a session. Best effort.
func (c *AgentClient) StopSession(ctx context.Context, sessionID string) error {
	body := []byte(`{"message": "stop: benchmark run ended"}`)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions/"+sessionID+"/stop", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agent API error [%d]: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// mapSessionState normalizes backend status strings into the driver's state
// vocabulary. Unknown states count as still working so the max-wait deadline
// decides.
func mapSessionState(status string) driver.SessionState {
	switch strings.ToLower(status) {
	case "finished", "exit", "blocked_on_pr":
		return driver.SessionFinished
	case "error", "failed":
		return driver.SessionFailed
	case "suspended":
		return driver.SessionSuspended
	case "waiting_for_user", "blocked":
		return driver.SessionWaitingForUser
	default:
		return driver.SessionWorking
	}
}

// remediationPrompt renders the instruction an agent session receives for one
// file group.
func remediationPrompt(req *driver.SessionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix the following %d security findings in %s of repository %s.\n", len(req.Findings), req.FilePath, req.Repo)
	fmt.Fprintf(&b, "Commit your fixes to branch %s. Do not change unrelated code.\n\n", req.Branch)
	for _, f := range req.Findings {
		fmt.Fprintf(&b, "- [%s] %s (lines %d-%d): %s\n", f.Severity, f.RuleID, f.StartLine, f.EndLine, f.Message)
	}
	return b.String()
}

func (c *AgentClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
