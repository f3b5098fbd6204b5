package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fixbench/orchestrator/domain"
)

// FindingClient fetches open security findings from the scan service.
type FindingClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFindingClient creates a finding source client.
func NewFindingClient(baseURL string, timeout time.Duration) *FindingClient {
	return &FindingClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type findingsResponse struct {
	Findings []domain.Finding `json:"findings"`
}

// Findings returns the open findings for a repo, optionally restricted to one
// scan and a severity set. Severity filtering happens client-side so older
// scan services that ignore the parameter behave identically.
func (c *FindingClient) Findings(ctx context.Context, repo, scanID string, severities []string) ([]domain.Finding, error) {
	q := url.Values{}
	q.Set("repo", repo)
	if scanID != "" {
		q.Set("scan_id", scanID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/findings?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch findings: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("finding API error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var result findingsResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return FilterBySeverity(result.Findings, severities), nil
}

// FilterBySeverity keeps findings whose severity is in the given set. An
// empty set keeps everything. Matching is case-insensitive.
func FilterBySeverity(findings []domain.Finding, severities []string) []domain.Finding {
	if len(severities) == 0 {
		return findings
	}
	want := make(map[string]bool, len(severities))
	for _, s := range severities {
		want[strings.ToLower(s)] = true
	}
	var out []domain.Finding
	for _, f := range findings {
		if want[strings.ToLower(f.Severity)] {
			out = append(out, f)
		}
	}
	return out
}
