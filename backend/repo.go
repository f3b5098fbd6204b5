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
)

// RepoClient writes branches and commits through the repository service.
type RepoClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRepoClient creates a repository service client.
func NewRepoClient(baseURL string, timeout time.Duration) *RepoClient {
	return &RepoClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type createBranchRequest struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

type commitFixRequest struct {
	Repo     string `json:"repo"`
	Branch   string `json:"branch"`
	FilePath string `json:"file_path"`
	Patch    string `json:"patch"`
	Message  string `json:"message"`
}

// CreateBranch creates a branch off the repo's default branch. An existing
// branch with the same name is not an error.
func (c *RepoClient) CreateBranch(ctx context.Context, repo, branch string) error {
	err := c.post(ctx, "/v1/branches", createBranchRequest{Repo: repo, Branch: branch})
	if err != nil {
		return fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	return nil
}

// CommitFix applies a patch to one file on a branch.
func (c *RepoClient) CommitFix(ctx context.Context, repo, branch, filePath, patch, message string) error {
	err := c.post(ctx, "/v1/commits", commitFixRequest{
		Repo:     repo,
		Branch:   branch,
		FilePath: filePath,
		Patch:    patch,
		Message:  message,
	})
	if err != nil {
		return fmt.Errorf("failed to commit fix for %s: %w", filePath, err)
	}
	return nil
}

func (c *RepoClient) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("repo API error [%d]: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
