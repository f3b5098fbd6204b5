package driver

import (
	"context"

	"github.com/fixbench/orchestrator/domain"
)

// SessionState is the lifecycle state a remote agent session reports.
type SessionState string

const (
	SessionWorking        SessionState = "working"
	SessionWaitingForUser SessionState = "waiting_for_user"
	SessionFinished       SessionState = "finished"
	SessionFailed         SessionState = "failed"
	SessionSuspended      SessionState = "suspended"
)

// Terminal reports whether the session will make no further progress on its
// own. waiting_for_user counts as terminal: a benchmark run never answers.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionFinished, SessionFailed, SessionSuspended, SessionWaitingForUser:
		return true
	}
	return false
}

// SessionRequest asks an agent backend to remediate one group of findings.
type SessionRequest struct {
	Repo     string
	Branch   string
	FilePath string
	Findings []domain.Finding
}

// SessionStatus is a snapshot of a remote agent session.
type SessionStatus struct {
	SessionID   string
	State       SessionState
	CreditsUsed float64
	PullRequest string
	Detail      string
}

// AgentBackend is a remote autonomous agent that works a session to
// completion on its own infrastructure. The driver only creates sessions and
// polls them.
type AgentBackend interface {
	CreateSession(ctx context.Context, req *SessionRequest) (string, error)
	GetSession(ctx context.Context, sessionID string) (*SessionStatus, error)
	StopSession(ctx context.Context, sessionID string) error
}

// FixRequest asks a model backend to produce a patch for one file group. The
// tool selects which model serves the request.
type FixRequest struct {
	Tool     string
	Repo     string
	FilePath string
	Findings []domain.Finding
}

// FixResult is a generated patch plus the usage the backend reported for it.
type FixResult struct {
	Patch        string
	Summary      string
	InputTokens  int64
	OutputTokens int64
	LatencyMs    int64
}

// ModelBackend generates fixes synchronously, one request per file group.
type ModelBackend interface {
	GenerateFix(ctx context.Context, req *FixRequest) (*FixResult, error)
}

// RepoWriter applies generated patches to the repository under benchmark.
type RepoWriter interface {
	CreateBranch(ctx context.Context, repo, branch string) error
	CommitFix(ctx context.Context, repo, branch, filePath, patch, message string) error
}

// Verifier re-checks a remediated file and reports whether the findings are
// gone. Optional; drivers skip verification events when it is nil.
type Verifier interface {
	Verify(ctx context.Context, repo, branch, filePath string, findings []domain.Finding) (bool, error)
}
