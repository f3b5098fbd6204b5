package driver

import (
	"fmt"
	"time"

	"github.com/fixbench/orchestrator/pricing"
)

// Factory builds single-use drivers from shared backends. The pricing family
// of a tool decides its driver variant: token-billed tools get the
// synchronous batch driver, credit and per-request tools get the remote
// agent-session driver.
type Factory struct {
	Agent    AgentBackend
	Model    ModelBackend
	Repo     RepoWriter
	Verifier Verifier

	AgentPollInterval time.Duration
	AgentMaxWait      time.Duration
}

// New creates a fresh driver for one tool. Unknown tools are an error; the
// coordinator filters those out before work units are built.
func (f *Factory) New(tool string) (Driver, error) {
	p, ok := pricing.Lookup(tool)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", tool)
	}

	switch p.Family {
	case pricing.FamilyToken:
		if f.Model == nil || f.Repo == nil {
			return nil, fmt.Errorf("tool %q needs model and repo backends", tool)
		}
		return NewBatchDriver(tool, f.Model, f.Repo, f.Verifier), nil
	case pricing.FamilyCredit, pricing.FamilyPerRequest:
		if f.Agent == nil {
			return nil, fmt.Errorf("tool %q needs an agent backend", tool)
		}
		return NewAgentDriver(tool, f.Agent, f.Verifier, f.AgentPollInterval, f.AgentMaxWait), nil
	}
	return nil, fmt.Errorf("tool %q has unsupported pricing family %q", tool, p.Family)
}
