// Package policy evaluates run admission and failure handling rules with
// OPA, so benchmark policy lives in data rather than code.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the admission outcome for one tool in a run.
type Decision struct {
	Admit  bool
	Reason string
}

// Engine evaluates the benchmark policy.
type Engine struct {
	admit       rego.PreparedEvalQuery
	failureMode rego.PreparedEvalQuery
}

// NewEngine compiles the given rego policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	admit, err := rego.New(
		rego.Query("data.benchmark.decision"),
		rego.Module("benchmark.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare admission query: %w", err)
	}

	failureMode, err := rego.New(
		rego.Query("data.benchmark.failure_mode"),
		rego.Module("benchmark.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare failure mode query: %w", err)
	}

	return &Engine{admit: admit, failureMode: failureMode}, nil
}

// AdmitTool decides whether a tool participates in a run.
// Input keys: tool, repo, finding_count, file_count, severities.
func (e *Engine) AdmitTool(ctx context.Context, input map[string]interface{}) (Decision, error) {
	results, err := e.admit.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate admission policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Admit: true, Reason: "default"}, nil
	}

	val := results[0].Expressions[0].Value
	obj, ok := val.(map[string]interface{})
	if !ok {
		return Decision{Admit: true, Reason: "default"}, nil
	}

	d := Decision{Admit: true}
	if admit, ok := obj["admit"].(bool); ok {
		d.Admit = admit
	}
	if reason, ok := obj["reason"].(string); ok {
		d.Reason = reason
	}
	return d, nil
}

// FailureMode returns how a run reacts to a single tool failing: "tolerate"
// keeps the other tools running, "fail_fast" aborts the run.
func (e *Engine) FailureMode(ctx context.Context, input map[string]interface{}) (string, error) {
	results, err := e.failureMode.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate failure mode policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "tolerate", nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "tolerate", nil
}

// DefaultPolicy admits every known tool and tolerates individual tool
// failures. Operators override it to pin tool sets per repo or to force
// fail-fast runs.
const DefaultPolicy = `
package benchmark

default decision = {"admit": true, "reason": "default"}

default failure_mode = "tolerate"

# Example: keep credit-billed agents away from very large finding sets.
decision = {"admit": false, "reason": "finding set too large for credit billing"} {
	input.tool == "devin"
	input.finding_count > 200
}

failure_mode = "fail_fast" {
	input.fail_fast == true
}
`
