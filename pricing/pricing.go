// Package pricing maps tool identifiers and usage facts to monetary cost.
//
// All functions are pure over their inputs and the static pricing table, so
// the same calculator serves both pre-run estimates and actual per-event
// costs with no drift between the two.
package pricing

import "math"

// Family identifies how a tool bills.
type Family string

const (
	// FamilyToken bills per million input/output tokens.
	FamilyToken Family = "token"
	// FamilyPerRequest bills a flat fee per remediation request.
	FamilyPerRequest Family = "per_request"
	// FamilyCredit bills agent sessions in abstract compute units.
	FamilyCredit Family = "credit"
)

// Pricing is one tool's entry in the static pricing table.
type Pricing struct {
	Family            Family
	Model             string
	InputPerMtokUSD   float64
	OutputPerMtokUSD  float64
	PerRequestUSD     float64
	CreditsPerSession float64
	PerCreditUSD      float64
}

// EstimatedInputTokensPerFinding is the rough prompt size for one finding
// (code context plus rule description).
const EstimatedInputTokensPerFinding = 1500

var table = map[string]Pricing{
	"anthropic": {Family: FamilyToken, Model: "claude-opus-4-6", InputPerMtokUSD: 5.00, OutputPerMtokUSD: 25.00},
	"openai":    {Family: FamilyToken, Model: "gpt-5.3-codex", InputPerMtokUSD: 1.75, OutputPerMtokUSD: 14.00},
	"gemini":    {Family: FamilyToken, Model: "gemini-3.1-pro-preview", InputPerMtokUSD: 1.25, OutputPerMtokUSD: 10.00},
	"copilot":   {Family: FamilyPerRequest, Model: "Copilot Autofix", PerRequestUSD: 0.04},
	"devin":     {Family: FamilyCredit, Model: "Devin (ACU-based)", CreditsPerSession: 0.09, PerCreditUSD: 2.00},
}

// Lookup returns the pricing table entry for a tool.
func Lookup(tool string) (Pricing, bool) {
	p, ok := table[tool]
	return p, ok
}

// Usage carries the facts a cost computation needs. Fields irrelevant to a
// tool's pricing family are ignored.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Requests     int
	Sessions     int
	Credits      float64
	Findings     int
	Files        int
}

// CostEstimate is a derived projection of what a tool would cost for a given
// usage. Never stored as authoritative truth; per-event actual cost is.
type CostEstimate struct {
	Tool             string  `json:"tool"`
	Model            string  `json:"model,omitempty"`
	PricingType      Family  `json:"pricing_type,omitempty"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	InputTokens      int64   `json:"estimated_input_tokens,omitempty"`
	OutputTokens     int64   `json:"estimated_output_tokens,omitempty"`
	Requests         int     `json:"requests,omitempty"`
	Sessions         int     `json:"sessions,omitempty"`
	EstimatedCredits float64 `json:"estimated_credits,omitempty"`
	Assumption       string  `json:"assumption,omitempty"`
}

// Estimate projects the cost of processing a set of findings with a tool.
//
// Token-based tools: input tokens default to findings x 1500 when not given;
// output tokens are assumed equal to input tokens, a stated heuristic rather
// than a silent guess. Per-request tools bill one request per
// finding. Credit-based tools bill one session per unique file (an agent
// amortizes context across findings in the same file), falling back to one
// per finding when the file count is unknown.
//
// Unknown tools yield a zero estimate, never an error: estimates are
// advisory.
func Estimate(tool string, u Usage) CostEstimate {
	p, ok := table[tool]
	if !ok {
		return CostEstimate{Tool: tool}
	}

	est := CostEstimate{Tool: tool, Model: p.Model, PricingType: p.Family}

	switch p.Family {
	case FamilyToken:
		in := u.InputTokens
		if in == 0 {
			in = int64(u.Findings) * EstimatedInputTokensPerFinding
		}
		out := u.OutputTokens
		if out == 0 {
			out = in // output assumed equal to input
		}
		est.InputTokens = in
		est.OutputTokens = out
		est.TotalCostUSD = round4(tokenCost(p, in, out))
		est.Assumption = "Output tokens assumed equal to input tokens"

	case FamilyPerRequest:
		reqs := u.Requests
		if reqs == 0 {
			reqs = u.Findings
		}
		est.Requests = reqs
		est.TotalCostUSD = round4(float64(reqs) * p.PerRequestUSD)

	case FamilyCredit:
		sessions := u.Sessions
		if sessions == 0 {
			if u.Files > 0 {
				sessions = u.Files
			} else {
				sessions = u.Findings
			}
		}
		est.Sessions = sessions
		est.EstimatedCredits = round2(float64(sessions) * p.CreditsPerSession)
		est.TotalCostUSD = round4(float64(sessions) * p.CreditsPerSession * p.PerCreditUSD)
		est.Assumption = "One session per unique file; findings in the same file share a session"
	}

	return est
}

// ActualCost computes the incurred cost for usage a backend actually
// reported. Unknown tools cost zero.
func ActualCost(tool string, u Usage) float64 {
	p, ok := table[tool]
	if !ok {
		return 0
	}

	switch p.Family {
	case FamilyToken:
		out := u.OutputTokens
		if out == 0 {
			out = u.InputTokens // output assumed equal to input when the backend omits it
		}
		return tokenCost(p, u.InputTokens, out)
	case FamilyPerRequest:
		return float64(u.Requests) * p.PerRequestUSD
	case FamilyCredit:
		if u.Credits > 0 {
			return u.Credits * p.PerCreditUSD
		}
		return float64(u.Sessions) * p.CreditsPerSession * p.PerCreditUSD
	}
	return 0
}

func tokenCost(p Pricing, in, out int64) float64 {
	return float64(in)/1e6*p.InputPerMtokUSD + float64(out)/1e6*p.OutputPerMtokUSD
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round2(v float64) float64 { return math.Round(v*1e2) / 1e2 }
