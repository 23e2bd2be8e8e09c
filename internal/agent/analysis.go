// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/adiadia/secflow/internal/domain"
)

const analysisMaxTokens = 1500

// ExecutionSummary condenses executor outputs for analyzers and for the
// fallback security score.
type ExecutionSummary struct {
	TotalTests      int       `json:"total_tests"`
	SuccessfulTests int       `json:"successful_tests"`
	FailedTests     int       `json:"failed_tests"`
	BlockedCommands int       `json:"blocked_commands"`
	TimedOutUnits   int       `json:"timed_out_units"`
	TestCoverage    []string  `json:"test_coverage"`
	Findings        []Finding `json:"vulnerabilities_found"`
}

// Finding marks an executor result whose output mentions a vulnerability.
type Finding struct {
	TestType string `json:"test_type"`
	Executor string `json:"executor"`
}

var findingMarkers = []string{"vulnerab", "injectable", "cve-"}

// Summarize builds an ExecutionSummary from executor phase results keyed by
// worker.
func Summarize(phases ...domain.Payload) ExecutionSummary {
	s := ExecutionSummary{TestCoverage: []string{}, Findings: []Finding{}}
	covered := map[string]bool{}

	for _, phase := range phases {
		keys := make([]string, 0, len(phase))
		for k := range phase {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, worker := range keys {
			out := mapOf(phase[worker])
			if out == nil {
				continue
			}
			results, err := Results(out)
			if err != nil {
				continue
			}
			executor, _ := out["agent"].(string)
			if executor == "" {
				executor = worker
			}

			for _, r := range results {
				s.TotalTests++
				units := r.Tally()
				s.BlockedCommands += units.Blocked
				s.TimedOutUnits += units.TimedOut

				// A test that ran but had no unit complete found nothing.
				if r.Status != domain.ExecCompleted || (units.Total() > 0 && units.Completed == 0) {
					s.FailedTests++
					continue
				}
				s.SuccessfulTests++
				if !covered[r.TestType] {
					covered[r.TestType] = true
					s.TestCoverage = append(s.TestCoverage, r.TestType)
				}
				if mentionsFinding(r) {
					s.Findings = append(s.Findings, Finding{TestType: r.TestType, Executor: executor})
				}
			}
		}
	}
	return s
}

func mentionsFinding(r domain.ExecutionResult) bool {
	var b strings.Builder
	if r.Code != nil && r.Code.Status == domain.ExecCompleted {
		b.WriteString(stringify(r.Code.Result))
	}
	for _, c := range r.Commands {
		if c.Status == domain.ExecCompleted {
			b.WriteString(c.Output)
		}
	}
	text := strings.ToLower(b.String())
	for _, m := range findingMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// AnalysisTask asks an analyzer to interpret the combined executor results.
// The analyzer's persona comes from its spec.
type AnalysisTask struct{}

func (AnalysisTask) Prompt(spec domain.AgentSpec, input domain.Payload) (Prompt, error) {
	summary, ok := input[KeyExecutionSummary]
	if !ok {
		summary = Summarize(payloadOf(input[KeyStaticResults]), payloadOf(input[KeyDynamicResults]))
	}

	system := baseSystemPrompt(spec) + `

You analyze the combined results of several executors. Cover how the findings
relate to each other, their business impact, plausible attack chains, a
prioritized remediation plan and the overall security maturity.`

	user := fmt.Sprintf(`Target: %s

Executor results summary:
%s

Analyze the results from these angles:
1. Risk: the real risk of each finding
2. Attack chains: how findings combine
3. Business impact
4. Remediation priority: immediate, short term, long term
5. Security score: current level out of 100

Reply with structured JSON.`, targetURL(input), prettyJSON(summary))

	return Prompt{System: system, User: user, MaxTokens: analysisMaxTokens}, nil
}

func (AnalysisTask) Parse(_ domain.AgentSpec, _ domain.Payload, reply Reply) (domain.Payload, error) {
	return domain.Payload{KeyAnalysis: strings.TrimSpace(reply.Text)}, nil
}

func payloadOf(v any) domain.Payload {
	if m := mapOf(v); m != nil {
		return m
	}
	return domain.Payload{}
}
