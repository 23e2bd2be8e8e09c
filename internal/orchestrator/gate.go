// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/adiadia/secflow/internal/agent"
	"github.com/adiadia/secflow/internal/domain"
)

// Verdict is the quality gate's answer for one analysis attempt.
type Verdict struct {
	Pass        bool    `json:"pass"`
	Substantive int     `json:"substantive"`
	Expected    int     `json:"expected"`
	Ratio       float64 `json:"ratio"`
	Reason      string  `json:"reason,omitempty"`
}

// Gate judges aggregated analysis results. Implementations must be pure: the
// same input always yields the same verdict.
type Gate interface {
	Check(results domain.Payload, expected int) Verdict
}

// DefaultQualityThreshold lets two of three analyzers carry the phase.
const DefaultQualityThreshold = 0.6

// QualityGate passes when the share of analyzers that produced a substantive
// analysis reaches Threshold, and at least one did.
type QualityGate struct {
	Threshold float64
	// MinChars is the shortest analysis text that counts as substantive.
	MinChars int
}

func (g QualityGate) Check(results domain.Payload, expected int) Verdict {
	minChars := g.MinChars
	if minChars <= 0 {
		minChars = 1
	}
	if expected < len(results) {
		expected = len(results)
	}

	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	v := Verdict{Expected: expected}
	for _, k := range keys {
		out, ok := results[k].(map[string]any)
		if !ok {
			if p, isPayload := results[k].(domain.Payload); isPayload {
				out = p
			}
		}
		text, _ := out[agent.KeyAnalysis].(string)
		if len(strings.TrimSpace(text)) >= minChars {
			v.Substantive++
		}
	}

	if expected > 0 {
		v.Ratio = float64(v.Substantive) / float64(expected)
	}
	v.Pass = v.Substantive > 0 && v.Ratio >= g.Threshold
	if !v.Pass {
		v.Reason = fmt.Sprintf("%d of %d analyzers produced a usable analysis, need %.0f%%", v.Substantive, expected, g.Threshold*100)
	}
	return v
}
