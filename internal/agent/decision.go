// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/adiadia/secflow/internal/domain"
)

const (
	ScoreFromModel   = "model"
	ScoreFromResults = "derived"

	decisionMaxTokens = 2000
)

// DecisionTask produces the final report from the analyzers' outputs.
type DecisionTask struct{}

func (DecisionTask) Prompt(spec domain.AgentSpec, input domain.Payload) (Prompt, error) {
	analyses := mapOf(input[KeyAnalysisResults])
	if len(analyses) == 0 {
		return Prompt{}, fmt.Errorf("no analysis results")
	}

	names := make([]string, 0, len(analyses))
	for name := range analyses {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		text := analysisText(analyses[name])
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", name, text)
	}

	system := baseSystemPrompt(spec) + `

You make the final call on a security assessment after reading every
analyzer's report.`

	user := fmt.Sprintf(`Target: %s

Execution summary:
%s

Analyzer reports:
%s
Reply with a JSON object:
{"final_security_score": 0-100, "critical_issues": ["..."], "recommendations": ["..."], "final_report": "..."}`,
		targetURL(input), prettyJSON(input[KeyExecutionSummary]), b.String())

	return Prompt{System: system, User: user, MaxTokens: decisionMaxTokens}, nil
}

func (DecisionTask) Parse(_ domain.AgentSpec, input domain.Payload, reply Reply) (domain.Payload, error) {
	out := domain.Payload{
		KeyCriticalIssues:  []string{},
		KeyRecommendations: []string{},
		KeyFinalReport:     strings.TrimSpace(reply.Text),
	}

	var doc map[string]any
	for _, raw := range extractJSON(reply.Text) {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			doc = m
			break
		}
	}

	score, found := -1, false
	if doc != nil {
		for _, key := range []string{KeySecurityScore, "security_score", "score"} {
			if n, ok := number(doc[key]); ok {
				score, found = n, true
				break
			}
		}
		if v := stringList(doc[KeyCriticalIssues]); v != nil {
			out[KeyCriticalIssues] = v
		}
		if v := stringList(doc[KeyRecommendations]); v != nil {
			out[KeyRecommendations] = v
		}
		if r, ok := doc[KeyFinalReport].(string); ok && strings.TrimSpace(r) != "" {
			out[KeyFinalReport] = strings.TrimSpace(r)
		}
	}
	if !found {
		score, found = ScoreFromText(reply.Text)
	}

	if found {
		out[KeySecurityScore] = clampScore(score)
		out[KeyScoreSource] = ScoreFromModel
	} else {
		var summary ExecutionSummary
		_ = decode(input[KeyExecutionSummary], &summary)
		out[KeySecurityScore] = DerivedScore(summary)
		out[KeyScoreSource] = ScoreFromResults
	}
	return out, nil
}

var scorePattern = regexp.MustCompile(`(?i)score[^0-9\n]{0,20}(\d{1,3})(?:\s*/\s*100)?`)

// ScoreFromText finds a "score ... N" mention in free text.
func ScoreFromText(text string) (int, bool) {
	m := scorePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n > 100 {
		return 0, false
	}
	return n, true
}

// DerivedScore rates a run from its execution statistics alone.
func DerivedScore(s ExecutionSummary) int {
	if s.TotalTests == 0 || s.SuccessfulTests == 0 {
		return 0
	}
	score := 100 - 15*len(s.Findings) - 5*s.FailedTests - 2*s.BlockedCommands
	return clampScore(score)
}

func clampScore(n int) int {
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	}
	return n
}

func number(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t + 0.5), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}

func analysisText(v any) string {
	if m := mapOf(v); m != nil {
		return stringify(m[KeyAnalysis])
	}
	return stringify(v)
}
