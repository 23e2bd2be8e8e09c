// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adiadia/secflow/internal/domain"
)

// Payload keys shared between roles.
const (
	KeyTargetInfo        = "target_info"
	KeyTestScope         = "test_scope"
	KeyTargetURL         = "target_url"
	KeyPackages          = "execution_packages"
	KeyPlanSource        = "plan_source"
	KeyPlanText          = "plan_text"
	KeyResults           = "results"
	KeyStaticResults     = "static_results"
	KeyDynamicResults    = "dynamic_results"
	KeyExecutionSummary  = "execution_summary"
	KeyAnalysis          = "analysis"
	KeyAnalysisResults   = "analysis_results"
	KeySecurityScore     = "final_security_score"
	KeyCriticalIssues    = "critical_issues"
	KeyRecommendations   = "recommendations"
	KeyFinalReport       = "final_report"
	KeyScoreSource       = "score_source"
	KeyExecutedPackages  = "executed_packages"
	KeyRejectedPackages  = "rejected_packages"
	KeyUnits             = "units"
)

// decode converts a payload value into out. Values may be typed Go values or
// the generic maps and slices produced by a JSON round trip through a queue.
func decode(v any, out any) error {
	if v == nil {
		return fmt.Errorf("missing value")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Packages reads the execution packages from a planning payload.
func Packages(p domain.Payload) ([]domain.ExecutionPackage, error) {
	var pkgs []domain.ExecutionPackage
	if err := decode(p[KeyPackages], &pkgs); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyPackages, err)
	}
	return pkgs, nil
}

// Results reads the execution results from an executor payload.
func Results(p domain.Payload) ([]domain.ExecutionResult, error) {
	var res []domain.ExecutionResult
	if err := decode(p[KeyResults], &res); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyResults, err)
	}
	return res, nil
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := stringify(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

func mapOf(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case domain.Payload:
		return t
	}
	return nil
}

func targetURL(input domain.Payload) string {
	if u := input.String(KeyTargetURL); u != "" {
		return u
	}
	if info := mapOf(input[KeyTargetInfo]); info != nil {
		u, _ := info[KeyTargetURL].(string)
		return u
	}
	return ""
}

func prettyJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// extractJSON returns every top-level JSON object or array embedded in text,
// in order of appearance.
func extractJSON(text string) []json.RawMessage {
	var out []json.RawMessage
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			continue
		}
		out = append(out, raw)
		i += int(dec.InputOffset()) - 1
	}
	return out
}
