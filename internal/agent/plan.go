// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/adiadia/secflow/internal/domain"
)

const (
	PlanFromModel    = "model"
	PlanFromFallback = "fallback"

	planMaxTokens = 4000
)

// PlanTask turns a submission into execution packages.
type PlanTask struct{}

func (PlanTask) Prompt(spec domain.AgentSpec, input domain.Payload) (Prompt, error) {
	scope := stringList(input[KeyTestScope])
	if len(scope) == 0 {
		return Prompt{}, fmt.Errorf("%w: empty test scope", domain.ErrInvalidSubmission)
	}

	system := baseSystemPrompt(spec) + `

You manage a security test. Generate complete packages that executors can run
without changes: a program body, the tool commands it needs, the expected
output and how to parse it. Executors only run what you give them.`

	user := fmt.Sprintf(`Target: %s
Test types: %s

%s

Reply with a JSON array. Each element must have this shape:
{"test_type": "port_scan", "execution_code": "complete program", "shell_commands": ["tool commands"], "expected_output": "shape of the result", "parsing_logic": "how to parse it"}`,
		targetURL(input), strings.Join(scope, ", "), requirementsFor(scope))

	return Prompt{System: system, User: user, MaxTokens: planMaxTokens}, nil
}

func (PlanTask) Parse(_ domain.AgentSpec, input domain.Payload, reply Reply) (domain.Payload, error) {
	scope := stringList(input[KeyTestScope])
	target := targetURL(input)

	pkgs := ParsePackages(reply.Text)
	source := PlanFromModel
	if len(pkgs) == 0 {
		pkgs = FallbackPackages(target, scope)
		source = PlanFromFallback
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no runnable packages for scope %v", scope)
	}

	return domain.Payload{
		KeyPackages:   pkgs,
		KeyPlanSource: source,
		KeyPlanText:   reply.Text,
		KeyTargetURL:  target,
		KeyTestScope:  scope,
	}, nil
}

// ParsePackages extracts every valid execution package from model text. It
// accepts a JSON array, a single object, or an object wrapping the array
// under "packages" or "execution_packages", fenced or bare.
func ParsePackages(text string) []domain.ExecutionPackage {
	var out []domain.ExecutionPackage
	for _, raw := range extractJSON(text) {
		for _, pkg := range packagesFrom(raw) {
			if pkg.Validate() == nil {
				out = append(out, pkg)
			}
		}
	}
	return out
}

func packagesFrom(raw json.RawMessage) []domain.ExecutionPackage {
	var list []domain.ExecutionPackage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}

	var wrapped struct {
		Packages          []domain.ExecutionPackage `json:"packages"`
		ExecutionPackages []domain.ExecutionPackage `json:"execution_packages"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if len(wrapped.ExecutionPackages) > 0 {
			return wrapped.ExecutionPackages
		}
		if len(wrapped.Packages) > 0 {
			return wrapped.Packages
		}
	}

	var single domain.ExecutionPackage
	if err := json.Unmarshal(raw, &single); err == nil {
		return []domain.ExecutionPackage{single}
	}
	return nil
}

// FallbackPackages builds one package per test type from the built-in tool
// command table. Unknown test types get a header probe.
func FallbackPackages(target string, scope []string) []domain.ExecutionPackage {
	if strings.TrimSpace(target) == "" {
		return nil
	}
	host := hostOf(target)

	out := make([]domain.ExecutionPackage, 0, len(scope))
	for _, testType := range scope {
		var cmds []string
		var expected string
		switch testType {
		case "port_scan":
			cmds = []string{fmt.Sprintf("nmap -sV -Pn --top-ports 100 %s", host)}
			expected = "open ports with service versions"
		case "sql_injection":
			cmds = []string{fmt.Sprintf("sqlmap -u %s --batch --level=1 --risk=1 --timeout=10 --retries=1 --technique=B", target)}
			expected = "injectable parameters, if any"
		case "xss_testing":
			cmds = []string{fmt.Sprintf("curl -s -i %s?q=%%3Cscript%%3Ealert(1)%%3C%%2Fscript%%3E", target)}
			expected = "whether the payload is reflected unescaped"
		case "ssl_tls_test":
			cmds = []string{fmt.Sprintf("openssl s_client -connect %s:443 -servername %s -brief", host, host)}
			expected = "negotiated protocol, cipher and certificate chain"
		case "brute_force":
			base := strings.TrimRight(target, "/")
			cmds = []string{
				fmt.Sprintf("curl -s -o /dev/null -w %%{http_code} %s/login", base),
				fmt.Sprintf("curl -s -o /dev/null -w %%{http_code} %s/admin", base),
			}
			expected = "HTTP status of common login endpoints"
		default:
			cmds = []string{fmt.Sprintf("curl -s -I %s", target)}
			expected = "response headers"
		}
		out = append(out, domain.ExecutionPackage{
			TestType:       testType,
			ShellCommands:  cmds,
			ExpectedOutput: expected,
			ParsingLogic:   "raw tool output",
		})
	}
	return out
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	if h, _, err := net.SplitHostPort(u.Host); err == nil {
		return h
	}
	return u.Host
}
