// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"fmt"
	"strings"

	"github.com/adiadia/secflow/internal/domain"
)

// requirements describes each supported test type to the planner.
var requirements = map[string]string{
	"brute_force": `Brute force:
- discover login pages (/login, /admin, /wp-admin and similar)
- try a short list of common credentials
- check the account lockout policy
- look for username enumeration through response timing
- run time: at most 10 minutes`,
	"sql_injection": `SQL injection:
- inject payloads into GET and POST parameters
- error-based, boolean-based and time-based checks
- sqlmap or custom payloads
- attempt to identify the database engine
- run time: at most 15 minutes`,
	"xss_testing": `XSS:
- reflected, stored and DOM-based checks
- a varied payload set
- input fields, URL parameters and headers
- run time: at most 5 minutes`,
	"port_scan": `Port scan:
- nmap port scan
- service version detection
- identify vulnerable services
- run time: at most 3 minutes`,
	"ssl_tls_test": `SSL/TLS:
- certificate validity
- cipher strength
- protocol versions
- weak algorithms
- run time: at most 2 minutes`,
}

// KnownTestTypes lists the test types with a planner description.
func KnownTestTypes() []string {
	return []string{"brute_force", "sql_injection", "xss_testing", "port_scan", "ssl_tls_test"}
}

func requirementsFor(scope []string) string {
	parts := make([]string, 0, len(scope))
	for _, t := range scope {
		if r, ok := requirements[t]; ok {
			parts = append(parts, r)
		}
	}
	return strings.Join(parts, "\n\n")
}

func baseSystemPrompt(spec domain.AgentSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", spec.Name)
	if spec.Description != "" {
		fmt.Fprintf(&b, "Role: %s\n", spec.Description)
	}
	b.WriteString(`Follow these rules:
1. Be precise and professional.
2. Return structured results.
3. Classify security issues by severity.
4. Include actionable recommendations.`)
	if spec.Persona != "" {
		b.WriteString("\n\n")
		b.WriteString(spec.Persona)
	}
	return b.String()
}
