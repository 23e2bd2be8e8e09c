// SPDX-License-Identifier: Apache-2.0

package sandbox

import "strings"

var defaultAllow = []string{
	"nmap", "sqlmap", "nikto", "dirb", "gobuster",
	"curl", "wget", "openssl", "dig", "nslookup",
	"python", "python3", "pip", "pip3",
}

var defaultDeny = []string{
	"rm", "del", "format", "fdisk", "mkfs",
	"dd", "shutdown", "reboot", "halt",
	"su", "sudo", "passwd", "chown", "chmod",
}

// Policy is a coarse pre-check on shell command text. Deny tokens match as
// substrings anywhere in the lowercased command and allow entries match as
// prefixes. It is not an isolation boundary: an allowed tool can still be
// pointed at anything, and a deny token inside an argument blocks a harmless
// command.
type Policy struct {
	Allow []string
	Deny  []string
}

func DefaultPolicy() Policy {
	return Policy{
		Allow: append([]string(nil), defaultAllow...),
		Deny:  append([]string(nil), defaultDeny...),
	}
}

// Check reports whether command may run and, if not, why.
func (p Policy) Check(command string) (bool, string) {
	lower := strings.ToLower(strings.TrimSpace(command))
	if lower == "" {
		return false, "empty command"
	}

	for _, token := range p.Deny {
		if token != "" && strings.Contains(lower, strings.ToLower(token)) {
			return false, "contains denied token " + token
		}
	}
	for _, tool := range p.Allow {
		if tool != "" && strings.HasPrefix(lower, strings.ToLower(tool)) {
			return true, ""
		}
	}
	return false, "not an allowed tool"
}
