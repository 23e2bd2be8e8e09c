// SPDX-License-Identifier: Apache-2.0

package domain

import "strings"

// ExecutionPackage is the unit of work handed to the sandbox. ExpectedOutput
// and ParsingLogic are descriptive only.
type ExecutionPackage struct {
	TestType       string   `json:"test_type"`
	ExecutionCode  string   `json:"execution_code,omitempty"`
	ShellCommands  []string `json:"shell_commands"`
	ExpectedOutput string   `json:"expected_output,omitempty"`
	ParsingLogic   string   `json:"parsing_logic,omitempty"`
}

// Validate reports whether the package may be executed.
func (p ExecutionPackage) Validate() error {
	if strings.TrimSpace(p.TestType) == "" {
		return ErrMissingTestType
	}
	if strings.TrimSpace(p.ExecutionCode) == "" && len(p.ShellCommands) == 0 {
		return ErrEmptyPackage
	}
	return nil
}

type ExecutionStatus string

const (
	ExecCompleted      ExecutionStatus = "completed"
	ExecFailed         ExecutionStatus = "failed"
	ExecTimeout        ExecutionStatus = "timeout"
	ExecBlocked        ExecutionStatus = "blocked"
	ExecInvalidPackage ExecutionStatus = "invalid_package"
)

// CodeResult is the outcome of running an execution_code body. Result holds the
// decoded JSON document when stdout parsed, otherwise the raw text.
type CodeResult struct {
	Status     ExecutionStatus `json:"status"`
	Result     any             `json:"result,omitempty"`
	Structured bool            `json:"structured"`
	Stderr     string          `json:"stderr,omitempty"`
	ExitCode   int             `json:"exit_code"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

type CommandResult struct {
	Command    string          `json:"command"`
	Status     ExecutionStatus `json:"status"`
	Output     string          `json:"output,omitempty"`
	Stderr     string          `json:"stderr,omitempty"`
	ExitCode   int             `json:"exit_code"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// ExecutionResult is terminal; the sandbox never retries. Status is completed
// once every unit ran, whatever each unit's own outcome; failed means the
// sandbox itself could not run the package.
type ExecutionResult struct {
	Status     ExecutionStatus `json:"status"`
	ExecutorID string          `json:"executor_id,omitempty"`
	TestType   string          `json:"test_type,omitempty"`
	Code       *CodeResult     `json:"code_result,omitempty"`
	Commands   []CommandResult `json:"shell_results"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// UnitTally counts the code and command units of one or more results by
// outcome.
type UnitTally struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	TimedOut  int `json:"timeout"`
}

func (t UnitTally) Total() int { return t.Completed + t.Failed + t.Blocked + t.TimedOut }

func (t *UnitTally) add(s ExecutionStatus) {
	switch s {
	case ExecCompleted:
		t.Completed++
	case ExecBlocked:
		t.Blocked++
	case ExecTimeout:
		t.TimedOut++
	default:
		t.Failed++
	}
}

// Merge adds o's counts to t.
func (t *UnitTally) Merge(o UnitTally) {
	t.Completed += o.Completed
	t.Failed += o.Failed
	t.Blocked += o.Blocked
	t.TimedOut += o.TimedOut
}

// Tally counts r's units by outcome.
func (r ExecutionResult) Tally() UnitTally {
	var t UnitTally
	if r.Code != nil {
		t.add(r.Code.Status)
	}
	for _, c := range r.Commands {
		t.add(c.Status)
	}
	return t
}
