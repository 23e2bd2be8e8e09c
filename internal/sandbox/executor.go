// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs execution packages as child processes under wall-clock
// timeouts and a command policy.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/metrics"
)

const (
	DefaultCodeTimeout    = 600 * time.Second
	DefaultCommandTimeout = 300 * time.Second
	DefaultInterpreter    = "python3"

	defaultMaxOutput = 1 << 20
	waitDelay        = 2 * time.Second
)

type Config struct {
	// Interpreter runs execution_code from a temp file.
	Interpreter    string
	CodeTimeout    time.Duration
	CommandTimeout time.Duration
	Policy         *Policy
	// MaxOutputBytes caps captured stdout and stderr per unit.
	MaxOutputBytes int
	Logger         *slog.Logger
}

type Executor struct {
	interpreter    string
	codeTimeout    time.Duration
	commandTimeout time.Duration
	policy         Policy
	maxOutput      int
	logger         *slog.Logger
	tracer         trace.Tracer

	spawned atomic.Int64
}

func New(cfg Config) *Executor {
	e := &Executor{
		interpreter:    cfg.Interpreter,
		codeTimeout:    cfg.CodeTimeout,
		commandTimeout: cfg.CommandTimeout,
		maxOutput:      cfg.MaxOutputBytes,
		logger:         cfg.Logger,
		tracer:         otel.Tracer("github.com/adiadia/secflow/internal/sandbox"),
	}
	if e.interpreter == "" {
		e.interpreter = DefaultInterpreter
	}
	if e.codeTimeout <= 0 {
		e.codeTimeout = DefaultCodeTimeout
	}
	if e.commandTimeout <= 0 {
		e.commandTimeout = DefaultCommandTimeout
	}
	if e.maxOutput <= 0 {
		e.maxOutput = defaultMaxOutput
	}
	if cfg.Policy != nil {
		e.policy = *cfg.Policy
	} else {
		e.policy = DefaultPolicy()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = logging.Component(e.logger, "sandbox")
	return e
}

func (e *Executor) Policy() Policy {
	return e.policy
}

// Run executes pkg. Unit failures are reported as statuses, never as errors.
// The aggregate status is completed once every unit ran; it is failed only
// when the sandbox could not run the package at all.
func (e *Executor) Run(ctx context.Context, pkg domain.ExecutionPackage) domain.ExecutionResult {
	start := time.Now()
	res := domain.ExecutionResult{TestType: pkg.TestType, Commands: []domain.CommandResult{}}

	if err := pkg.Validate(); err != nil {
		metrics.IncSandboxUnit("package", domain.ExecInvalidPackage)
		e.logger.Warn("rejected execution package", "test_type", pkg.TestType, "error", err)
		res.Status = domain.ExecInvalidPackage
		res.Error = err.Error()
		return res
	}

	ctx, span := e.tracer.Start(ctx, "sandbox.Run", trace.WithAttributes(
		attribute.String("test_type", pkg.TestType),
		attribute.Int("commands", len(pkg.ShellCommands)),
	))
	defer span.End()

	workDir, err := os.MkdirTemp("", "secflow-run-*")
	if err != nil {
		res.Status = domain.ExecFailed
		res.Error = fmt.Sprintf("create work dir: %v", err)
		res.DurationMS = time.Since(start).Milliseconds()
		return res
	}
	defer os.RemoveAll(workDir)

	if strings.TrimSpace(pkg.ExecutionCode) != "" {
		code := e.runCode(ctx, workDir, pkg.ExecutionCode)
		res.Code = &code
	}
	for _, command := range pkg.ShellCommands {
		res.Commands = append(res.Commands, e.runCommand(ctx, workDir, command))
	}

	// Blocked, timed-out and failing units are outcomes of a package that ran.
	tally := res.Tally()
	res.Status = domain.ExecCompleted
	res.DurationMS = time.Since(start).Milliseconds()
	span.SetAttributes(attribute.String("status", string(res.Status)))

	e.logger.Info("execution package finished",
		"test_type", pkg.TestType,
		"status", res.Status,
		"units_completed", tally.Completed,
		"units_failed", tally.Failed,
		"units_blocked", tally.Blocked,
		"units_timeout", tally.TimedOut,
		"duration_ms", res.DurationMS,
	)
	return res
}

func (e *Executor) runCode(ctx context.Context, workDir, code string) domain.CodeResult {
	start := time.Now()

	path := filepath.Join(workDir, "program")
	if err := os.WriteFile(path, []byte(code), 0o600); err != nil {
		metrics.IncSandboxUnit("code", domain.ExecFailed)
		return domain.CodeResult{Status: domain.ExecFailed, Error: fmt.Sprintf("write program: %v", err), ExitCode: -1}
	}

	out := e.spawn(ctx, e.codeTimeout, workDir, e.interpreter, path)
	res := domain.CodeResult{
		Status:     out.status,
		Stderr:     out.stderr,
		ExitCode:   out.exitCode,
		Error:      out.errText,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if out.status == domain.ExecCompleted {
		res.Result, res.Structured = decodeOutput(out.stdout)
	}
	metrics.IncSandboxUnit("code", res.Status)
	return res
}

func (e *Executor) runCommand(ctx context.Context, workDir, command string) domain.CommandResult {
	start := time.Now()

	if ok, reason := e.policy.Check(command); !ok {
		metrics.IncSandboxUnit("command", domain.ExecBlocked)
		e.logger.Warn("blocked command", "command", command, "reason", reason)
		return domain.CommandResult{
			Command:  command,
			Status:   domain.ExecBlocked,
			Error:    reason,
			ExitCode: -1,
		}
	}

	out := e.spawn(ctx, e.commandTimeout, workDir, "sh", "-c", command)
	metrics.IncSandboxUnit("command", out.status)
	return domain.CommandResult{
		Command:    command,
		Status:     out.status,
		Output:     out.stdout,
		Stderr:     out.stderr,
		ExitCode:   out.exitCode,
		Error:      out.errText,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

type spawnResult struct {
	status   domain.ExecutionStatus
	stdout   string
	stderr   string
	exitCode int
	errText  string
}

func (e *Executor) spawn(ctx context.Context, timeout time.Duration, workDir, name string, args ...string) spawnResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &cappedBuffer{limit: e.maxOutput}
	stderr := &cappedBuffer{limit: e.maxOutput}

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = workDir
	cmd.Env = childEnv(workDir)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	isolate(cmd)

	e.spawned.Add(1)
	err := cmd.Run()

	res := spawnResult{stdout: stdout.String(), stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.exitCode = cmd.ProcessState.ExitCode()
	} else {
		res.exitCode = -1
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.status = domain.ExecTimeout
		res.errText = fmt.Sprintf("timed out after %s", timeout)
	case err == nil:
		res.status = domain.ExecCompleted
	default:
		res.status = domain.ExecFailed
		res.errText = strings.TrimSpace(res.stderr)
		if res.errText == "" {
			res.errText = err.Error()
		}
	}
	return res
}

// childEnv passes only what tools need to be found and to run.
func childEnv(workDir string) []string {
	env := []string{"HOME=" + workDir, "TMPDIR=" + workDir}
	for _, key := range []string{"PATH", "LANG", "LC_ALL", "SYSTEMROOT"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// decodeOutput returns the JSON document in stdout, or the raw text when it
// does not parse.
func decodeOutput(stdout string) (any, bool) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return stdout, false
	}
	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return stdout, false
	}
	return doc, true
}

type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
