// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/adiadia/secflow/internal/domain"
)

// printer writes human output, colored only on a terminal.
type printer struct {
	w     io.Writer
	ok    *color.Color
	warn  *color.Color
	bad   *color.Color
	faint *color.Color
	bold  *color.Color
}

func newPrinter(w io.Writer, noColor bool) *printer {
	useColor := !noColor && isTerminal(w)
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if useColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}
	return &printer{
		w:     w,
		ok:    mk(color.FgGreen),
		warn:  mk(color.FgYellow),
		bad:   mk(color.FgRed, color.Bold),
		faint: mk(color.Faint),
		bold:  mk(color.Bold),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *printer) line(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// status colors a workflow or execution status.
func (p *printer) status(s string) string {
	switch s {
	case string(domain.StatusCompleted), domain.ReportSuccess:
		return p.ok.Sprint(s)
	case string(domain.StatusRunning), string(domain.StatusPending), string(domain.StatusRetry):
		return p.warn.Sprint(s)
	case string(domain.ExecTimeout), string(domain.ExecBlocked):
		return p.warn.Sprint(s)
	case string(domain.StatusFailed), string(domain.ExecInvalidPackage), domain.ReportError:
		return p.bad.Sprint(s)
	}
	return s
}

func (p *printer) workflow(st workflowStatus) {
	p.line("%s %s", p.bold.Sprint("workflow"), st.WorkflowID)
	p.line("  target    %s", st.TargetURL)
	p.line("  scope     %s", strings.Join(st.TestScope, ", "))
	p.line("  phase     %s", st.Phase)
	p.line("  status    %s", p.status(string(st.Status)))
	p.line("  progress  %d%%", st.Progress)

	if len(st.RetryCounts) > 0 {
		phases := make([]string, 0, len(st.RetryCounts))
		for ph, n := range st.RetryCounts {
			phases = append(phases, fmt.Sprintf("%s=%d", ph, n))
		}
		sort.Strings(phases)
		p.line("  retries   %s", strings.Join(phases, " "))
	}
	if st.Aborted {
		p.line("  %s", p.warn.Sprint("aborted"))
	}
	if st.Error != "" {
		p.line("  error     %s", p.bad.Sprint(st.Error))
	}

	if st.Report == nil || st.Report.FinalResult == nil {
		return
	}
	final := st.Report.FinalResult
	if score, ok := final["final_security_score"]; ok {
		p.line("  score     %v", p.bold.Sprint(score))
	}
	for _, issue := range stringsOf(final["critical_issues"]) {
		p.line("  %s %s", p.bad.Sprint("!"), issue)
	}
	for _, rec := range stringsOf(final["recommendations"]) {
		p.line("  %s %s", p.ok.Sprint("+"), rec)
	}
}

func (p *printer) event(ev domain.EventRecord) {
	var payload map[string]any
	_ = json.Unmarshal(ev.Payload, &payload)

	detail := make([]string, 0, len(payload))
	for k, v := range payload {
		detail = append(detail, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(detail)

	p.line("%s %-20s %s",
		p.faint.Sprint(ev.CreatedAt.Format("15:04:05")),
		eventColor(p, ev.Type),
		strings.Join(detail, " "),
	)
}

func eventColor(p *printer, t string) string {
	switch t {
	case domain.EventWorkflowCompleted, domain.EventPhaseCompleted:
		return p.ok.Sprint(t)
	case domain.EventQualityGateFailed, domain.EventWorkflowAborted:
		return p.warn.Sprint(t)
	case domain.EventWorkflowFailed, domain.EventPhaseFailed:
		return p.bad.Sprint(t)
	}
	return t
}

func (p *printer) execution(res domain.ExecutionResult) {
	p.line("%s %s  %s  %dms", p.bold.Sprint("test"), res.TestType, p.status(string(res.Status)), res.DurationMS)
	if t := res.Tally(); t.Total() > 0 {
		p.line("  units  %d completed, %d failed, %d blocked, %d timeout", t.Completed, t.Failed, t.Blocked, t.TimedOut)
	}
	if res.Error != "" {
		p.line("  error  %s", p.bad.Sprint(res.Error))
	}
	if c := res.Code; c != nil {
		p.line("  code   %s exit=%d %dms", p.status(string(c.Status)), c.ExitCode, c.DurationMS)
		if c.Error != "" {
			p.line("         %s", c.Error)
		}
	}
	for _, c := range res.Commands {
		p.line("  cmd    %s %s", p.status(string(c.Status)), c.Command)
		if c.Error != "" {
			p.line("         %s", p.faint.Sprint(c.Error))
		}
	}
}

func stringsOf(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
