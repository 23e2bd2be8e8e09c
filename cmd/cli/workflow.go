// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adiadia/secflow/internal/domain"
)

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		target string
		scope  []string
		info   map[string]string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a workflow for a target",
		Example: `  secflow submit --target http://x --scope port_scan,sql_injection
  secflow submit --target http://x --scope xss_testing --info env=staging --wait`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sub := domain.Submission{
				TargetInfo: map[string]any{"target_url": strings.TrimSpace(target)},
				TestScope:  scope,
			}
			for k, v := range info {
				if k != "target_url" {
					sub.TargetInfo[k] = v
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c := newAPIClient(opts)
			resp, err := c.Submit(ctx, sub)
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout(), opts.noColor)
			if opts.asJSON && !wait {
				return p.json(resp)
			}
			if !opts.asJSON {
				p.line("submitted %s", p.bold.Sprint(resp.WorkflowID))
			}
			if !wait {
				return nil
			}
			return follow(ctx, c, p, opts, resp.WorkflowID)
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "target URL")
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "test types to run, comma separated")
	cmd.Flags().StringToStringVar(&info, "info", nil, "extra target_info entries (key=value)")
	cmd.Flags().BoolVar(&wait, "wait", false, "stream events until the workflow finishes")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show a workflow's phase, status and results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, raw, err := newAPIClient(opts).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), opts.noColor)
			if opts.asJSON {
				_, err := cmd.OutOrStdout().Write(append(raw, '\n'))
				return err
			}
			p.workflow(st)
			return nil
		},
	}
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Stop a workflow before its next phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient(opts).Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), opts.noColor)
			p.line("cancel requested for %s", args[0])
			return nil
		},
	}
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <workflow-id>",
		Short: "Stream a workflow's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			p := newPrinter(cmd.OutOrStdout(), opts.noColor)
			return follow(ctx, newAPIClient(opts), p, opts, args[0])
		},
	}
}

// follow streams events and prints the final status once the stream ends.
func follow(ctx context.Context, c *apiClient, p *printer, opts *rootOptions, id string) error {
	err := c.Events(ctx, id, func(ev domain.EventRecord) {
		if opts.asJSON {
			_ = p.json(ev)
			return
		}
		p.event(ev)
	})
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	st, raw, err := c.Status(ctx, id)
	if err != nil {
		return err
	}
	if opts.asJSON {
		_, err := fmt.Fprintln(p.w, string(raw))
		return err
	}
	p.workflow(st)
	if st.Status == domain.StatusFailed {
		return fmt.Errorf("workflow %s failed", id)
	}
	return nil
}
