// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/adiadia/secflow/internal/config"
	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/sandbox"
)

func newExecCmd(opts *rootOptions) *cobra.Command {
	var (
		codeTimeout    time.Duration
		commandTimeout time.Duration
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   "exec <package.json|->",
		Short: "Run an execution package through the local sandbox",
		Long: `Run an execution package through the local sandbox and print the result.

The package is JSON: {"test_type": "...", "execution_code": "...", "shell_commands": ["..."]}.
Shell commands pass the same allow/deny pre-check the workers use.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, err := readPackage(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			cfg := config.Load()
			if codeTimeout > 0 {
				cfg.CodeTimeout = codeTimeout
			}
			if commandTimeout > 0 {
				cfg.CommandTimeout = commandTimeout
			}

			logger := logging.Discard()
			if verbose {
				logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
			}

			ex := sandbox.New(sandbox.Config{
				Interpreter:    cfg.CodeInterpreter,
				CodeTimeout:    cfg.CodeTimeout,
				CommandTimeout: cfg.CommandTimeout,
				Logger:         logger,
			})
			res := ex.Run(cmd.Context(), pkg)

			p := newPrinter(cmd.OutOrStdout(), opts.noColor)
			if opts.asJSON {
				return p.json(res)
			}
			p.execution(res)
			if res.Status != domain.ExecCompleted {
				return fmt.Errorf("execution %s", res.Status)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&codeTimeout, "code-timeout", 0, "override CODE_TIMEOUT")
	cmd.Flags().DurationVar(&commandTimeout, "command-timeout", 0, "override COMMAND_TIMEOUT")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log sandbox activity to stderr")
	return cmd
}

func readPackage(stdin io.Reader, path string) (domain.ExecutionPackage, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.ExecutionPackage{}, fmt.Errorf("read package: %w", err)
	}

	var pkg domain.ExecutionPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return domain.ExecutionPackage{}, fmt.Errorf("decode package: %w", err)
	}
	return pkg, nil
}
