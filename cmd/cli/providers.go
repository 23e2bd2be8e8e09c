// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/provider"
)

func newProvidersCmd(opts *rootOptions) *cobra.Command {
	var (
		file   string
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Print the provider registry and agent roster",
		Long: `Print the provider registry and agent roster. By default the registry
file is loaded locally; --remote asks the API server instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd.OutOrStdout(), opts.noColor)

			if remote {
				resp, err := newAPIClient(opts).Providers(cmd.Context())
				if err != nil {
					return err
				}
				if opts.asJSON {
					return p.json(resp)
				}
				p.line("%s", p.bold.Sprint("providers"))
				for _, name := range resp.Providers {
					p.line("  %s", name)
				}
				printRoster(p, resp.Agents)
				return nil
			}

			reg, err := provider.Load(file)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return p.json(providersResponse{Providers: reg.Names(), Agents: reg.Roster()})
			}

			p.line("%s", p.bold.Sprint("providers"))
			for _, name := range reg.Names() {
				prov, err := reg.Provider(name)
				if err != nil {
					return err
				}
				models := make([]string, 0, len(prov.Models))
				for logical, id := range prov.Models {
					models = append(models, logical+"="+id)
				}
				sort.Strings(models)
				p.line("  %-14s %-14s %s", name, prov.Kind, p.faint.Sprint(strings.Join(models, " ")))
			}
			printRoster(p, reg.Roster())
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", envOr("PROVIDERS_FILE", ""), "provider registry file (toml or yaml)")
	cmd.Flags().BoolVar(&remote, "remote", false, "query the API server instead of a local file")
	return cmd
}

func printRoster(p *printer, roster provider.Roster) {
	p.line("%s", p.bold.Sprint("agents"))
	spec := func(phase string, s domain.AgentSpec) {
		p.line("  %-9s %-24s %-10s %s", phase, s.Name, s.Model, strings.Join(s.Providers(), " -> "))
	}
	spec("planner", roster.Planner)
	for _, s := range roster.Static {
		spec("static", s)
	}
	for _, s := range roster.Dynamic {
		spec("dynamic", s)
	}
	for _, s := range roster.Analyzers {
		spec("analyzer", s)
	}
	spec("decision", roster.Decision)
}
