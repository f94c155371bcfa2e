// Copyright 2024 The capa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"sort"

	"github.com/google/shlex"
	"github.com/kr/pretty"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/mandiant/capa-go/capaerrors"

	capa "github.com/mandiant/capa-go"
)

// localized is used the way the teacher's own CLI wires x/text: as a
// locale-aware Fprintf sink, not as a catalog-driven pluralizer.
var localized = message.NewPrinter(language.English)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "inspect a rule corpus",
	}
	cmd.AddCommand(newRulesValidateCmd())
	cmd.AddCommand(newRulesListCmd())
	cmd.AddCommand(newRulesEmitCmd())
	return cmd
}

func newRulesValidateCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "load a rule corpus and report loader/dependency errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, warnings, err := capa.LoadRules(args[0])
			for _, w := range warnings {
				localized.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			if err != nil {
				for _, e := range capaerrors.AsList(err) {
					localized.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
				}
				return fmt.Errorf("rule loading failed")
			}

			localized.Fprintf(cmd.OutOrStdout(), "loaded %d rule(s): %d file, %d function, %d basic block (after subscope extraction)\n",
				rs.Len(),
				len(rs.Rules(capa.ScopeFile)),
				len(rs.Rules(capa.ScopeFunction)),
				len(rs.Rules(capa.ScopeBasicBlock)),
			)
			if verbose {
				pretty.Fprintf(cmd.OutOrStdout(), "%# v\n", rs.ByName)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "dump the compiled rule set")
	return cmd
}

func newRulesListCmd() *cobra.Command {
	var filter string
	var includeNursery bool
	cmd := &cobra.Command{
		Use:   "list <path>",
		Short: "list reportable rule names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, _, err := capa.LoadRules(args[0])
			if err != nil {
				return err
			}

			if filter != "" {
				tags, err := shlex.Split(filter)
				if err != nil {
					return fmt.Errorf("invalid --filter: %w", err)
				}
				for _, tag := range tags {
					rs, err = capa.FilterByTag(rs, tag)
					if err != nil {
						return err
					}
				}
			}

			var names []string
			for name, r := range rs.ByName {
				if r.Reportable(includeNursery) {
					names = append(names, name)
				}
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			localized.Fprintf(cmd.ErrOrStderr(), "%d rule(s)\n", len(names))
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "space-separated tags to select (shell-quote tags containing spaces); each tag narrows the result further")
	cmd.Flags().BoolVar(&includeNursery, "nursery", false, "include nursery rules")
	return cmd
}

func newRulesEmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emit <path> <rule-name>",
		Short: "re-emit a single rule in canonical form",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, _, err := capa.LoadRules(args[0])
			if err != nil {
				return err
			}
			r, ok := rs.ByName[args[1]]
			if !ok {
				return fmt.Errorf("no such rule: %s", args[1])
			}
			doc, err := capa.Emit(r)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), doc)
			return nil
		},
	}
	return cmd
}
