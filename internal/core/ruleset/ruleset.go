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

// Package ruleset indexes rules by name and namespace, resolves
// rule-reference dependencies (including namespace expansion),
// topologically orders each scope, and assembles the compiled RuleSet
// the matcher consumes (spec §3 RuleSet, §4.5).
package ruleset

import (
	"sort"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/mandiant/capa-go/capaerrors"
	"github.com/mandiant/capa-go/internal/core/rule"
	"github.com/mandiant/capa-go/internal/core/scope"
	"github.com/mandiant/capa-go/internal/core/subscope"
	"github.com/mandiant/capa-go/internal/core/toposort"
)

// RuleSet is a compiled, scope-partitioned, topologically ordered rule
// collection, built once and never mutated during matching.
type RuleSet struct {
	ByName      map[string]*rule.Rule
	byNamespace map[string][]*rule.Rule

	fileRules       []*rule.Rule
	functionRules   []*rule.Rule
	basicBlockRules []*rule.Rule
}

// Rules returns the topologically ordered rule list for s.
func (rs *RuleSet) Rules(s scope.Scope) []*rule.Rule {
	switch s {
	case scope.ScopeFile:
		return rs.fileRules
	case scope.ScopeFunction:
		return rs.functionRules
	case scope.ScopeBasicBlock:
		return rs.basicBlockRules
	default:
		return nil
	}
}

// Namespace returns every rule whose namespace is tag or a descendant
// of tag (e.g. namespace "a/b" returns rules namespaced "a/b" and
// "a/b/c"), per the namespace index built during Build.
func (rs *RuleSet) Namespace(tag string) []*rule.Rule {
	return rs.byNamespace[tag]
}

// Len returns the total number of rules in the set, including
// subscope-extracted auxiliary rules.
func (rs *RuleSet) Len() int { return len(rs.ByName) }

// Digest returns a content digest over the canonical concatenation of
// every rule's source text, ordered by name, usable as a cache key
// across runs against the same corpus.
func (rs *RuleSet) Digest() digest.Digest {
	names := make([]string, 0, len(rs.ByName))
	for name := range rs.ByName {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('\x00')
		b.WriteString(rs.ByName[name].SourceText)
		b.WriteByte('\x00')
	}
	return digest.FromString(b.String())
}

// Build indexes rules, extracts nested subscopes, resolves
// dependencies (direct and namespace-expanded), validates the result,
// and computes the three scoped topological orders. ids controls the
// identifiers given to subscope-extracted auxiliary rules.
func Build(rules []*rule.Rule, ids subscope.IDSource) (*RuleSet, error) {
	if len(rules) == 0 {
		return nil, capaerrors.NewInvalidRuleSet("rule set is empty")
	}

	all := subscope.Extract(rules, ids)

	byName := make(map[string]*rule.Rule, len(all))
	for _, r := range all {
		if _, dup := byName[r.Name]; dup {
			return nil, capaerrors.NewInvalidRuleSet("duplicate rule name %q", r.Name)
		}
		byName[r.Name] = r
	}

	byNamespace := buildNamespaceIndex(all)

	resolved, err := resolveDependencies(all, byName, byNamespace)
	if err != nil {
		return nil, err
	}

	order, err := topoSort(all, resolved)
	if err != nil {
		return nil, err
	}

	rs := &RuleSet{ByName: byName, byNamespace: byNamespace}
	for _, name := range order {
		r := byName[name]
		switch r.Scope {
		case scope.ScopeFile:
			rs.fileRules = append(rs.fileRules, r)
		case scope.ScopeFunction:
			rs.functionRules = append(rs.functionRules, r)
		case scope.ScopeBasicBlock:
			rs.basicBlockRules = append(rs.basicBlockRules, r)
		}
	}
	return rs, nil
}

// buildNamespaceIndex inserts each rule under every prefix of its
// namespace path: a rule namespaced "a/b/c" is indexed under "a",
// "a/b", and "a/b/c" (spec §4.5, §9 design note).
func buildNamespaceIndex(rules []*rule.Rule) map[string][]*rule.Rule {
	idx := make(map[string][]*rule.Rule)
	for _, r := range rules {
		for _, prefix := range rule.NamespacePrefixes(r.Meta.Namespace) {
			idx[prefix] = append(idx[prefix], r)
		}
	}
	return idx
}

// resolveDependencies expands each rule's direct MatchedRule references
// into a flat list of rule names it depends on: a reference matching a
// known namespace expands to every rule in that namespace (transitively,
// since sub-namespaces are indexed too); otherwise it must name an
// existing rule.
func resolveDependencies(rules []*rule.Rule, byName map[string]*rule.Rule, byNamespace map[string][]*rule.Rule) (map[string][]string, error) {
	resolved := make(map[string][]string, len(rules))
	for _, r := range rules {
		var deps []string
		for _, refName := range r.Dependencies() {
			if nsRules, ok := byNamespace[refName]; ok {
				for _, nr := range nsRules {
					if nr.Name == r.Name {
						continue
					}
					deps = append(deps, nr.Name)
				}
				continue
			}
			if _, ok := byName[refName]; !ok {
				return nil, capaerrors.NewInvalidRuleSet("rule %q depends on missing rule %q", r.Name, refName)
			}
			deps = append(deps, refName)
		}
		resolved[r.Name] = deps
	}
	return resolved, nil
}

// topoSort builds the reachable set (every non-subscope rule plus its
// transitive dependencies — in practice the full rule set, since every
// subscope-extracted rule is always referenced by its parent) and
// returns it in a single global topological order, from which each
// scope's list is filtered (spec §4.5).
func topoSort(rules []*rule.Rule, resolved map[string][]string) ([]string, error) {
	byName := make(map[string]*rule.Rule, len(rules))
	for _, r := range rules {
		byName[r.Name] = r
	}

	reachable := make(map[string]bool)
	var stack []string
	for _, r := range rules {
		if r.Meta.SubscopeRule {
			continue
		}
		stack = append(stack, r.Name)
	}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[name] {
			continue
		}
		reachable[name] = true
		stack = append(stack, resolved[name]...)
	}

	builder := toposort.NewGraphBuilder()
	for name := range reachable {
		builder.EnsureNode(name)
		for _, dep := range resolved[name] {
			if reachable[dep] {
				builder.AddEdge(name, dep)
			}
		}
	}

	order, err := builder.Build().Sort()
	if err != nil {
		if cycleErr, ok := err.(*toposort.CycleError); ok {
			return nil, capaerrors.NewInvalidRuleSet("%s", cycleErr.Error())
		}
		return nil, err
	}
	return order, nil
}

// FilterByTag selects every rule with tag appearing as a substring of
// any string-valued meta field, expanded by transitive dependencies,
// and returns a freshly built RuleSet over that subset (spec §4.7).
func FilterByTag(rs *RuleSet, tag string) (*RuleSet, error) {
	seed := make(map[string]bool)
	for name, r := range rs.ByName {
		if r.Meta.HasTag(tag) {
			seed[name] = true
		}
	}

	// expand by transitive dependency, using the rules' own statements
	// (Dependencies + namespace expansion) rather than re-deriving from
	// scratch, since the ByName map already holds the post-extraction
	// rule set.
	byNamespace := buildNamespaceIndex(allRules(rs))
	selected := make(map[string]bool)
	var stack []string
	for name := range seed {
		stack = append(stack, name)
	}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if selected[name] {
			continue
		}
		selected[name] = true
		r, ok := rs.ByName[name]
		if !ok {
			continue
		}
		for _, refName := range r.Dependencies() {
			if nsRules, ok := byNamespace[refName]; ok {
				for _, nr := range nsRules {
					stack = append(stack, nr.Name)
				}
				continue
			}
			stack = append(stack, refName)
		}
	}

	var subset []*rule.Rule
	for name := range selected {
		if r, ok := rs.ByName[name]; ok {
			subset = append(subset, r)
		}
	}
	if len(subset) == 0 {
		return nil, capaerrors.NewInvalidRuleSet("no rule matches tag %q", tag)
	}
	// The rules are already subscope-extracted; NewUUIDSource won't be
	// invoked for them again since they contain no un-extracted
	// Subscope nodes, but Build requires an IDSource regardless.
	return Build(subset, subscope.NewUUIDSource())
}

func allRules(rs *RuleSet) []*rule.Rule {
	out := make([]*rule.Rule, 0, len(rs.ByName))
	for _, r := range rs.ByName {
		out = append(out, r)
	}
	return out
}
