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

// Package rule defines the Rule type: a named Statement plus metadata,
// scope, and the raw source text needed for faithful re-emission
// (spec §3).
package rule

import (
	"fmt"
	"strings"

	"github.com/mandiant/capa-go/internal/core/feature"
	"github.com/mandiant/capa-go/internal/core/scope"
	"github.com/mandiant/capa-go/internal/core/stmt"
)

// NamespacePrefixes returns every prefix path component of ns, e.g.
// "a/b/c" yields ["a", "a/b", "a/b/c"]. Used both to build the
// namespace index (ruleset.Build) and to promote a matched rule's
// namespace ancestors as MatchedRule features (match.Run), so a rule
// referencing a parent namespace sees the feature regardless of which
// descendant namespace actually matched (spec §4.5, §9).
func NamespacePrefixes(ns string) []string {
	if ns == "" {
		return nil
	}
	parts := strings.Split(ns, "/")
	out := make([]string, len(parts))
	for i := range parts {
		out[i] = strings.Join(parts[:i+1], "/")
	}
	return out
}

// Rule is a named logic tree plus its metadata and original source.
type Rule struct {
	Name       string
	Scope      scope.Scope
	Statement  *stmt.Statement
	Meta       Meta
	SourceText string
}

// Namespace is a convenience accessor for Meta.Namespace.
func (r *Rule) Namespace() string { return r.Meta.Namespace }

// IsLib reports whether the rule is a utility dependency, not itself
// reportable (Meta.Lib).
func (r *Rule) IsLib() bool { return r.Meta.Lib }

// Reportable reports whether this rule should be surfaced to an end
// user directly, as opposed to existing purely to satisfy another
// rule's dependency. Library rules and not-yet-promoted nursery rules
// are excluded, mirroring the original `get_rules(include_nursery=False)`
// filter (SPEC_FULL.md, Supplemented Features #2).
func (r *Rule) Reportable(includeNursery bool) bool {
	if r.Meta.Lib {
		return false
	}
	if r.Meta.SubscopeRule {
		return false
	}
	if r.Meta.Nursery && !includeNursery {
		return false
	}
	return true
}

// Validate checks the structural invariants spec §3 places on a rule in
// isolation, without consulting the rest of the rule set: the
// top-level statement is not a Subscope, and every feature leaf
// (including those nested inside Subscope children, validated against
// the subscope's own scope) is valid for its scope.
func (r *Rule) Validate() error {
	if r.Statement == nil {
		return fmt.Errorf("rule has no statement")
	}
	if r.Statement.Kind == stmt.KindSubscope {
		return fmt.Errorf("top-level statement must not be a subscope")
	}
	return validateScoped(r.Statement, r.Scope)
}

func validateScoped(s *stmt.Statement, sc scope.Scope) error {
	switch s.Kind {
	case stmt.KindFeatureLeaf:
		return validateLeaf(s.Leaf, sc)
	case stmt.KindRange:
		return validateLeaf(s.Feature, sc)
	case stmt.KindAnd, stmt.KindOr, stmt.KindSome:
		for _, c := range s.Children {
			if err := validateScoped(c, sc); err != nil {
				return err
			}
		}
		return nil
	case stmt.KindNot:
		return validateScoped(s.Child, sc)
	case stmt.KindSubscope:
		if !scope.ValidSubscopeTransition(sc, s.Scope) {
			return fmt.Errorf("%s subscope not permitted inside %s scope", s.Scope, sc)
		}
		return validateScoped(s.Child, s.Scope)
	default:
		return fmt.Errorf("unknown statement kind %d", s.Kind)
	}
}

func validateLeaf(f feature.Feature, sc scope.Scope) error {
	if f.Kind() == feature.KindMatchedRule {
		// match: references are valid at every scope; the dependency
		// resolver, not scope validation, checks that the referenced
		// rule/namespace exists.
		return nil
	}
	if !scope.ValidFeatureKind(sc, f.Kind()) {
		return fmt.Errorf("feature %s not valid at %s scope", f.Kind(), sc)
	}
	if f.Kind() == feature.KindCharacteristic && !scope.ValidCharacteristic(sc, f.StringValue()) {
		return fmt.Errorf("characteristic %q not valid at %s scope", f.StringValue(), sc)
	}
	return nil
}

// Dependencies returns the set of rule-reference names this rule's
// statement contains as MatchedRule leaves (direct, not namespace- or
// transitively-expanded; that expansion is done by the ruleset
// package's resolveDependencies).
func (r *Rule) Dependencies() []string {
	var deps []string
	seen := make(map[string]bool)
	stmt.Walk(r.Statement, func(s *stmt.Statement) {
		var f feature.Feature
		switch s.Kind {
		case stmt.KindFeatureLeaf:
			f = s.Leaf
		case stmt.KindRange:
			f = s.Feature
		default:
			return
		}
		if f.Kind() != feature.KindMatchedRule {
			return
		}
		name := f.StringValue()
		if !seen[name] {
			seen[name] = true
			deps = append(deps, name)
		}
	})
	return deps
}
