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

// Package stmt implements the rule logic tree (spec §3 Statement) as a
// single tagged sum type with one recursive Evaluate dispatch, and its
// pure evaluator (spec §4.1).
package stmt

import (
	"fmt"

	"github.com/mandiant/capa-go/internal/core/feature"
	"github.com/mandiant/capa-go/internal/core/scope"
)

// Kind tags a Statement node's variant.
type Kind int

const (
	KindAnd Kind = iota
	KindOr
	KindNot
	KindSome
	KindRange
	KindSubscope
	KindFeatureLeaf
)

// Statement is a node in a rule's logic tree. Exactly one group of
// fields is meaningful per Kind; see the New* constructors.
type Statement struct {
	Kind        Kind
	Description string

	// And, Or, Some
	Children []*Statement

	// Not, Subscope
	Child *Statement

	// Some
	N int

	// Range
	Feature  feature.Feature
	Min, Max *int64

	// Subscope
	Scope scope.Scope

	// FeatureLeaf
	Leaf feature.Feature
}

func And(children []*Statement, description string) *Statement {
	return &Statement{Kind: KindAnd, Children: children, Description: description}
}

func Or(children []*Statement, description string) *Statement {
	return &Statement{Kind: KindOr, Children: children, Description: description}
}

func Not(child *Statement, description string) *Statement {
	return &Statement{Kind: KindNot, Child: child, Description: description}
}

// Some builds a Some(n, children) node; n=0 is the `optional` form.
func Some(n int, children []*Statement, description string) *Statement {
	return &Statement{Kind: KindSome, N: n, Children: children, Description: description}
}

func Range(f feature.Feature, min, max *int64, description string) *Statement {
	return &Statement{Kind: KindRange, Feature: f, Min: min, Max: max, Description: description}
}

func Subscope(s scope.Scope, child *Statement) *Statement {
	return &Statement{Kind: KindSubscope, Scope: s, Child: child}
}

func FeatureLeaf(f feature.Feature) *Statement {
	return &Statement{Kind: KindFeatureLeaf, Leaf: f}
}

// Result is the outcome of evaluating a Statement: whether it matched,
// and the union of addresses that contributed to the match (empty for
// Not, which carries no locations per spec §4.1).
type Result struct {
	Matched   bool
	Locations feature.AddressSet
}

func noMatch() Result { return Result{Matched: false, Locations: feature.AddressSet{}} }

func matchAt(locs feature.AddressSet) Result { return Result{Matched: true, Locations: locs} }

// Evaluate runs s against fs and returns whether it matched along with
// the contributing locations. Evaluation is pure: it never mutates fs.
//
// Subscope nodes must not appear here: by the time a rule reaches the
// matcher, subscope extraction (spec §4.4) has rewritten every Subscope
// into a FeatureLeaf(MatchedRule(...)). Encountering one is a bug in
// the pipeline that built the RuleSet, not a runtime input error.
func Evaluate(s *Statement, fs *feature.Set) Result {
	switch s.Kind {
	case KindFeatureLeaf:
		locs, ok := fs.Get(s.Leaf)
		if !ok {
			return noMatch()
		}
		return matchAt(locs)

	case KindAnd:
		locs := make(feature.AddressSet)
		for _, c := range s.Children {
			r := Evaluate(c, fs)
			if !r.Matched {
				return noMatch()
			}
			locs = locs.Union(r.Locations)
		}
		return matchAt(locs)

	case KindOr:
		locs := make(feature.AddressSet)
		matched := false
		for _, c := range s.Children {
			r := Evaluate(c, fs)
			if r.Matched {
				matched = true
				locs = locs.Union(r.Locations)
			}
		}
		if !matched {
			return noMatch()
		}
		return matchAt(locs)

	case KindNot:
		r := Evaluate(s.Child, fs)
		if r.Matched {
			return noMatch()
		}
		return matchAt(feature.AddressSet{})

	case KindSome:
		locs := make(feature.AddressSet)
		count := 0
		for _, c := range s.Children {
			r := Evaluate(c, fs)
			if r.Matched {
				count++
				locs = locs.Union(r.Locations)
			}
		}
		if count < s.N {
			return noMatch()
		}
		return matchAt(locs)

	case KindRange:
		count := fs.Count(s.Feature)
		if s.Min != nil && int64(count) < *s.Min {
			return noMatch()
		}
		if s.Max != nil && int64(count) > *s.Max {
			return noMatch()
		}
		locs, _ := fs.Get(s.Feature)
		return matchAt(locs)

	case KindSubscope:
		panic(fmt.Sprintf("stmt: unresolved Subscope(%s) reached the evaluator; subscope extraction must run first", s.Scope))

	default:
		panic(fmt.Sprintf("stmt: unknown statement kind %d", s.Kind))
	}
}

// Walk calls visit for s and, recursively, for every descendant, in a
// pre-order traversal. visit may be called with nodes whose Kind is
// KindSubscope before extraction has run.
func Walk(s *Statement, visit func(*Statement)) {
	if s == nil {
		return
	}
	visit(s)
	for _, c := range s.Children {
		Walk(c, visit)
	}
	if s.Child != nil {
		Walk(s.Child, visit)
	}
}
