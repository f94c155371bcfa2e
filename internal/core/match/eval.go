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

package match

import (
	"fmt"

	"github.com/mandiant/capa-go/internal/core/feature"
	"github.com/mandiant/capa-go/internal/core/stmt"
)

// Node mirrors a Statement node, annotated with its match status and
// contributing locations, so a renderer (out of this module's scope)
// can explain why a rule did or didn't match (spec §6 "evaluation
// tree"). Per §9's open question, a promoted MatchedRule leaf is
// treated as an opaque leaf satisfaction here: its subtree is not the
// lower-scope rule's own evaluation tree, just this leaf's result.
type Node struct {
	Statement *stmt.Statement
	Result    stmt.Result
	Children  []*Node
}

// Evaluate runs s against fs, building an annotated evaluation tree
// alongside the boolean/location result. It implements the same
// semantics as stmt.Evaluate (and in fact must agree with it exactly);
// it exists as a parallel entry point because the tree is data the
// driver returns to callers but the pure boolean evaluator doesn't
// need to construct it.
func Evaluate(s *stmt.Statement, fs *feature.Set) *Node {
	switch s.Kind {
	case stmt.KindFeatureLeaf:
		locs, ok := fs.Get(s.Leaf)
		return &Node{Statement: s, Result: result(ok, locs)}

	case stmt.KindAnd:
		children := make([]*Node, len(s.Children))
		matched := true
		locs := make(feature.AddressSet)
		for i, c := range s.Children {
			children[i] = Evaluate(c, fs)
			if !children[i].Result.Matched {
				matched = false
			} else {
				locs = locs.Union(children[i].Result.Locations)
			}
		}
		if !matched {
			locs = feature.AddressSet{}
		}
		return &Node{Statement: s, Result: result(matched, locs), Children: children}

	case stmt.KindOr:
		children := make([]*Node, len(s.Children))
		matched := false
		locs := make(feature.AddressSet)
		for i, c := range s.Children {
			children[i] = Evaluate(c, fs)
			if children[i].Result.Matched {
				matched = true
				locs = locs.Union(children[i].Result.Locations)
			}
		}
		if !matched {
			locs = feature.AddressSet{}
		}
		return &Node{Statement: s, Result: result(matched, locs), Children: children}

	case stmt.KindNot:
		child := Evaluate(s.Child, fs)
		return &Node{Statement: s, Result: result(!child.Result.Matched, feature.AddressSet{}), Children: []*Node{child}}

	case stmt.KindSome:
		children := make([]*Node, len(s.Children))
		count := 0
		locs := make(feature.AddressSet)
		for i, c := range s.Children {
			children[i] = Evaluate(c, fs)
			if children[i].Result.Matched {
				count++
				locs = locs.Union(children[i].Result.Locations)
			}
		}
		matched := count >= s.N
		if !matched {
			locs = feature.AddressSet{}
		}
		return &Node{Statement: s, Result: result(matched, locs), Children: children}

	case stmt.KindRange:
		count := fs.Count(s.Feature)
		matched := true
		if s.Min != nil && int64(count) < *s.Min {
			matched = false
		}
		if s.Max != nil && int64(count) > *s.Max {
			matched = false
		}
		locs, _ := fs.Get(s.Feature)
		if !matched {
			locs = feature.AddressSet{}
		}
		return &Node{Statement: s, Result: result(matched, locs)}

	case stmt.KindSubscope:
		panic(fmt.Sprintf("match: unresolved Subscope(%s) reached the evaluator", s.Scope))

	default:
		panic(fmt.Sprintf("match: unknown statement kind %d", s.Kind))
	}
}

func result(matched bool, locs feature.AddressSet) stmt.Result {
	if locs == nil {
		locs = feature.AddressSet{}
	}
	return stmt.Result{Matched: matched, Locations: locs}
}
