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

// Package subscope rewrites nested-scope statements inside a rule into
// auxiliary library rules plus a rule-reference placeholder, so the
// dependency resolver never has to reason about scope transitions
// inside a single rule's tree (spec §4.4).
package subscope

import (
	"strings"

	"github.com/google/uuid"

	"github.com/mandiant/capa-go/internal/core/feature"
	"github.com/mandiant/capa-go/internal/core/rule"
	"github.com/mandiant/capa-go/internal/core/stmt"
)

// IDSource produces the random identifiers used to name extracted
// subscope rules. It is injectable so tests can get deterministic
// names (spec §9 design note); the zero value is not usable, use
// NewUUIDSource or DeterministicSource.
type IDSource interface {
	NextID() string
}

type uuidSource struct{}

// NewUUIDSource returns the production IDSource: a random UUIDv4 with
// hyphens stripped, truncated to a short hex-looking identifier that is
// never meant to be user-visible.
func NewUUIDSource() IDSource { return uuidSource{} }

func (uuidSource) NextID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:12]
}

// DeterministicSource returns an IDSource that yields sequential,
// zero-padded identifiers ("000000000001", "000000000002", ...) for
// reproducible tests.
type DeterministicSource struct{ n int }

func (d *DeterministicSource) NextID() string {
	d.n++
	return padHex(d.n)
}

func padHex(n int) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 12)
	for i := 11; i >= 0; i-- {
		buf[i] = hex[n&0xf]
		n >>= 4
	}
	return string(buf)
}

// Extract walks every rule in rules, replacing each Subscope node with
// a FeatureLeaf(MatchedRule(name)) and appending a new auxiliary rule
// for its extracted body. It processes newly created rules in turn
// (they may themselves contain one further level of nested subscope),
// so the returned slice is a superset of rules: the originals (mutated
// in place) plus every extracted auxiliary rule.
func Extract(rules []*rule.Rule, ids IDSource) []*rule.Rule {
	all := make([]*rule.Rule, len(rules))
	copy(all, rules)

	for i := 0; i < len(all); i++ {
		r := all[i]
		var created []*rule.Rule
		r.Statement = rewriteRoot(r.Statement, r.Name, &created, ids)
		all = append(all, created...)
	}
	return all
}

// rewriteRoot rewrites s's descendants, but never replaces s itself
// even if s.Kind is KindSubscope: a rule's top-level statement has no
// parent node to hold the replacement, and a top-level Subscope is
// rejected by Rule.Validate instead.
func rewriteRoot(s *stmt.Statement, parentName string, created *[]*rule.Rule, ids IDSource) *stmt.Statement {
	if s == nil {
		return nil
	}
	switch s.Kind {
	case stmt.KindAnd, stmt.KindOr, stmt.KindSome:
		for i, c := range s.Children {
			s.Children[i] = rewriteChild(c, parentName, created, ids)
		}
	case stmt.KindNot:
		s.Child = rewriteChild(s.Child, parentName, created, ids)
	}
	return s
}

// rewriteChild rewrites s, replacing it outright if it is itself a
// Subscope node.
func rewriteChild(s *stmt.Statement, parentName string, created *[]*rule.Rule, ids IDSource) *stmt.Statement {
	if s.Kind == stmt.KindSubscope {
		name := parentName + "/" + ids.NextID()
		aux := &rule.Rule{
			Name:      name,
			Scope:     s.Scope,
			Statement: s.Child,
			Meta: rule.Meta{
				Name:         name,
				Lib:          true,
				SubscopeRule: true,
				Parent:       parentName,
			},
		}
		*created = append(*created, aux)
		return stmt.FeatureLeaf(feature.NewMatchedRule(name))
	}
	return rewriteRoot(s, parentName, created, ids)
}
