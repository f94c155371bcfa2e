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

package rule

import "strings"

// AttackRef and MBCRef are the structured form of an `att&ck`/`mbc`
// meta entry. The source format is a single string following the
// `Tactic::Technique::Sub-technique [ID]` grammar; capa keeps both the
// raw string (for faithful re-emission) and the parsed fields (for
// renderers, out of this module's scope, to consume without
// re-parsing).
type AttackRef struct {
	Raw          string
	Tactic       string
	Technique    string
	SubTechnique string
	ID           string
}

type MBCRef struct {
	Raw         string
	Objective   string
	Behavior    string
	Method      string
	ID          string
}

// Meta holds a rule's declarative metadata. Known fields are typed;
// anything else supplied in the source document's `meta` map is kept in
// Extra so re-emission is lossless.
type Meta struct {
	Name        string
	Namespace   string
	Lib         bool
	Attack      []AttackRef
	MBC         []MBCRef
	Examples    []string
	Description string

	// Internal keys, never present in a user-authored rule: set by the
	// loader (Nursery) or by subscope extraction (SubscopeRule, Parent)
	// or by the directory loader (Path).
	Nursery       bool
	Path          string
	SubscopeRule  bool
	Parent        string

	// Extra preserves any meta key this type does not model explicitly,
	// keyed exactly as it appeared in the source document. It is an
	// unordered map; the emitter orders unrecognized keys alphabetically.
	Extra map[string]interface{}
}

// InternalKeys are meta keys synthesized by the engine rather than
// authored by a rule writer; the emitter strips these from its output
// (spec §4.3). The in-memory Meta fields that carry the same state
// (Nursery, Path, SubscopeRule, Parent) are left untouched by emission.
var InternalKeys = []string{
	"capa/nursery",
	"capa/path",
	"capa/subscope-rule",
	"capa/parent",
}

// HasTag reports whether tag appears as a substring of any string-valued
// meta field (name, namespace, description, attack/mbc raw strings,
// examples, extra string values), used by RuleSet.FilterByTag (spec
// §4.7). The match is case-sensitive, matching rules.py's `tag in v`
// substring test.
func (m Meta) HasTag(tag string) bool {
	contains := func(s string) bool { return strings.Contains(s, tag) }
	if contains(m.Name) || contains(m.Namespace) || contains(m.Description) {
		return true
	}
	for _, a := range m.Attack {
		if contains(a.Raw) {
			return true
		}
	}
	for _, b := range m.MBC {
		if contains(b.Raw) {
			return true
		}
	}
	for _, e := range m.Examples {
		if contains(e) {
			return true
		}
	}
	for _, v := range m.Extra {
		if s, ok := v.(string); ok && contains(s) {
			return true
		}
		if list, ok := v.([]string); ok {
			for _, s := range list {
				if contains(s) {
					return true
				}
			}
		}
	}
	return false
}
