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

package ruleset

import (
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/mandiant/capa-go/internal/core/rule"
	"github.com/mandiant/capa-go/internal/core/scope"
	"github.com/mandiant/capa-go/internal/core/subscope"
	"github.com/mandiant/capa-go/internal/rules/loader"
)

func parse(t *testing.T, src string) *rule.Rule {
	t.Helper()
	r, err := loader.ParseRule([]byte(src), "")
	qt.Assert(t, qt.IsNil(err))
	return r
}

func TestBuildOrdersDependentAfterDependency(t *testing.T) {
	base := parse(t, `
rule:
  meta:
    name: base rule
  features:
    - string: a
`)
	dependent := parse(t, `
rule:
  meta:
    name: dependent rule
  features:
    - match: base rule
`)

	rs, err := Build([]*rule.Rule{dependent, base}, subscope.NewUUIDSource())
	qt.Assert(t, qt.IsNil(err))

	order := rs.Rules(scope.ScopeFunction)
	var baseIdx, dependentIdx int
	for i, r := range order {
		switch r.Name {
		case "base rule":
			baseIdx = i
		case "dependent rule":
			dependentIdx = i
		}
	}
	qt.Assert(t, qt.IsTrue(baseIdx < dependentIdx))
}

func TestBuildRejectsMissingDependency(t *testing.T) {
	r := parse(t, `
rule:
  meta:
    name: orphan
  features:
    - match: does not exist
`)
	_, err := Build([]*rule.Rule{r}, subscope.NewUUIDSource())
	qt.Assert(t, qt.IsNotNil(err))
}

func TestBuildRejectsDuplicateName(t *testing.T) {
	a := parse(t, "rule:\n  meta:\n    name: dup\n  features:\n    - string: a\n")
	b := parse(t, "rule:\n  meta:\n    name: dup\n  features:\n    - string: b\n")
	_, err := Build([]*rule.Rule{a, b}, subscope.NewUUIDSource())
	qt.Assert(t, qt.IsNotNil(err))
}

func TestBuildExtractsSubscopeIntoLibraryRule(t *testing.T) {
	r := parse(t, `
rule:
  meta:
    name: parent rule
    scope: file
  features:
    - and:
      - export: DllMain
      - function:
        - string: a
`)
	ids := &subscope.DeterministicSource{}
	rs, err := Build([]*rule.Rule{r}, ids)
	qt.Assert(t, qt.IsNil(err))

	// one extra library rule beyond the original, in the function scope.
	qt.Assert(t, qt.Equals(rs.Len(), 2))
	qt.Assert(t, qt.HasLen(rs.Rules(scope.ScopeFunction), 1))
	qt.Assert(t, qt.HasLen(rs.Rules(scope.ScopeFile), 1))

	extracted := rs.Rules(scope.ScopeFunction)[0]
	qt.Assert(t, qt.IsTrue(extracted.Meta.SubscopeRule))
	qt.Assert(t, qt.Equals(extracted.Meta.Parent, "parent rule"))
	qt.Assert(t, qt.IsFalse(extracted.Reportable(true)))
}

func TestNamespaceDependencyExpandsToEveryMember(t *testing.T) {
	a := parse(t, `
rule:
  meta:
    name: ns rule a
    namespace: host-interaction/registry
  features:
    - string: a
`)
	b := parse(t, `
rule:
  meta:
    name: ns rule b
    namespace: host-interaction/registry
  features:
    - string: b
`)
	dependent := parse(t, `
rule:
  meta:
    name: depends on namespace
  features:
    - match: host-interaction/registry
`)

	rs, err := Build([]*rule.Rule{a, b, dependent}, subscope.NewUUIDSource())
	qt.Assert(t, qt.IsNil(err))

	order := rs.Rules(scope.ScopeFunction)
	idx := make(map[string]int, len(order))
	for i, r := range order {
		idx[r.Name] = i
	}
	qt.Assert(t, qt.IsTrue(idx["ns rule a"] < idx["depends on namespace"]))
	qt.Assert(t, qt.IsTrue(idx["ns rule b"] < idx["depends on namespace"]))
}

func TestFilterByTagExpandsDependencies(t *testing.T) {
	base := parse(t, `
rule:
  meta:
    name: untagged base
  features:
    - string: a
`)
	dependent := parse(t, `
rule:
  meta:
    name: tagged dependent
    description: relevant to discovery
  features:
    - match: untagged base
`)
	unrelated := parse(t, `
rule:
  meta:
    name: unrelated
  features:
    - string: z
`)

	rs, err := Build([]*rule.Rule{base, dependent, unrelated}, subscope.NewUUIDSource())
	qt.Assert(t, qt.IsNil(err))

	filtered, err := FilterByTag(rs, "discovery")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(filtered.Len(), 2))
	_, ok := filtered.ByName["tagged dependent"]
	qt.Assert(t, qt.IsTrue(ok))
	_, ok = filtered.ByName["untagged base"]
	qt.Assert(t, qt.IsTrue(ok))
}

func TestFilterByTagNoMatchErrors(t *testing.T) {
	r := parse(t, "rule:\n  meta:\n    name: x\n  features:\n    - string: a\n")
	rs, err := Build([]*rule.Rule{r}, subscope.NewUUIDSource())
	qt.Assert(t, qt.IsNil(err))

	_, err = FilterByTag(rs, "no such tag anywhere")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestBuildEmptyRuleSetErrors(t *testing.T) {
	_, err := Build(nil, subscope.NewUUIDSource())
	qt.Assert(t, qt.IsNotNil(err))
}
