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

import (
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/mandiant/capa-go/internal/core/feature"
	"github.com/mandiant/capa-go/internal/core/scope"
	"github.com/mandiant/capa-go/internal/core/stmt"
)

func TestNamespacePrefixes(t *testing.T) {
	qt.Assert(t, qt.DeepEquals(NamespacePrefixes("a/b/c"), []string{"a", "a/b", "a/b/c"}))
	qt.Assert(t, qt.DeepEquals(NamespacePrefixes(""), []string(nil)))
	qt.Assert(t, qt.DeepEquals(NamespacePrefixes("solo"), []string{"solo"}))
}

func TestReportableExcludesLibSubscopeAndUnpromotedNursery(t *testing.T) {
	base := Rule{Name: "r"}
	qt.Assert(t, qt.IsTrue(base.Reportable(false)))

	lib := base
	lib.Meta.Lib = true
	qt.Assert(t, qt.IsFalse(lib.Reportable(false)))

	sub := base
	sub.Meta.SubscopeRule = true
	qt.Assert(t, qt.IsFalse(sub.Reportable(false)))

	nursery := base
	nursery.Meta.Nursery = true
	qt.Assert(t, qt.IsFalse(nursery.Reportable(false)))
	qt.Assert(t, qt.IsTrue(nursery.Reportable(true)))
}

func TestValidateRejectsTopLevelSubscope(t *testing.T) {
	r := &Rule{
		Scope:     scope.ScopeFile,
		Statement: stmt.Subscope(scope.ScopeFunction, stmt.FeatureLeaf(feature.NewAPI("foo", ""))),
	}
	err := r.Validate()
	qt.Assert(t, qt.IsNotNil(err))
}

func TestValidateRejectsFeatureKindWrongScope(t *testing.T) {
	r := &Rule{
		Scope:     scope.ScopeFile,
		Statement: stmt.FeatureLeaf(feature.NewAPI("foo", "")),
	}
	qt.Assert(t, qt.IsNotNil(r.Validate()))
}

func TestValidateAllowsMatchedRuleAtAnyScope(t *testing.T) {
	r := &Rule{
		Scope:     scope.ScopeFile,
		Statement: stmt.FeatureLeaf(feature.NewMatchedRule("some other rule")),
	}
	qt.Assert(t, qt.IsNil(r.Validate()))
}

func TestValidateRejectsInvalidSubscopeTransition(t *testing.T) {
	r := &Rule{
		Scope: scope.ScopeBasicBlock,
		Statement: stmt.Subscope(scope.ScopeFunction,
			stmt.FeatureLeaf(feature.NewAPI("foo", ""))),
	}
	qt.Assert(t, qt.IsNotNil(r.Validate()))
}

func TestDependenciesCollectsUniqueMatchedRuleNames(t *testing.T) {
	r := &Rule{
		Statement: stmt.And([]*stmt.Statement{
			stmt.FeatureLeaf(feature.NewMatchedRule("dep a")),
			stmt.FeatureLeaf(feature.NewMatchedRule("dep b")),
			stmt.FeatureLeaf(feature.NewMatchedRule("dep a")),
			stmt.FeatureLeaf(feature.NewAPI("not a dependency", "")),
		}, ""),
	}
	qt.Assert(t, qt.DeepEquals(r.Dependencies(), []string{"dep a", "dep b"}))
}

func TestDependenciesEmptyForLeafOnlyRule(t *testing.T) {
	r := &Rule{Statement: stmt.FeatureLeaf(feature.NewAPI("foo", ""))}
	qt.Assert(t, qt.HasLen(r.Dependencies(), 0))
}

func TestHasTagMatchesNamespaceDescriptionAndExamples(t *testing.T) {
	m := Meta{
		Namespace:   "host-interaction/registry",
		Description: "reads a config value",
		Examples:    []string{"abc123:0x401000"},
	}
	qt.Assert(t, qt.IsTrue(m.HasTag("registry")))
	qt.Assert(t, qt.IsTrue(m.HasTag("config")))
	qt.Assert(t, qt.IsFalse(m.HasTag("CONFIG"))) // case-sensitive, matching rules.py's `tag in v`
	qt.Assert(t, qt.IsTrue(m.HasTag("abc123")))
	qt.Assert(t, qt.IsFalse(m.HasTag("persistence")))
}

func TestHasTagMatchesAttackAndMBCRawStrings(t *testing.T) {
	m := Meta{
		Attack: []AttackRef{{Raw: "Discovery::Query Registry [T1012]"}},
		MBC:    []MBCRef{{Raw: "Collection::Data from Local System [C0002]"}},
	}
	qt.Assert(t, qt.IsTrue(m.HasTag("T1012")))
	qt.Assert(t, qt.IsTrue(m.HasTag("C0002")))
	qt.Assert(t, qt.IsFalse(m.HasTag("T9999")))
}

func TestHasTagMatchesExtraStringAndStringSliceValues(t *testing.T) {
	m := Meta{Extra: map[string]interface{}{
		"author":  "jane",
		"aliases": []string{"foo", "relevant-alias"},
	}}
	qt.Assert(t, qt.IsTrue(m.HasTag("jane")))
	qt.Assert(t, qt.IsTrue(m.HasTag("relevant")))
	qt.Assert(t, qt.IsFalse(m.HasTag("nonexistent")))
}
