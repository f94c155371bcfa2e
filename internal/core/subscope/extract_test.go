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

package subscope

import (
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/mandiant/capa-go/internal/core/feature"
	"github.com/mandiant/capa-go/internal/core/rule"
	"github.com/mandiant/capa-go/internal/core/scope"
	"github.com/mandiant/capa-go/internal/core/stmt"
)

func TestExtractReplacesSubscopeWithMatchedRuleLeaf(t *testing.T) {
	parent := &rule.Rule{
		Name:  "parent",
		Scope: scope.ScopeFile,
		Statement: stmt.And([]*stmt.Statement{
			stmt.FeatureLeaf(feature.NewExport("DllMain", "")),
			stmt.Subscope(scope.ScopeFunction, stmt.FeatureLeaf(feature.NewAPI("foo", ""))),
		}, ""),
	}

	out := Extract([]*rule.Rule{parent}, &DeterministicSource{})
	qt.Assert(t, qt.HasLen(out, 2))

	qt.Assert(t, qt.Equals(out[0].Name, "parent"))
	qt.Assert(t, qt.Equals(out[0].Statement.Kind, stmt.KindAnd))
	second := out[0].Statement.Children[1]
	qt.Assert(t, qt.Equals(second.Kind, stmt.KindFeatureLeaf))
	qt.Assert(t, qt.Equals(second.Leaf.Kind(), feature.KindMatchedRule))

	aux := out[1]
	qt.Assert(t, qt.IsTrue(aux.Meta.Lib))
	qt.Assert(t, qt.IsTrue(aux.Meta.SubscopeRule))
	qt.Assert(t, qt.Equals(aux.Meta.Parent, "parent"))
	qt.Assert(t, qt.Equals(aux.Scope, scope.ScopeFunction))
	qt.Assert(t, qt.Equals(second.Leaf.StringValue(), aux.Name))
}

func TestExtractHandlesNestedSubscopeLevels(t *testing.T) {
	parent := &rule.Rule{
		Name:  "parent",
		Scope: scope.ScopeFile,
		Statement: stmt.Subscope(scope.ScopeFunction,
			stmt.Subscope(scope.ScopeBasicBlock,
				stmt.FeatureLeaf(feature.NewCharacteristic("tight loop", "")))),
	}
	// the outer Subscope sits at the rule's top level, which rewriteRoot
	// never replaces (Rule.Validate rejects a top-level Subscope), so wrap
	// it in an And to give rewriteRoot a child to descend into. The outer
	// Subscope is then extracted; the inner one becomes the auxiliary
	// rule's top-level statement, which rewriteRoot likewise does not
	// replace, so it stays a Subscope.
	parent.Statement = stmt.And([]*stmt.Statement{parent.Statement}, "")

	out := Extract([]*rule.Rule{parent}, &DeterministicSource{})
	qt.Assert(t, qt.HasLen(out, 2))

	extracted := out[1]
	qt.Assert(t, qt.Equals(extracted.Scope, scope.ScopeFunction))
	qt.Assert(t, qt.Equals(extracted.Statement.Kind, stmt.KindSubscope))
	qt.Assert(t, qt.Equals(extracted.Statement.Scope, scope.ScopeBasicBlock))
}

func TestExtractLeavesRuleWithNoSubscopeUnchanged(t *testing.T) {
	r := &rule.Rule{
		Name:      "plain",
		Scope:     scope.ScopeFunction,
		Statement: stmt.FeatureLeaf(feature.NewAPI("foo", "")),
	}
	out := Extract([]*rule.Rule{r}, NewUUIDSource())
	qt.Assert(t, qt.HasLen(out, 1))
	qt.Assert(t, qt.Equals(out[0].Statement.Kind, stmt.KindFeatureLeaf))
}

func TestDeterministicSourceIsSequential(t *testing.T) {
	ids := &DeterministicSource{}
	a := ids.NextID()
	b := ids.NextID()
	qt.Assert(t, qt.Equals(a, "000000000001"))
	qt.Assert(t, qt.Equals(b, "000000000002"))
}

func TestUUIDSourceProducesDistinctTwelveCharIDs(t *testing.T) {
	ids := NewUUIDSource()
	a := ids.NextID()
	b := ids.NextID()
	qt.Assert(t, qt.HasLen(a, 12))
	qt.Assert(t, qt.IsTrue(a != b))
}
