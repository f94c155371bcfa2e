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

package loader

import (
	"strings"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/mandiant/capa-go/internal/core/feature"
	"github.com/mandiant/capa-go/internal/core/rule"
	"github.com/mandiant/capa-go/internal/core/scope"
	"github.com/mandiant/capa-go/internal/core/stmt"
)

func mustParse(t *testing.T, src string) *rule.Rule {
	t.Helper()
	r, err := ParseRule([]byte(src), "test.yml")
	qt.Assert(t, qt.IsNil(err))
	return r
}

func TestParseRuleBasic(t *testing.T) {
	src := `
rule:
  meta:
    name: test rule
  features:
    - and:
      - string: foo
      - number: 1
`
	r := mustParse(t, src)
	qt.Assert(t, qt.Equals(r.Name, "test rule"))
	qt.Assert(t, qt.Equals(r.Scope, scope.ScopeFunction))
	qt.Assert(t, qt.Equals(r.Statement.Kind, stmt.KindAnd))
	qt.Assert(t, qt.HasLen(r.Statement.Children, 2))
}

func TestParseRuleMissingMeta(t *testing.T) {
	_, err := ParseRule([]byte("rule:\n  features:\n    - string: foo\n"), "")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestParseRuleTooManyTopLevelStatements(t *testing.T) {
	src := `
rule:
  meta:
    name: test
  features:
    - string: foo
    - string: bar
`
	_, err := ParseRule([]byte(src), "")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestParseRuleTopLevelSubscopeRejected(t *testing.T) {
	src := `
rule:
  meta:
    name: test
    scope: file
  features:
    - function:
      - string: foo
`
	_, err := ParseRule([]byte(src), "")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestParseRuleDefaultScopeIsFunction(t *testing.T) {
	r := mustParse(t, "rule:\n  meta:\n    name: t\n  features:\n    - string: x\n")
	qt.Assert(t, qt.Equals(r.Scope, scope.ScopeFunction))
}

func TestParseRuleAmbiguousStringValueRejected(t *testing.T) {
	src := `
rule:
  meta:
    name: t
  features:
    - string: 10
`
	_, err := ParseRule([]byte(src), "")
	qt.Assert(t, qt.IsNotNil(err))
	qt.Assert(t, qt.StringContains(err.Error(), "ambiguous"))
}

func TestParseRuleStatementDescription(t *testing.T) {
	src := `
rule:
  meta:
    name: t
  features:
    - and:
      - description: top level and
      - string: foo
      - string: bar
`
	r := mustParse(t, src)
	qt.Assert(t, qt.Equals(r.Statement.Description, "top level and"))
	qt.Assert(t, qt.HasLen(r.Statement.Children, 2))
}

func TestParseRuleInlineDescription(t *testing.T) {
	src := `
rule:
  meta:
    name: t
  features:
    - number: 10 = CONST_FOO
`
	r := mustParse(t, src)
	qt.Assert(t, qt.Equals(r.Statement.Kind, stmt.KindFeatureLeaf))
	qt.Assert(t, qt.Equals(r.Statement.Leaf.Description(), "CONST_FOO"))
}

func TestParseRuleInlineAndSiblingDescriptionConflict(t *testing.T) {
	src := `
rule:
  meta:
    name: t
  features:
    - number: 10 = CONST_FOO
      description: also this
`
	_, err := ParseRule([]byte(src), "")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestParseRuleCountOfTermNoDescription(t *testing.T) {
	src := `
rule:
  meta:
    name: t
  features:
    - count(string(foo)): 2
`
	r := mustParse(t, src)
	qt.Assert(t, qt.Equals(r.Statement.Kind, stmt.KindRange))
	qt.Assert(t, qt.Equals(r.Statement.Description, ""))
	qt.Assert(t, qt.Equals(r.Statement.Feature.Kind(), feature.KindString))
	qt.Assert(t, qt.Equals(r.Statement.Feature.StringValue(), "foo"))
	qt.Assert(t, qt.IsNotNil(r.Statement.Min))
	qt.Assert(t, qt.Equals(*r.Statement.Min, int64(2)))
}

func TestParseRuleCountOfTermWithInlineDescription(t *testing.T) {
	src := `
rule:
  meta:
    name: t
  features:
    - count(number(10 = CONST_FOO)): 2 or more
`
	r := mustParse(t, src)
	qt.Assert(t, qt.Equals(r.Statement.Kind, stmt.KindRange))
	qt.Assert(t, qt.Equals(r.Statement.Description, "CONST_FOO"))
	qt.Assert(t, qt.Equals(*r.Statement.Min, int64(2)))
	qt.Assert(t, qt.IsNil(r.Statement.Max))
}

func TestParseRuleCountRangeForms(t *testing.T) {
	cases := []struct {
		spec     string
		min, max *int64
	}{
		{"2", i64p(2), i64p(2)},
		{"2 or more", i64p(2), nil},
		{"2 or fewer", nil, i64p(2)},
		{"(1,5)", i64p(1), i64p(5)},
		{"(,5)", nil, i64p(5)},
		{"(1,)", i64p(1), nil},
	}
	for _, c := range cases {
		src := "rule:\n  meta:\n    name: t\n  features:\n    - count(number(1)): " + c.spec + "\n"
		r := mustParse(t, src)
		qt.Assert(t, qt.IsTrue(eqIntPtr(r.Statement.Min, c.min)), qt.Commentf("spec=%s min", c.spec))
		qt.Assert(t, qt.IsTrue(eqIntPtr(r.Statement.Max, c.max)), qt.Commentf("spec=%s max", c.spec))
	}
}

func TestParseRuleNOrMore(t *testing.T) {
	src := `
rule:
  meta:
    name: t
  features:
    - 2 or more:
      - string: a
      - string: b
      - string: c
`
	r := mustParse(t, src)
	qt.Assert(t, qt.Equals(r.Statement.Kind, stmt.KindSome))
	qt.Assert(t, qt.Equals(r.Statement.N, 2))
	qt.Assert(t, qt.HasLen(r.Statement.Children, 3))
}

func TestParseRuleOptionalIsSomeZero(t *testing.T) {
	src := `
rule:
  meta:
    name: t
  features:
    - optional:
      - string: a
`
	r := mustParse(t, src)
	qt.Assert(t, qt.Equals(r.Statement.Kind, stmt.KindSome))
	qt.Assert(t, qt.Equals(r.Statement.N, 0))
}

func TestParseRuleFunctionSubscopeRequiresFileScope(t *testing.T) {
	src := `
rule:
  meta:
    name: t
    scope: file
  features:
    - and:
      - function:
        - string: a
`
	r := mustParse(t, src)
	fn := r.Statement.Children[0]
	qt.Assert(t, qt.Equals(fn.Kind, stmt.KindSubscope))
	qt.Assert(t, qt.Equals(fn.Scope, scope.ScopeFunction))

	// function subscope is rejected outside file scope.
	badSrc := `
rule:
  meta:
    name: t
  features:
    - and:
      - function:
        - string: a
`
	_, err := ParseRule([]byte(badSrc), "")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestParseRuleBasicBlockSubscopeRequiresFunctionScope(t *testing.T) {
	badSrc := `
rule:
  meta:
    name: t
    scope: file
  features:
    - and:
      - basic block:
        - string: a
`
	_, err := ParseRule([]byte(badSrc), "")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestParseRuleBytesFeature(t *testing.T) {
	src := `
rule:
  meta:
    name: t
  features:
    - bytes: AA BB CC DD
`
	r := mustParse(t, src)
	qt.Assert(t, qt.DeepEquals(r.Statement.Leaf.Bytes(), []byte{0xAA, 0xBB, 0xCC, 0xDD}))
}

func TestParseRuleBytesFeatureTooLarge(t *testing.T) {
	hex := strings.Repeat("AA", feature.MaxBytesLength+1)
	src := "rule:\n  meta:\n    name: t\n  features:\n    - bytes: " + hex + "\n"
	_, err := ParseRule([]byte(src), "")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestParseRuleNegativeHexNumber(t *testing.T) {
	src := `
rule:
  meta:
    name: t
  features:
    - number: -0x10
`
	r := mustParse(t, src)
	qt.Assert(t, qt.Equals(r.Statement.Leaf.Number().Text('f'), "-16"))
}

func TestParseRuleCharacteristicScopeValidation(t *testing.T) {
	// "loop" is function-only; rejected at basic block scope.
	src := `
rule:
  meta:
    name: t
    scope: basic block
  features:
    - characteristic: loop
`
	_, err := ParseRule([]byte(src), "")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestParseRuleMetaAttackAndMBC(t *testing.T) {
	src := `
rule:
  meta:
    name: t
    att&ck:
      - Discovery::Query Registry [T1012]
    mbc:
      - Discovery::File and Directory Discovery::File Discovery [C0046.002]
  features:
    - string: a
`
	r := mustParse(t, src)
	qt.Assert(t, qt.HasLen(r.Meta.Attack, 1))
	qt.Assert(t, qt.Equals(r.Meta.Attack[0].Tactic, "Discovery"))
	qt.Assert(t, qt.Equals(r.Meta.Attack[0].Technique, "Query Registry"))
	qt.Assert(t, qt.Equals(r.Meta.Attack[0].ID, "T1012"))

	qt.Assert(t, qt.HasLen(r.Meta.MBC, 1))
	qt.Assert(t, qt.Equals(r.Meta.MBC[0].Objective, "Discovery"))
	qt.Assert(t, qt.Equals(r.Meta.MBC[0].ID, "C0046.002"))
}

func i64p(n int64) *int64 { return &n }

func eqIntPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
