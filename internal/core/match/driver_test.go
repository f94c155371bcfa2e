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
	"context"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/mandiant/capa-go/internal/core/extract"
	"github.com/mandiant/capa-go/internal/core/feature"
	"github.com/mandiant/capa-go/internal/core/rule"
	"github.com/mandiant/capa-go/internal/core/ruleset"
	"github.com/mandiant/capa-go/internal/core/subscope"
	"github.com/mandiant/capa-go/internal/rules/loader"
)

// fakeExtractor is a minimal, fully in-memory Extractor over a single
// function with one basic block and one instruction, used to exercise
// the scoped match driver without a real disassembler.
type fakeExtractor struct {
	fileFeats []extract.FeatureAt
	fnFeats   map[feature.Address][]extract.FeatureAt
	bbFeats   map[feature.Address][]extract.FeatureAt
	insnFeats map[feature.Address][]extract.FeatureAt
	functions []extract.FunctionHandle
	bbs       map[feature.Address][]extract.BasicBlockHandle
	insns     map[feature.Address][]extract.InsnHandle
	libFuncs  map[feature.Address]bool
}

func (f *fakeExtractor) BaseAddress() feature.Address { return 0 }

func (f *fakeExtractor) FileFeatures() ([]extract.FeatureAt, error) { return f.fileFeats, nil }

func (f *fakeExtractor) Functions() ([]extract.FunctionHandle, error) { return f.functions, nil }

func (f *fakeExtractor) IsLibraryFunction(addr feature.Address) (bool, error) {
	return f.libFuncs[addr], nil
}

func (f *fakeExtractor) FunctionName(addr feature.Address) (string, error) { return "", nil }

func (f *fakeExtractor) FunctionFeatures(fn extract.FunctionHandle) ([]extract.FeatureAt, error) {
	return f.fnFeats[fn.Address()], nil
}

func (f *fakeExtractor) BasicBlocks(fn extract.FunctionHandle) ([]extract.BasicBlockHandle, error) {
	return f.bbs[fn.Address()], nil
}

func (f *fakeExtractor) BasicBlockFeatures(fn extract.FunctionHandle, bb extract.BasicBlockHandle) ([]extract.FeatureAt, error) {
	return f.bbFeats[bb.Address()], nil
}

func (f *fakeExtractor) Instructions(fn extract.FunctionHandle, bb extract.BasicBlockHandle) ([]extract.InsnHandle, error) {
	return f.insns[bb.Address()], nil
}

func (f *fakeExtractor) InstructionFeatures(fn extract.FunctionHandle, bb extract.BasicBlockHandle, insn extract.InsnHandle) ([]extract.FeatureAt, error) {
	return f.insnFeats[insn.Address()], nil
}

func buildRuleSet(t *testing.T, sources ...string) *ruleset.RuleSet {
	t.Helper()
	var rules []*rule.Rule
	for _, src := range sources {
		r, err := loader.ParseRule([]byte(src), "")
		qt.Assert(t, qt.IsNil(err))
		rules = append(rules, r)
	}
	rs, err := ruleset.Build(rules, subscope.NewUUIDSource())
	qt.Assert(t, qt.IsNil(err))
	return rs
}

func TestRunMatchesFunctionScopeRule(t *testing.T) {
	fn := extract.NewFunctionHandle(0x1000)
	bb := extract.NewBasicBlockHandle(0x1000)
	insn := extract.NewInsnHandle(0x1000)

	ex := &fakeExtractor{
		functions: []extract.FunctionHandle{fn},
		bbs:       map[feature.Address][]extract.BasicBlockHandle{0x1000: {bb}},
		insns:     map[feature.Address][]extract.InsnHandle{0x1000: {insn}},
		insnFeats: map[feature.Address][]extract.FeatureAt{
			0x1000: {{Feature: feature.NewAPI("RegQueryValueEx", ""), Address: 0x1000, HasAddress: true}},
		},
	}

	rs := buildRuleSet(t, `
rule:
  meta:
    name: queries registry
  features:
    - api: RegQueryValueEx
`)

	result, err := Run(context.Background(), ex, rs, Options{})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsFalse(result.Incomplete))
	qt.Assert(t, qt.Equals(result.Stats.Functions, 1))

	records, ok := result.Matches["queries registry"]
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.HasLen(records, 1))
	qt.Assert(t, qt.Equals(records[0].Address, feature.Address(0x1000)))
}

func TestRunPromotesBasicBlockMatchIntoFunctionScope(t *testing.T) {
	fn := extract.NewFunctionHandle(0x2000)
	bb := extract.NewBasicBlockHandle(0x2000)

	ex := &fakeExtractor{
		functions: []extract.FunctionHandle{fn},
		bbs:       map[feature.Address][]extract.BasicBlockHandle{0x2000: {bb}},
		bbFeats: map[feature.Address][]extract.FeatureAt{
			0x2000: {{Feature: feature.NewCharacteristic("tight loop", ""), Address: 0x2000, HasAddress: true}},
		},
	}

	rs := buildRuleSet(t, `
rule:
  meta:
    name: has tight loop
    scope: basic block
  features:
    - characteristic: tight loop
`, `
rule:
  meta:
    name: function containing tight loop
  features:
    - match: has tight loop
`)

	result, err := Run(context.Background(), ex, rs, Options{})
	qt.Assert(t, qt.IsNil(err))

	_, bbMatched := result.Matches["has tight loop"]
	_, fnMatched := result.Matches["function containing tight loop"]
	qt.Assert(t, qt.IsTrue(bbMatched))
	qt.Assert(t, qt.IsTrue(fnMatched))
}

func TestRunSkipsLibraryFunctions(t *testing.T) {
	fn := extract.NewFunctionHandle(0x3000)
	ex := &fakeExtractor{
		functions: []extract.FunctionHandle{fn},
		libFuncs:  map[feature.Address]bool{0x3000: true},
	}
	rs := buildRuleSet(t, "rule:\n  meta:\n    name: unreachable\n  features:\n    - api: foo\n")

	result, err := Run(context.Background(), ex, rs, Options{})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(result.Stats.LibraryFunctions, 1))
	qt.Assert(t, qt.Equals(result.Stats.Functions, 0))
	qt.Assert(t, qt.HasLen(result.Matches, 0))
}

func TestRunFileScopeMatchesAfterAllFunctions(t *testing.T) {
	ex := &fakeExtractor{
		fileFeats: []extract.FeatureAt{
			{Feature: feature.NewExport("DllMain", ""), HasAddress: false},
		},
	}
	rs := buildRuleSet(t, `
rule:
  meta:
    name: exports DllMain
    scope: file
  features:
    - export: DllMain
`)

	result, err := Run(context.Background(), ex, rs, Options{})
	qt.Assert(t, qt.IsNil(err))
	_, ok := result.Matches["exports DllMain"]
	qt.Assert(t, qt.IsTrue(ok))
}

func TestRunPromotesNamespaceFromFunctionMatchIntoFileScope(t *testing.T) {
	fn := extract.NewFunctionHandle(0x4000)
	ex := &fakeExtractor{
		functions: []extract.FunctionHandle{fn},
		fnFeats: map[feature.Address][]extract.FeatureAt{
			0x4000: {{Feature: feature.NewAPI("RegQueryValueEx", ""), Address: 0x4000, HasAddress: true}},
		},
	}

	rs := buildRuleSet(t, `
rule:
  meta:
    name: reads a registry value
    namespace: host-interaction/registry
  features:
    - api: RegQueryValueEx
`, `
rule:
  meta:
    name: touches the registry
    scope: file
  features:
    - match: host-interaction/registry
`)

	result, err := Run(context.Background(), ex, rs, Options{})
	qt.Assert(t, qt.IsNil(err))

	_, fnMatched := result.Matches["reads a registry value"]
	_, fileMatched := result.Matches["touches the registry"]
	qt.Assert(t, qt.IsTrue(fnMatched))
	qt.Assert(t, qt.IsTrue(fileMatched))
}

func TestRunCancelledContextYieldsIncompleteResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := &fakeExtractor{functions: []extract.FunctionHandle{extract.NewFunctionHandle(0x1)}}
	rs := buildRuleSet(t, "rule:\n  meta:\n    name: never runs\n  features:\n    - api: x\n")

	result, err := Run(ctx, ex, rs, Options{})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(result.Incomplete))
}
