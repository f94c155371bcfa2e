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

package capa_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/rogpeppe/go-internal/txtar"

	capa "github.com/mandiant/capa-go"
	"github.com/mandiant/capa-go/internal/core/extract"
	"github.com/mandiant/capa-go/internal/core/feature"
)

// endToEndExtractor drives the public API test below: one function, one
// basic block, one instruction, plus a file-scope export.
type endToEndExtractor struct{}

func (endToEndExtractor) BaseAddress() feature.Address { return 0 }

func (endToEndExtractor) FileFeatures() ([]capa.FeatureAt, error) {
	return []capa.FeatureAt{{Feature: feature.NewExport("DllMain", ""), HasAddress: false}}, nil
}

func (endToEndExtractor) Functions() ([]capa.FunctionHandle, error) {
	return []capa.FunctionHandle{extract.NewFunctionHandle(0x1000)}, nil
}

func (endToEndExtractor) IsLibraryFunction(feature.Address) (bool, error) { return false, nil }

func (endToEndExtractor) FunctionName(feature.Address) (string, error) { return "sub_1000", nil }

func (endToEndExtractor) FunctionFeatures(capa.FunctionHandle) ([]capa.FeatureAt, error) {
	return nil, nil
}

func (endToEndExtractor) BasicBlocks(capa.FunctionHandle) ([]capa.BasicBlockHandle, error) {
	return []capa.BasicBlockHandle{extract.NewBasicBlockHandle(0x1000)}, nil
}

func (endToEndExtractor) BasicBlockFeatures(capa.FunctionHandle, capa.BasicBlockHandle) ([]capa.FeatureAt, error) {
	return nil, nil
}

func (endToEndExtractor) Instructions(capa.FunctionHandle, capa.BasicBlockHandle) ([]capa.InsnHandle, error) {
	return []capa.InsnHandle{extract.NewInsnHandle(0x1000)}, nil
}

func (endToEndExtractor) InstructionFeatures(capa.FunctionHandle, capa.BasicBlockHandle, capa.InsnHandle) ([]capa.FeatureAt, error) {
	return []capa.FeatureAt{{Feature: feature.NewAPI("RegQueryValueEx", ""), Address: 0x1000, HasAddress: true}}, nil
}

const endToEndCorpus = `
-- registry-read.yml --
rule:
  meta:
    name: reads a registry value
    namespace: host-interaction/registry
    description: flags registry value reads
  features:
    - api: RegQueryValueEx

-- exports-dllmain.yml --
rule:
  meta:
    name: exports DllMain
    scope: file
  features:
    - export: DllMain

-- discovery/combined.yml --
rule:
  meta:
    name: reads registry and is a dll
    scope: file
    description: combines file and function scope signals, relevant to discovery
  features:
    - and:
      - match: reads a registry value
      - match: exports DllMain
`

func writeEndToEndCorpus(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	ar := txtar.Parse([]byte(endToEndCorpus))
	for _, f := range ar.Files {
		p := filepath.Join(root, f.Name)
		qt.Assert(t, qt.IsNil(os.MkdirAll(filepath.Dir(p), 0o755)))
		qt.Assert(t, qt.IsNil(os.WriteFile(p, f.Data, 0o644)))
	}
	return root
}

func TestLoadRulesMatchAndEmitEndToEnd(t *testing.T) {
	root := writeEndToEndCorpus(t)

	rs, warnings, err := capa.LoadRules(root)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(warnings, 0))
	qt.Assert(t, qt.Equals(rs.Len(), 3))

	result, err := capa.Match(context.Background(), endToEndExtractor{}, rs, capa.MatchOptions{})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsFalse(result.Incomplete))

	for _, name := range []string{"reads a registry value", "exports DllMain", "reads registry and is a dll"} {
		_, ok := result.Matches[name]
		qt.Assert(t, qt.IsTrue(ok), qt.Commentf("expected %q to match", name))
	}

	filtered, err := capa.FilterByTag(rs, "discovery")
	qt.Assert(t, qt.IsNil(err))
	_, ok := filtered.ByName["reads registry and is a dll"]
	qt.Assert(t, qt.IsTrue(ok))
	// dependencies pulled in transitively by tag expansion.
	_, ok = filtered.ByName["reads a registry value"]
	qt.Assert(t, qt.IsTrue(ok))
	_, ok = filtered.ByName["exports DllMain"]
	qt.Assert(t, qt.IsTrue(ok))

	r := rs.ByName["reads a registry value"]
	out, err := capa.Emit(r)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.StringContains(out, "name: reads a registry value"))
	qt.Assert(t, qt.StringContains(out, "RegQueryValueEx"))
}

func TestLoadRulesReportsErrorForMissingPath(t *testing.T) {
	_, _, err := capa.LoadRules(filepath.Join(t.TempDir(), "nope"))
	qt.Assert(t, qt.IsNotNil(err))
}
