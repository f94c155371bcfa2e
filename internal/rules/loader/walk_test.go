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
	"os"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/rogpeppe/go-internal/txtar"
)

// writeCorpus materializes a txtar archive of rule files under a fresh
// temp directory and returns its root.
func writeCorpus(t *testing.T, archive string) string {
	t.Helper()
	root := t.TempDir()
	ar := txtar.Parse([]byte(archive))
	for _, f := range ar.Files {
		p := filepath.Join(root, f.Name)
		qt.Assert(t, qt.IsNil(os.MkdirAll(filepath.Dir(p), 0o755)))
		qt.Assert(t, qt.IsNil(os.WriteFile(p, f.Data, 0o644)))
	}
	return root
}

const testCorpus = `
-- good-rule.yml --
rule:
  meta:
    name: good rule
  features:
    - string: a

-- nursery/unpromoted.yml --
rule:
  meta:
    name: nursery rule
  features:
    - string: b

-- bad-rule.yml --
rule:
  meta:
    name: bad rule
  features:
    - string: 10

-- README.md --
not a rule, should be silently skipped

-- .github/workflows/ci.yml --
this is CI config, not a rule, and must never be walked into
`

func TestLoadPathWalksDirectoryCorpus(t *testing.T) {
	root := writeCorpus(t, testCorpus)

	result, err := LoadPath(root)
	qt.Assert(t, qt.IsNotNil(err)) // bad-rule.yml fails to parse

	qt.Assert(t, qt.IsNotNil(result))
	qt.Assert(t, qt.HasLen(result.Rules, 2)) // good-rule + nursery rule, bad-rule excluded

	var names []string
	var nurseryTagged int
	for _, r := range result.Rules {
		names = append(names, r.Name)
		if r.Meta.Nursery {
			nurseryTagged++
		}
	}
	qt.Assert(t, qt.Equals(nurseryTagged, 1))
}

func TestLoadPathSkipsGithubDirectoryEntirely(t *testing.T) {
	root := writeCorpus(t, testCorpus)
	result, _ := LoadPath(root)
	for _, w := range result.Warnings {
		qt.Assert(t, qt.IsFalse(containsSubstr(w.Path, ".github")))
	}
}

func TestLoadPathWarnsOnUnexpectedNonRuleFiles(t *testing.T) {
	root := writeCorpus(t, `
-- notes.txt --
fine, silently skipped

-- stray.json --
{"not": "a rule"}
`)
	result, err := LoadPath(root)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(result.Rules, 0))
	qt.Assert(t, qt.HasLen(result.Warnings, 1))
	qt.Assert(t, qt.StringContains(result.Warnings[0].Path, "stray.json"))
}

func TestLoadPathSingleFile(t *testing.T) {
	root := writeCorpus(t, `
-- single.yml --
rule:
  meta:
    name: only rule
  features:
    - string: a
`)
	result, err := LoadPath(filepath.Join(root, "single.yml"))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(result.Rules, 1))
	qt.Assert(t, qt.Equals(result.Rules[0].Meta.Path, filepath.Join(root, "single.yml")))
}

func TestLoadPathMissingPathErrors(t *testing.T) {
	_, err := LoadPath(filepath.Join(t.TempDir(), "does-not-exist"))
	qt.Assert(t, qt.IsNotNil(err))
}

func containsSubstr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
