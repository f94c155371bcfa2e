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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mandiant/capa-go/capaerrors"
	"github.com/mandiant/capa-go/internal/core/rule"
)

// Warning is a non-fatal observation made while walking a rule corpus:
// a file that doesn't look like a rule at all, as opposed to a file
// that parsed as YAML but failed rule validation (spec §6 corpus
// layout; SPEC_FULL.md supplemented feature: distinguishing "not a
// rule" from "invalid rule").
type Warning struct {
	Path    string
	Message string
}

func (w Warning) String() string { return fmt.Sprintf("%s: %s", w.Path, w.Message) }

// LoadResult is the outcome of walking a rule corpus directory.
type LoadResult struct {
	Rules    []*rule.Rule
	Warnings []Warning
}

// isNurseryPath reports whether path runs through a directory named
// "nursery" — rules under it are loaded but tagged capa/nursery=true
// (spec §6).
func isNurseryPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "nursery" {
			return true
		}
	}
	return false
}

// LoadPath loads rules from path: a single rule file, or a directory
// walked recursively. Loading is all-or-nothing per file (spec §7): one
// malformed rule file is collected as an error without aborting the
// walk, and every error is returned together as a capaerrors.List.
func LoadPath(path string) (*LoadResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("rule path %q does not exist or cannot be accessed: %w", path, err)
	}

	if !info.IsDir() {
		r, err := loadFile(path)
		if err != nil {
			return nil, capaerrors.AsList(err)
		}
		return &LoadResult{Rules: []*rule.Rule{r}}, nil
	}

	result := &LoadResult{}
	var errs capaerrors.List

	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.Contains(filepath.ToSlash(p), "/.github") || filepath.Base(p) == ".github" {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		if !strings.HasSuffix(name, ".yml") {
			if !isExpectedNonRuleFile(name) {
				result.Warnings = append(result.Warnings, Warning{Path: p, Message: "skipping non-.yml file"})
			}
			return nil
		}

		r, err := loadFile(p)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		result.Rules = append(result.Rules, r)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if len(errs) > 0 {
		return result, errs
	}
	return result, nil
}

// isExpectedNonRuleFile reports whether name is one of the
// conventionally non-rule files found alongside a rule corpus (git
// metadata, readmes, format docs), which should be skipped silently
// rather than warned about.
func isExpectedNonRuleFile(name string) bool {
	if strings.HasPrefix(name, ".git") {
		return true
	}
	for _, ext := range []string{".git", ".md", ".txt"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func loadFile(path string) (*rule.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	r, err := ParseRule(data, path)
	if err != nil {
		return nil, err
	}
	r.Meta.Path = path
	if isNurseryPath(path) {
		r.Meta.Nursery = true
	}
	return r, nil
}
