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

// Package capa is the rule engine's public API: loading a rule corpus
// into a compiled RuleSet and matching it against a FeatureExtractor
// (spec §1, §6). Feature extraction backends, result rendering, and CLI
// concerns live outside this module; see cmd/capa for a reference
// driver that wires a FeatureExtractor implementation in.
package capa

import (
	"context"

	"github.com/mandiant/capa-go/internal/core/extract"
	"github.com/mandiant/capa-go/internal/core/match"
	"github.com/mandiant/capa-go/internal/core/rule"
	"github.com/mandiant/capa-go/internal/core/ruleset"
	"github.com/mandiant/capa-go/internal/core/scope"
	"github.com/mandiant/capa-go/internal/core/subscope"
	"github.com/mandiant/capa-go/internal/rules/emit"
	"github.com/mandiant/capa-go/internal/rules/loader"
)

// Re-exported so callers implementing a FeatureExtractor, or consuming
// a Result, never need to import the internal packages directly.
type (
	Extractor        = extract.Extractor
	FeatureAt        = extract.FeatureAt
	FunctionHandle   = extract.FunctionHandle
	BasicBlockHandle = extract.BasicBlockHandle
	InsnHandle       = extract.InsnHandle

	RuleSet = ruleset.RuleSet
	Rule    = rule.Rule

	Scope = scope.Scope

	MatchOptions = match.Options
	MatchResult  = match.Result
	MatchRecord  = match.Record
)

const (
	ScopeFile       = scope.ScopeFile
	ScopeFunction   = scope.ScopeFunction
	ScopeBasicBlock = scope.ScopeBasicBlock
)

// LoadWarning is a non-fatal observation from walking a rule corpus
// directory: a file that doesn't look like a rule at all (as opposed to
// one that parsed as YAML but failed validation).
type LoadWarning = loader.Warning

// LoadRules loads every rule under path (a single rule file or a
// directory walked recursively, per spec §6) and compiles them into a
// RuleSet: subscope extraction, dependency resolution, and topological
// ordering all happen here. Loading is all-or-nothing per file; a
// malformed rule is collected into the returned error without aborting
// the walk of the rest of the corpus (spec §7).
func LoadRules(path string) (*RuleSet, []LoadWarning, error) {
	result, err := loader.LoadPath(path)
	if err != nil {
		var warnings []LoadWarning
		if result != nil {
			warnings = result.Warnings
		}
		return nil, warnings, err
	}
	rs, err := ruleset.Build(result.Rules, subscope.NewUUIDSource())
	if err != nil {
		return nil, result.Warnings, err
	}
	return rs, result.Warnings, nil
}

// FilterByTag returns a new RuleSet containing only the rules of rs
// tagged with tag (a substring match over any string-valued meta
// field), expanded by transitive dependency (spec §4.7).
func FilterByTag(rs *RuleSet, tag string) (*RuleSet, error) {
	return ruleset.FilterByTag(rs, tag)
}

// Match runs the scoped match driver (spec §4.6) for a single program:
// ex supplies features, rs supplies the compiled, ordered rule lists.
// Matching of independent functions runs concurrently; cancelling ctx
// between dispatches yields a partial, Incomplete result rather than an
// error.
func Match(ctx context.Context, ex Extractor, rs *RuleSet, opts MatchOptions) (*MatchResult, error) {
	return match.Run(ctx, ex, rs, opts)
}

// Emit re-serializes r's source document in capa's canonical form
// (spec §4.3): meta keys reordered to a fixed preference, internal
// bookkeeping keys stripped, comments and feature-tree ordering
// preserved untouched.
func Emit(r *Rule) (string, error) {
	return emit.Emit(r)
}
