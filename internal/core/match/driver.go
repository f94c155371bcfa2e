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

// Package match implements the scoped match driver (spec §4.6): it
// orchestrates per-basic-block, per-function, and file matching,
// weaving extracted features with promoted rule-match features between
// scope passes.
package match

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/mandiant/capa-go/internal/core/extract"
	"github.com/mandiant/capa-go/internal/core/feature"
	"github.com/mandiant/capa-go/internal/core/rule"
	"github.com/mandiant/capa-go/internal/core/ruleset"
	"github.com/mandiant/capa-go/internal/core/scope"
)

// Record is a single match of a rule at a single address, with the
// annotated evaluation tree a renderer can walk to explain the result.
type Record struct {
	Address feature.Address
	Tree    *Node
}

// Stats counts work done during a Run, independent of how many rules
// matched.
type Stats struct {
	Functions         int
	LibraryFunctions  int
	BasicBlocks       int
	FeaturesExtracted int
}

// Result is the outcome of matching a RuleSet against one program.
type Result struct {
	// Matches maps each matched rule's name to every (address, tree)
	// it matched at.
	Matches map[string][]Record

	Stats Stats

	// Incomplete is true if Run returned early due to context
	// cancellation; Matches/Stats reflect a partial result.
	Incomplete bool
}

// Options configures a Run.
type Options struct {
	// Concurrency caps how many functions are matched in parallel.
	// <= 0 means runtime.GOMAXPROCS(0).
	Concurrency int
}

// functionOutcome is the per-function result processFunction produces;
// Run merges these sequentially once every dispatched function has
// completed (spec §5: per-worker partial results, merged at the end,
// rather than a shared map guarded by a mutex).
type functionOutcome struct {
	dispatched  bool
	isLibrary   bool
	matches     map[string][]Record
	promoted    map[string]feature.AddressSet
	basicBlocks int
	features    int
	err         error
}

// Run evaluates ex against rs following the scoped match algorithm of
// spec §4.6: per function, per-basic-block rules are matched first and
// promoted into the function's feature set (and, via instruction
// features, merged directly into it too), then function rules are
// matched; after every function has been processed, matched rule names
// (and their namespace ancestors) are promoted into the file feature
// set and file rules are matched last.
//
// Matching of independent functions runs concurrently (spec §5);
// evaluation of a single scope's rule list against one feature set is
// always sequential, since later rules in the list may reference
// earlier rules' matches via MatchedRule features (intra-scope
// chaining, spec §4.6). Run checks ctx between functions and between
// scope passes, per §5's cooperative cancellation policy.
func Run(ctx context.Context, ex extract.Extractor, rs *ruleset.RuleSet, opts Options) (*Result, error) {
	functions, err := ex.Functions()
	if err != nil {
		return nil, err
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	outcomes := make([]functionOutcome, len(functions))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	cancelledBeforeDispatch := false
	for i, fn := range functions {
		if ctx.Err() != nil {
			cancelledBeforeDispatch = true
			break
		}
		i, fn := i, fn
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = processFunction(ex, rs, fn)
		}()
	}
	wg.Wait()

	result := &Result{Matches: make(map[string][]Record)}
	fileFeatures := feature.NewSet()

	for _, o := range outcomes {
		if !o.dispatched {
			continue
		}
		if o.err != nil {
			return nil, o.err
		}
		if o.isLibrary {
			result.Stats.LibraryFunctions++
			continue
		}
		result.Stats.Functions++
		result.Stats.BasicBlocks += o.basicBlocks
		result.Stats.FeaturesExtracted += o.features
		for name, records := range o.matches {
			result.Matches[name] = append(result.Matches[name], records...)
		}
		for name, addrs := range o.promoted {
			fileFeatures.AddAll(feature.NewMatchedRule(name), addrs)
			promoteNamespaces(fileFeatures, rs, name, addrs)
		}
	}

	if cancelledBeforeDispatch || ctx.Err() != nil {
		result.Incomplete = true
		return result, nil
	}

	fileFeats, err := ex.FileFeatures()
	if err != nil {
		return nil, err
	}
	for _, fa := range fileFeats {
		if fa.HasAddress {
			fileFeatures.Add(fa.Feature, fa.Address)
		} else {
			fileFeatures.AddNoLocation(fa.Feature)
		}
	}

	fileResults := matchScope(rs.Rules(scope.ScopeFile), fileFeatures, feature.Address(0))
	for name, rec := range fileResults {
		result.Matches[name] = append(result.Matches[name], rec)
	}

	sortRecords(result.Matches)
	return result, nil
}

// processFunction runs the per-function body of the §4.6 algorithm; it
// only touches state local to this call, so it is safe to run
// concurrently across distinct FunctionHandles.
func processFunction(ex extract.Extractor, rs *ruleset.RuleSet, fn extract.FunctionHandle) functionOutcome {
	isLib, err := ex.IsLibraryFunction(fn.Address())
	if err != nil {
		return functionOutcome{dispatched: true, err: err}
	}
	if isLib {
		return functionOutcome{dispatched: true, isLibrary: true}
	}

	funcFeatures := feature.NewSet()
	funcFeats, err := ex.FunctionFeatures(fn)
	if err != nil {
		return functionOutcome{dispatched: true, err: err}
	}
	featureCount := len(funcFeats)
	for _, fa := range funcFeats {
		funcFeatures.Add(fa.Feature, fa.Address)
	}

	bbs, err := ex.BasicBlocks(fn)
	if err != nil {
		return functionOutcome{dispatched: true, err: err}
	}

	combined := make(map[string][]Record)
	promoted := make(map[string]feature.AddressSet)

	for _, bb := range bbs {
		bbFeatures := feature.NewSet()
		bbFeats, err := ex.BasicBlockFeatures(fn, bb)
		if err != nil {
			return functionOutcome{dispatched: true, err: err}
		}
		featureCount += len(bbFeats)
		for _, fa := range bbFeats {
			bbFeatures.Add(fa.Feature, fa.Address)
		}

		insns, err := ex.Instructions(fn, bb)
		if err != nil {
			return functionOutcome{dispatched: true, err: err}
		}
		for _, insn := range insns {
			insnFeats, err := ex.InstructionFeatures(fn, bb, insn)
			if err != nil {
				return functionOutcome{dispatched: true, err: err}
			}
			featureCount += len(insnFeats)
			for _, fa := range insnFeats {
				bbFeatures.Add(fa.Feature, fa.Address)
				funcFeatures.Add(fa.Feature, fa.Address)
			}
		}

		// Merge every bb-scope feature (not just instruction-derived
		// ones) up into the enclosing function's feature set (§4.6).
		funcFeatures.Merge(bbFeatures)

		bbResults := matchScope(rs.Rules(scope.ScopeBasicBlock), bbFeatures, bb.Address())
		for name, rec := range bbResults {
			combined[name] = append(combined[name], rec)
			addrs := feature.NewAddressSet(bb.Address())
			funcFeatures.AddAll(feature.NewMatchedRule(name), addrs)
			promoteNamespaces(funcFeatures, rs, name, addrs)
			promoted[name] = promoted[name].Union(addrs)
		}
	}

	funcResults := matchScope(rs.Rules(scope.ScopeFunction), funcFeatures, fn.Address())
	for name, rec := range funcResults {
		combined[name] = append(combined[name], rec)
		promoted[name] = promoted[name].Union(feature.NewAddressSet(fn.Address()))
	}

	return functionOutcome{
		dispatched:  true,
		matches:     combined,
		promoted:    promoted,
		basicBlocks: len(bbs),
		features:    featureCount,
	}
}

// promoteNamespaces injects MatchedRule(namespace) features for every
// ancestor of name's namespace into fs, so a rule depending on a parent
// namespace sees the feature regardless of which specific descendant
// rule matched (spec §4.5, §9).
func promoteNamespaces(fs *feature.Set, rs *ruleset.RuleSet, name string, addrs feature.AddressSet) {
	r, ok := rs.ByName[name]
	if !ok {
		return
	}
	for _, ns := range rule.NamespacePrefixes(r.Meta.Namespace) {
		fs.AddAll(feature.NewMatchedRule(ns), addrs)
	}
}

// matchScope evaluates rules in order against fs, injecting each
// matched rule's MatchedRule feature (and its namespace ancestors)
// before moving to the next rule, so later rules in the same ordered
// list can reference earlier ones (spec §4.6).
func matchScope(rules []*rule.Rule, fs *feature.Set, at feature.Address) map[string]Record {
	out := make(map[string]Record)
	for _, r := range rules {
		node := Evaluate(r.Statement, fs)
		if !node.Result.Matched {
			continue
		}
		out[r.Name] = Record{Address: at, Tree: node}
		addrs := feature.NewAddressSet(at)
		fs.AddAll(feature.NewMatchedRule(r.Name), addrs)
		for _, ns := range rule.NamespacePrefixes(r.Meta.Namespace) {
			fs.AddAll(feature.NewMatchedRule(ns), addrs)
		}
	}
	return out
}

func sortRecords(matches map[string][]Record) {
	for _, records := range matches {
		sort.Slice(records, func(i, j int) bool { return records[i].Address < records[j].Address })
	}
}
