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

// Package scope defines capa's three match granularities (file,
// function, basic block) and the feature-vocabulary compatibility
// rules the loader enforces for each (spec §3, §4.2).
package scope

import (
	"fmt"

	"github.com/mandiant/capa-go/internal/core/feature"
)

// Scope is the granularity a rule (or a subtree of a rule) matches at.
type Scope int

const (
	ScopeFile Scope = iota
	ScopeFunction
	ScopeBasicBlock
)

func (s Scope) String() string {
	switch s {
	case ScopeFile:
		return "file"
	case ScopeFunction:
		return "function"
	case ScopeBasicBlock:
		return "basic block"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ParseScope parses the loader's scope key spelling ("file", "function",
// "basic block"). It returns ok=true only for those recognized
// spellings; empty or unknown input yields ok=false, and applying the
// ScopeFunction default for a missing scope is left to the caller
// (spec §4.2: "Scope defaults to function if unspecified").
func ParseScope(s string) (Scope, bool) {
	switch s {
	case "file":
		return ScopeFile, true
	case "function":
		return ScopeFunction, true
	case "basic block":
		return ScopeBasicBlock, true
	default:
		return 0, false
	}
}

// basic-block-level characteristic tags: observable at the granularity
// of a single basic block.
var bbCharacteristics = map[string]bool{
	"nzxor":              true,
	"peb access":         true,
	"cross section flow": true,
	"stack string":       true,
	"indirect call":      true,
	"tight loop":         true,
}

// function-only characteristic tags: only meaningful once a whole
// function's control-flow graph is known.
var functionOnlyCharacteristics = map[string]bool{
	"loop":           true,
	"calls from":     true,
	"calls to":       true,
	"recursive call": true,
}

var fileCharacteristics = map[string]bool{
	"embedded pe": true,
}

// AllCharacteristics lists every characteristic tag recognized by any
// scope, for validation error messages.
func AllCharacteristics() []string {
	var out []string
	for _, m := range []map[string]bool{bbCharacteristics, functionOnlyCharacteristics, fileCharacteristics} {
		for tag := range m {
			out = append(out, tag)
		}
	}
	return out
}

// ValidFeatureKind reports whether a feature of kind k may appear as a
// leaf at scope s.
func ValidFeatureKind(s Scope, k feature.Kind) bool {
	switch s {
	case ScopeBasicBlock:
		switch k {
		case feature.KindAPI, feature.KindString, feature.KindRegex, feature.KindSubstring,
			feature.KindBytes, feature.KindNumber, feature.KindOffset, feature.KindMnemonic,
			feature.KindCharacteristic, feature.KindMatchedRule:
			return true
		}
		return false
	case ScopeFunction:
		switch k {
		case feature.KindAPI, feature.KindString, feature.KindRegex, feature.KindSubstring,
			feature.KindBytes, feature.KindNumber, feature.KindOffset, feature.KindMnemonic,
			feature.KindCharacteristic, feature.KindBasicBlockCount, feature.KindMatchedRule:
			return true
		}
		return false
	case ScopeFile:
		switch k {
		case feature.KindMatchedRule, feature.KindString, feature.KindRegex, feature.KindSubstring,
			feature.KindExport, feature.KindImport, feature.KindSection, feature.KindFunctionName,
			feature.KindCharacteristic:
			return true
		}
		return false
	default:
		return false
	}
}

// ValidCharacteristic reports whether tag is a recognized characteristic
// at scope s.
func ValidCharacteristic(s Scope, tag string) bool {
	switch s {
	case ScopeBasicBlock:
		return bbCharacteristics[tag]
	case ScopeFunction:
		return bbCharacteristics[tag] || functionOnlyCharacteristics[tag]
	case ScopeFile:
		return fileCharacteristics[tag]
	default:
		return false
	}
}

// ValidSubscopeTransition reports whether a Subscope(child) statement
// with scope `child` is permitted to appear inside a rule/subtree whose
// enclosing scope is `parent` (spec §4.2: function only at file scope,
// basic block only at function scope).
func ValidSubscopeTransition(parent, child Scope) bool {
	switch parent {
	case ScopeFile:
		return child == ScopeFunction
	case ScopeFunction:
		return child == ScopeBasicBlock
	default:
		return false
	}
}
