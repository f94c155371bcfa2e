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

	"github.com/mandiant/capa-go/capaerrors"
	"github.com/mandiant/capa-go/internal/core/rule"
)

// knownMetaKeys mirrors rule.Meta's typed fields plus the scope/name
// keys consumed elsewhere; anything else lands in Meta.Extra.
var knownMetaKeys = map[string]bool{
	"name": true, "namespace": true, "lib": true, "att&ck": true, "mbc": true,
	"examples": true, "description": true, "scope": true,
}

// parseMeta builds a rule.Meta from the document's `meta` map.
func parseMeta(m map[string]interface{}) (rule.Meta, error) {
	name, _ := m["name"].(string)
	if name == "" {
		return rule.Meta{}, capaerrors.NewInvalidRule("rule has no name")
	}

	meta := rule.Meta{
		Name:        name,
		Namespace:   stringOrEmpty(m["namespace"]),
		Description: stringOrEmpty(m["description"]),
	}
	if lib, ok := m["lib"].(bool); ok {
		meta.Lib = lib
	}

	attack, err := stringList(m, "att&ck", "ATT&CK mapping must be a list")
	if err != nil {
		return rule.Meta{}, err
	}
	for _, s := range attack {
		meta.Attack = append(meta.Attack, parseAttackRef(s))
	}

	mbc, err := stringList(m, "mbc", "MBC mapping must be a list")
	if err != nil {
		return rule.Meta{}, err
	}
	for _, s := range mbc {
		meta.MBC = append(meta.MBC, parseMBCRef(s))
	}

	if examples, ok := m["examples"]; ok {
		list, ok := examples.([]interface{})
		if !ok {
			return rule.Meta{}, capaerrors.NewInvalidRule("examples must be a list")
		}
		for _, e := range list {
			if s, ok := e.(string); ok {
				meta.Examples = append(meta.Examples, s)
			}
		}
	}

	for k, v := range m {
		if knownMetaKeys[k] || isInternalKey(k) {
			continue
		}
		if meta.Extra == nil {
			meta.Extra = make(map[string]interface{})
		}
		meta.Extra[k] = v
	}

	return meta, nil
}

func isInternalKey(key string) bool {
	for _, k := range rule.InternalKeys {
		if k == key {
			return true
		}
	}
	return false
}

// stringList returns m[key] as a []string, requiring it to be absent or
// a YAML list; errMsg is used verbatim when it is present but not a
// list (spec §4.2: "att&ck and mbc must be lists if present").
func stringList(m map[string]interface{}, key, errMsg string) ([]string, error) {
	raw, ok := m[key]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, capaerrors.NewInvalidRule("%s", errMsg)
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// parseAttackRef parses the conventional capa ATT&CK mapping grammar,
// "Tactic::Technique::Sub-technique [TID]" (the trailing bracketed ID
// is optional; the path has 1-3 "::"-delimited components).
func parseAttackRef(s string) rule.AttackRef {
	body, id := splitTrailingID(s)
	parts := strings.Split(body, "::")
	ref := rule.AttackRef{Raw: s}
	if len(parts) > 0 {
		ref.Tactic = strings.TrimSpace(parts[0])
	}
	if len(parts) > 1 {
		ref.Technique = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		ref.SubTechnique = strings.TrimSpace(parts[2])
	}
	ref.ID = id
	return ref
}

// parseMBCRef parses the analogous MBC grammar,
// "Objective::Behavior::Method [MID]".
func parseMBCRef(s string) rule.MBCRef {
	body, id := splitTrailingID(s)
	parts := strings.Split(body, "::")
	ref := rule.MBCRef{Raw: s}
	if len(parts) > 0 {
		ref.Objective = strings.TrimSpace(parts[0])
	}
	if len(parts) > 1 {
		ref.Behavior = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		ref.Method = strings.TrimSpace(parts[2])
	}
	ref.ID = id
	return ref
}

// splitTrailingID splits a trailing "[...]" id marker off s, returning
// the remaining body (trimmed) and the bracketed contents (or "").
func splitTrailingID(s string) (body, id string) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "]") {
		if idx := strings.LastIndex(s, "["); idx >= 0 {
			return strings.TrimSpace(s[:idx]), s[idx+1 : len(s)-1]
		}
	}
	return s, ""
}
