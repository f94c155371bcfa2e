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

// Package emit re-serializes a rule's source document in capa's
// canonical format (spec §4.3): meta keys reordered to a fixed
// preference, internal keys stripped, block-style lists indented two
// spaces, and a handful of textual touch-ups yaml.v3's encoder doesn't
// do on its own.
package emit

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mandiant/capa-go/internal/core/rule"
)

// metaKeyOrder is the preferred ordering for standard meta fields; any
// key not listed here is emitted afterward, alphabetically.
var metaKeyOrder = []string{
	"name",
	"namespace",
	"rule-category",
	"maec/analysis-conclusion",
	"maec/analysis-conclusion-ov",
	"maec/malware-category",
	"maec/malware-category-ov",
	"author",
	"description",
	"lib",
	"scope",
	"att&ck",
	"mbc",
	"references",
	"examples",
}

// Emit re-renders r's source document in canonical form. It preserves
// comments and statement ordering in `features` (those nodes are left
// untouched) and only rewrites `meta`'s key order and the document's
// top-level formatting.
func Emit(r *rule.Rule) (string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(r.SourceText), &doc); err != nil {
		return "", err
	}
	if len(doc.Content) == 0 {
		return "", errEmptyDocument
	}

	top := doc.Content[0]
	ruleNode, err := mappingValue(top, "rule")
	if err != nil {
		return "", err
	}
	metaNode, err := mappingValue(ruleNode, "meta")
	if err != nil {
		return "", err
	}

	setScalar(metaNode, "name", r.Name)
	setScalar(metaNode, "scope", r.Scope.String())
	stripInternalKeys(metaNode)
	reorderMapping(metaNode, metaKeyOrder)
	reorderMapping(ruleNode, []string{"meta", "features"})

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", err
	}
	enc.Close()

	out := strings.TrimRight(buf.String(), "\n") + "\n"
	out = indentFeatureDescriptions(out)
	out = negativeHexPattern.ReplaceAllString(out, `-0x$1`)
	out = strings.ReplaceAll(out, "\r\n", "\n")
	return out, nil
}

var errEmptyDocument = errors.New("rule document is empty")

// mappingValue returns the value node paired with key in a mapping
// node, or an error if key is absent.
func mappingValue(mapping *yaml.Node, key string) (*yaml.Node, error) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1], nil
		}
	}
	return nil, fmt.Errorf("missing %q key", key)
}

// setScalar assigns a plain scalar value to key within mapping,
// creating the key/value pair if it doesn't already exist.
func setScalar(mapping *yaml.Node, key, value string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}

// stripInternalKeys removes every rule.InternalKeys entry from mapping.
// Mirroring capa's own to_yaml, these are never written back: the
// engine's typed rule.Meta fields (Nursery, Path, SubscopeRule, Parent)
// already carry this state out of band, so the re-emitted document
// need not expose it.
func stripInternalKeys(mapping *yaml.Node) {
	internal := make(map[string]bool, len(rule.InternalKeys))
	for _, k := range rule.InternalKeys {
		internal[k] = true
	}
	var kept []*yaml.Node
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if internal[mapping.Content[i].Value] {
			continue
		}
		kept = append(kept, mapping.Content[i], mapping.Content[i+1])
	}
	mapping.Content = kept
}

// reorderMapping rewrites mapping's key order: keys in preferred order
// come first (in that order, when present), then any remaining keys
// alphabetically.
func reorderMapping(mapping *yaml.Node, preferred []string) {
	pairs := make(map[string][2]*yaml.Node, len(mapping.Content)/2)
	var remaining []string
	preferredSet := make(map[string]bool, len(preferred))
	for _, k := range preferred {
		preferredSet[k] = true
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		k := mapping.Content[i].Value
		pairs[k] = [2]*yaml.Node{mapping.Content[i], mapping.Content[i+1]}
		if !preferredSet[k] {
			remaining = append(remaining, k)
		}
	}
	sort.Strings(remaining)

	ordered := make([]*yaml.Node, 0, len(mapping.Content))
	seen := make(map[string]bool, len(pairs))
	for _, k := range preferred {
		if p, ok := pairs[k]; ok && !seen[k] {
			ordered = append(ordered, p[0], p[1])
			seen[k] = true
		}
	}
	for _, k := range remaining {
		if seen[k] {
			continue
		}
		p := pairs[k]
		ordered = append(ordered, p[0], p[1])
		seen[k] = true
	}
	mapping.Content = ordered
}

// negativeHexPattern matches yaml.v3's rendering of a negative hex
// apd.Decimal-derived scalar, `!!int '0x-NN'`, which we prefer to
// render as `-0xNN` (spec §4.3).
var negativeHexPattern = regexp.MustCompile(`!!int '0x-([0-9a-fA-F]+)'`)

// descriptionIndentPattern finds a `description:` line as emitted by
// the encoder inside the features subtree, which sits one level
// shallower than its sibling feature key; we add two spaces so it
// lines up underneath it, matching capa's own ruamel post-processing.
var descriptionIndentPattern = regexp.MustCompile(`(?m)^(\s\s)description:`)

func indentFeatureDescriptions(doc string) string {
	idx := strings.Index(doc, "features")
	if idx < 0 {
		return doc
	}
	head, tail := doc[:idx], doc[idx:]
	tail = descriptionIndentPattern.ReplaceAllString(tail, "    description:")
	return head + tail
}
