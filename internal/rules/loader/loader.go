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

// Package loader parses capa's declarative rule documents (spec §4.2)
// into rule.Rule values: a top-level `rule` key containing `meta` and a
// single-entry `features` list, recursively desugared into the
// stmt.Statement tree.
package loader

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mandiant/capa-go/capaerrors"
	"github.com/mandiant/capa-go/internal/core/feature"
	"github.com/mandiant/capa-go/internal/core/rule"
	"github.com/mandiant/capa-go/internal/core/scope"
	"github.com/mandiant/capa-go/internal/core/stmt"
)

// descriptionSeparator splits an inline scalar like "10 = CONST_FOO"
// into its value and description.
const descriptionSeparator = " = "

// maxBytesFeatureSize mirrors feature.MaxBytesLength; kept as a local
// alias so the error message matches the original grammar's wording.
const maxBytesFeatureSize = feature.MaxBytesLength

type document struct {
	Rule struct {
		Meta     map[string]interface{} `yaml:"meta"`
		Features []interface{}          `yaml:"features"`
	} `yaml:"rule"`
}

// ParseRule parses a single rule document. path is attached to any
// error for diagnostics; pass "" when the source has no file of origin.
func ParseRule(src []byte, path string) (*rule.Rule, error) {
	var doc document
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, capaerrors.NewInvalidRule("failed to parse rule: %s", err).WithPath(path)
	}

	if doc.Rule.Meta == nil {
		return nil, capaerrors.NewInvalidRule("rule document missing \"meta\"").WithPath(path)
	}
	if len(doc.Rule.Features) != 1 {
		return nil, capaerrors.NewInvalidRule("rule must begin with a single top level statement").WithPath(path)
	}

	meta, err := parseMeta(doc.Rule.Meta)
	if err != nil {
		return nil, asInvalidRule(err).WithPath(path)
	}

	sc, ok := scope.ParseScope(scopeOrDefault(doc.Rule.Meta))
	if !ok {
		return nil, capaerrors.NewInvalidRule("%s is not a supported scope", scopeOrDefault(doc.Rule.Meta)).
			WithPath(path).WithRule(meta.Name)
	}

	top, ok := doc.Rule.Features[0].(map[string]interface{})
	if !ok {
		return nil, capaerrors.NewInvalidRule("top level statement must be a mapping").WithPath(path).WithRule(meta.Name)
	}
	if isSubscopeKey(onlyStatementKey(top)) {
		return nil, capaerrors.NewInvalidRule("top level statement may not be a subscope").WithPath(path).WithRule(meta.Name)
	}

	statement, err := buildStatement(top, sc)
	if err != nil {
		return nil, asInvalidRule(err).WithPath(path).WithRule(meta.Name)
	}

	r := &rule.Rule{
		Name:       meta.Name,
		Scope:      sc,
		Statement:  statement,
		Meta:       meta,
		SourceText: string(src),
	}
	if err := r.Validate(); err != nil {
		return nil, capaerrors.NewInvalidRule("%s", err).WithPath(path).WithRule(meta.Name)
	}
	return r, nil
}

func asInvalidRule(err error) *capaerrors.InvalidRuleError {
	if ire, ok := err.(*capaerrors.InvalidRuleError); ok {
		return ire
	}
	return capaerrors.NewInvalidRule("%s", err)
}

func scopeOrDefault(meta map[string]interface{}) string {
	if s, ok := meta["scope"].(string); ok && s != "" {
		return s
	}
	return "function"
}

// onlyStatementKey returns the single non-"description" key of a
// statement-level map, or "" if there isn't exactly one.
func onlyStatementKey(d map[string]interface{}) string {
	key := ""
	n := 0
	for k := range d {
		if k == "description" {
			continue
		}
		key = k
		n++
	}
	if n != 1 {
		return ""
	}
	return key
}

func isSubscopeKey(key string) bool {
	return key == "function" || key == "basic block"
}

// buildStatement desugars one statement-level map into a stmt.Statement,
// following the grammar of spec §4.2.
func buildStatement(d map[string]interface{}, sc scope.Scope) (*stmt.Statement, error) {
	if len(d) > 2 {
		return nil, capaerrors.NewInvalidRule("too many statements")
	}

	key := onlyStatementKey(d)
	if key == "" {
		return nil, capaerrors.NewInvalidRule("statement has no primary key")
	}
	value := d[key]

	switch {
	case key == "and":
		children, desc, err := buildChildren(value, sc)
		if err != nil {
			return nil, err
		}
		return stmt.And(children, desc), nil

	case key == "or":
		children, desc, err := buildChildren(value, sc)
		if err != nil {
			return nil, err
		}
		return stmt.Or(children, desc), nil

	case key == "not":
		list, ok := value.([]interface{})
		if !ok || len(list) != 1 {
			return nil, capaerrors.NewInvalidRule("not statement must have exactly one child statement")
		}
		desc := popListDescription(&list)
		if len(list) != 1 {
			return nil, capaerrors.NewInvalidRule("not statement must have exactly one child statement")
		}
		child, err := buildChildStatement(list[0], sc)
		if err != nil {
			return nil, err
		}
		return stmt.Not(child, desc), nil

	case key == "optional":
		children, desc, err := buildChildren(value, sc)
		if err != nil {
			return nil, err
		}
		return stmt.Some(0, children, desc), nil

	case strings.HasSuffix(key, " or more") && isNOrMore(key):
		n, err := strconv.Atoi(strings.TrimSuffix(key, " or more"))
		if err != nil {
			return nil, capaerrors.NewInvalidRule("invalid count: %s", key)
		}
		children, desc, err := buildChildren(value, sc)
		if err != nil {
			return nil, err
		}
		return stmt.Some(n, children, desc), nil

	case key == "function":
		if sc != scope.ScopeFile {
			return nil, capaerrors.NewInvalidRule("function subscope supported only for file scope")
		}
		child, err := buildSingletonSubscope(value, scope.ScopeFunction)
		if err != nil {
			return nil, err
		}
		return stmt.Subscope(scope.ScopeFunction, child), nil

	case key == "basic block":
		if sc != scope.ScopeFunction {
			return nil, capaerrors.NewInvalidRule("basic block subscope supported only for function scope")
		}
		child, err := buildSingletonSubscope(value, scope.ScopeBasicBlock)
		if err != nil {
			return nil, err
		}
		return stmt.Subscope(scope.ScopeBasicBlock, child), nil

	case strings.HasPrefix(key, "count(") && strings.HasSuffix(key, ")"):
		return buildCount(key, value, sc)

	case key == "string":
		if _, ok := value.(string); !ok {
			return nil, capaerrors.NewInvalidRule("ambiguous string value %v, must be defined as explicit string", value)
		}
		f := feature.NewString(value.(string))
		if err := validateFeatureScope(sc, f); err != nil {
			return nil, err
		}
		return stmt.FeatureLeaf(f), nil

	default:
		f, err := parseFeatureLeaf(key, value, stringOrEmpty(d["description"]))
		if err != nil {
			return nil, err
		}
		if err := validateFeatureScope(sc, f); err != nil {
			return nil, err
		}
		return stmt.FeatureLeaf(f), nil
	}
}

func isNOrMore(key string) bool {
	prefix := strings.TrimSuffix(key, " or more")
	if prefix == "" {
		return false
	}
	for _, c := range prefix {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func stringOrEmpty(v interface{}) string {
	s, _ := v.(string)
	return s
}

// buildChildren parses a logic node's child list, first popping a
// {description: "..."} entry if present (spec §4.2 statement
// descriptions).
func buildChildren(value interface{}, sc scope.Scope) ([]*stmt.Statement, string, error) {
	list, ok := value.([]interface{})
	if !ok {
		return nil, "", capaerrors.NewInvalidRule("expected a list of child statements")
	}
	desc := popListDescription(&list)
	children := make([]*stmt.Statement, 0, len(list))
	for _, c := range list {
		child, err := buildChildStatement(c, sc)
		if err != nil {
			return nil, "", err
		}
		children = append(children, child)
	}
	return children, desc, nil
}

func buildChildStatement(raw interface{}, sc scope.Scope) (*stmt.Statement, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, capaerrors.NewInvalidRule("expected a mapping")
	}
	return buildStatement(m, sc)
}

// buildSingletonSubscope parses a `function`/`basic block` subscope's
// child: the value must be a list with exactly one child statement.
func buildSingletonSubscope(value interface{}, sc scope.Scope) (*stmt.Statement, error) {
	list, ok := value.([]interface{})
	if !ok || len(list) != 1 {
		return nil, capaerrors.NewInvalidRule("subscope must have exactly one child statement")
	}
	return buildChildStatement(list[0], sc)
}

// popListDescription removes and returns the value of a lone
// {description: "..."} entry from list, or "" if there is none.
func popListDescription(list *[]interface{}) string {
	found := -1
	desc := ""
	for i, item := range *list {
		m, ok := item.(map[string]interface{})
		if !ok || len(m) != 1 {
			continue
		}
		if d, ok := m["description"]; ok {
			if found >= 0 {
				// More than one description entry: leave the rest be;
				// the caller's own length checks (e.g. "not" expecting
				// one remaining child) will surface the resulting error.
				continue
			}
			found = i
			desc, _ = d.(string)
		}
	}
	if found >= 0 {
		*list = append((*list)[:found], (*list)[found+1:]...)
	}
	return desc
}

// buildCount desugars `count(term)` / `count(term(arg))` into a Range
// statement over the named feature (spec §4.2).
func buildCount(key string, value interface{}, sc scope.Scope) (*stmt.Statement, error) {
	term := strings.TrimSuffix(strings.TrimPrefix(key, "count("), ")")

	name, arg, hasArg := strings.Cut(term, "(")
	arg = strings.TrimSuffix(arg, ")")

	var f feature.Feature
	var desc string
	var err error
	if hasArg {
		if name == "string" {
			f = feature.NewString(arg)
		} else {
			var val string
			val, desc, err = parseInlineDescription(arg, "")
			if err != nil {
				return nil, err
			}
			f, err = newFeatureFor(name, val, desc)
			if err != nil {
				return nil, err
			}
		}
	} else {
		f, err = newFeatureFor(name, "", "")
		if err != nil {
			return nil, err
		}
	}
	if err := validateFeatureScope(sc, f); err != nil {
		return nil, err
	}

	min, max, err := parseCountRange(value)
	if err != nil {
		return nil, err
	}
	return stmt.Range(f, min, max, desc), nil
}

func parseCountRange(value interface{}) (min, max *int64, err error) {
	switch v := value.(type) {
	case int:
		n := int64(v)
		return &n, &n, nil
	case string:
		switch {
		case strings.HasSuffix(v, " or more"):
			n, err := parseInt(strings.TrimSuffix(v, " or more"))
			if err != nil {
				return nil, nil, err
			}
			return &n, nil, nil
		case strings.HasSuffix(v, " or fewer"):
			n, err := parseInt(strings.TrimSuffix(v, " or fewer"))
			if err != nil {
				return nil, nil, err
			}
			return nil, &n, nil
		case strings.HasPrefix(v, "("):
			return parseRange(v)
		default:
			return nil, nil, capaerrors.NewInvalidRule("unexpected range: %s", v)
		}
	default:
		return nil, nil, capaerrors.NewInvalidRule("unexpected range: %v", value)
	}
}

// parseRange parses "(min, max)" where either side may be empty
// (unbounded).
func parseRange(s string) (min, max *int64, err error) {
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, nil, capaerrors.NewInvalidRule("invalid range: %s", s)
	}
	body := s[1 : len(s)-1]
	minSpec, maxSpec, _ := strings.Cut(body, ",")
	minSpec = strings.TrimSpace(minSpec)
	maxSpec = strings.TrimSpace(maxSpec)

	if minSpec != "" {
		n, err := parseInt(minSpec)
		if err != nil {
			return nil, nil, err
		}
		if n < 0 {
			return nil, nil, capaerrors.NewInvalidRule("range min less than zero")
		}
		min = &n
	}
	if maxSpec != "" {
		n, err := parseInt(maxSpec)
		if err != nil {
			return nil, nil, err
		}
		if n < 0 {
			return nil, nil, capaerrors.NewInvalidRule("range max less than zero")
		}
		max = &n
	}
	if min != nil && max != nil && *max < *min {
		return nil, nil, capaerrors.NewInvalidRule("range max less than min")
	}
	return min, max, nil
}

func parseInt(s string) (int64, error) {
	if strings.HasPrefix(s, "0x") {
		n, err := strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 64)
		if err != nil {
			return 0, capaerrors.NewInvalidRule("invalid integer: %s", s)
		}
		return n, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, capaerrors.NewInvalidRule("invalid integer: %s", s)
	}
	return n, nil
}

// parseFeatureLeaf builds a Feature from a `<key>: <value>` statement
// entry, given an optional sibling `description` key.
func parseFeatureLeaf(key string, raw interface{}, siblingDesc string) (feature.Feature, error) {
	s, isStr := raw.(string)
	var value string
	var desc string
	var err error
	if isStr {
		value, desc, err = parseInlineDescription(s, siblingDesc)
		if err != nil {
			return feature.Feature{}, err
		}
	} else {
		desc = siblingDesc
		if raw != nil {
			value = fmt.Sprint(raw)
		}
	}

	switch {
	case key == "bytes":
		b, err := parseBytes(value)
		if err != nil {
			return feature.Feature{}, err
		}
		return feature.NewBytes(b, desc)
	case key == "number" || strings.HasPrefix(key, "number/"):
		return newFeatureFor(key, value, desc)
	case key == "offset" || strings.HasPrefix(key, "offset/"):
		return newFeatureFor(key, value, desc)
	case !isStr:
		// a scalar supplied directly as a YAML int (or other non-string
		// value), rendered to text above, with no inline description to
		// parse.
		return newFeatureFor(key, value, desc)
	default:
		return newFeatureFor(key, value, desc)
	}
}

// parseInlineDescription splits s into (value, description) using the
// " = " inline-description syntax (spec §4.2; "string" features never
// reach this, since their entire scalar is taken verbatim). siblingDesc
// is the statement's own `description:` key, if any; supplying both is
// an error.
func parseInlineDescription(s, siblingDesc string) (string, string, error) {
	if idx := strings.Index(s, descriptionSeparator); idx >= 0 {
		if siblingDesc != "" {
			return "", "", capaerrors.NewInvalidRule(
				"unexpected value: %q, only one description allowed (inline description with %q)", s, descriptionSeparator)
		}
		value := s[:idx]
		desc := s[idx+len(descriptionSeparator):]
		if desc == "" {
			return "", "", capaerrors.NewInvalidRule("unexpected value: %q, description cannot be empty", s)
		}
		return value, desc, nil
	}
	return s, siblingDesc, nil
}

// parseBytes decodes a hex string (spaces ignored) into a byte slice.
func parseBytes(s string) ([]byte, error) {
	clean := strings.ReplaceAll(s, " ", "")
	b, err := hexDecode(clean)
	if err != nil {
		return nil, capaerrors.NewInvalidRule("unexpected bytes value: must be a valid hex sequence: %q", s)
	}
	if len(b) > maxBytesFeatureSize {
		return nil, capaerrors.NewInvalidRule("unexpected bytes value: byte sequences must be no larger than %d bytes", maxBytesFeatureSize)
	}
	return b, nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexDigit(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexDigit(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

func validateFeatureScope(sc scope.Scope, f feature.Feature) error {
	if !scope.ValidFeatureKind(sc, f.Kind()) {
		return capaerrors.NewInvalidRule("feature %s not supported for scope %s", f.Kind(), sc)
	}
	if f.Kind() == feature.KindCharacteristic && !scope.ValidCharacteristic(sc, f.StringValue()) {
		return capaerrors.NewInvalidRule("feature %s not supported for scope %s", f, sc)
	}
	return nil
}
