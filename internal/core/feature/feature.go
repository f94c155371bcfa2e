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

// Package feature defines capa's typed feature vocabulary: the values
// extracted from a binary (API names, strings, byte sequences, numeric
// constants, characteristics, rule matches, ...) that rules match
// against. Features are value types: two features are equal, and hash
// identically, iff their kind and payload are equal. A feature's
// description is metadata only and never affects identity.
package feature

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Kind identifies a feature's payload shape.
type Kind int

const (
	KindAPI Kind = iota
	KindString
	KindRegex
	KindSubstring
	KindBytes
	KindNumber
	KindOffset
	KindMnemonic
	KindBasicBlockCount
	KindCharacteristic
	KindExport
	KindImport
	KindSection
	KindFunctionName
	KindMatchedRule
)

func (k Kind) String() string {
	switch k {
	case KindAPI:
		return "api"
	case KindString:
		return "string"
	case KindRegex:
		return "regex"
	case KindSubstring:
		return "substring"
	case KindBytes:
		return "bytes"
	case KindNumber:
		return "number"
	case KindOffset:
		return "offset"
	case KindMnemonic:
		return "mnemonic"
	case KindBasicBlockCount:
		return "basic blocks"
	case KindCharacteristic:
		return "characteristic"
	case KindExport:
		return "export"
	case KindImport:
		return "import"
	case KindSection:
		return "section"
	case KindFunctionName:
		return "function-name"
	case KindMatchedRule:
		return "match"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Arch tags a Number/Offset feature with the bitness it applies to, or
// leaves it unspecified ("global": matches regardless of bitness).
type Arch int

const (
	ArchGlobal Arch = iota
	Arch32
	Arch64
)

func (a Arch) String() string {
	switch a {
	case Arch32:
		return "32"
	case Arch64:
		return "64"
	default:
		return "global"
	}
}

// MaxBytesLength is the maximum length, in bytes, of a Bytes feature
// literal (spec §3).
const MaxBytesLength = 100

// Feature is a tagged, immutable, value-typed feature literal.
//
// Construct one with the New* functions below; the zero Feature is not
// valid. Equality and Key are defined over kind+payload only;
// Description is carried for rendering and is excluded from both.
type Feature struct {
	kind        Kind
	str         string
	num         *apd.Decimal
	arch        Arch
	bytes       []byte
	description string
}

func NewAPI(name, description string) Feature {
	return Feature{kind: KindAPI, str: name, description: description}
}

func NewString(value string) Feature {
	// String takes the entire scalar verbatim: no inline description is
	// permitted (spec §4.2), so there is no description parameter here.
	return Feature{kind: KindString, str: value}
}

func NewRegex(pattern, description string) Feature {
	return Feature{kind: KindRegex, str: pattern, description: description}
}

func NewSubstring(pattern, description string) Feature {
	return Feature{kind: KindSubstring, str: pattern, description: description}
}

func NewBytes(value []byte, description string) (Feature, error) {
	if len(value) > MaxBytesLength {
		return Feature{}, fmt.Errorf("bytes feature exceeds %d bytes (got %d)", MaxBytesLength, len(value))
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return Feature{kind: KindBytes, bytes: cp, description: description}, nil
}

func NewNumber(value *apd.Decimal, arch Arch, description string) Feature {
	return Feature{kind: KindNumber, num: value, arch: arch, description: description}
}

func NewOffset(value *apd.Decimal, arch Arch, description string) Feature {
	return Feature{kind: KindOffset, num: value, arch: arch, description: description}
}

func NewMnemonic(name, description string) Feature {
	return Feature{kind: KindMnemonic, str: name, description: description}
}

func NewBasicBlockCount(value *apd.Decimal, description string) Feature {
	return Feature{kind: KindBasicBlockCount, num: value, description: description}
}

func NewCharacteristic(tag, description string) Feature {
	return Feature{kind: KindCharacteristic, str: tag, description: description}
}

func NewExport(name, description string) Feature {
	return Feature{kind: KindExport, str: name, description: description}
}

func NewImport(name, description string) Feature {
	return Feature{kind: KindImport, str: name, description: description}
}

func NewSection(name, description string) Feature {
	return Feature{kind: KindSection, str: name, description: description}
}

func NewFunctionName(name, description string) Feature {
	return Feature{kind: KindFunctionName, str: name, description: description}
}

// NewMatchedRule builds the synthetic feature injected after a rule
// (or every rule in a namespace) matches. name may be a rule name or a
// namespace path; the two share an identity space the same way the
// capa source format allows `match: <rule-name-or-namespace>`.
func NewMatchedRule(name string) Feature {
	return Feature{kind: KindMatchedRule, str: name}
}

func (f Feature) Kind() Kind          { return f.kind }
func (f Feature) Description() string { return f.description }
func (f Feature) StringValue() string { return f.str }
func (f Feature) Bytes() []byte       { return f.bytes }
func (f Feature) Number() *apd.Decimal { return f.num }
func (f Feature) Arch() Arch           { return f.arch }

// WithDescription returns a copy of f with its description replaced.
// Description is not part of identity, so this never changes Key().
func (f Feature) WithDescription(description string) Feature {
	f.description = description
	return f
}

// Key returns a canonical string encoding of f's kind and payload,
// excluding its description. Two features are equal iff their Key is
// equal; FeatureSet uses Key as its map key.
func (f Feature) Key() string {
	var b strings.Builder
	b.WriteString(f.kind.String())
	b.WriteByte('\x00')
	switch f.kind {
	case KindNumber, KindOffset, KindBasicBlockCount:
		b.WriteString(f.arch.String())
		b.WriteByte('\x00')
		if f.num != nil {
			b.WriteString(f.num.Text('f'))
		}
	case KindBytes:
		fmt.Fprintf(&b, "%x", f.bytes)
	default:
		b.WriteString(f.str)
	}
	return b.String()
}

// String renders f for debugging/logging.
func (f Feature) String() string {
	switch f.kind {
	case KindBytes:
		return fmt.Sprintf("bytes(%x)", f.bytes)
	case KindNumber, KindOffset, KindBasicBlockCount:
		val := ""
		if f.num != nil {
			val = f.num.Text('f')
		}
		if f.arch == ArchGlobal {
			return fmt.Sprintf("%s(%s)", f.kind, val)
		}
		return fmt.Sprintf("%s(%s, arch=%s)", f.kind, val, f.arch)
	default:
		return fmt.Sprintf("%s(%q)", f.kind, f.str)
	}
}

// Equal reports whether f and g have the same kind and payload.
func (f Feature) Equal(g Feature) bool { return f.Key() == g.Key() }
