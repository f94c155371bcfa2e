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
	"math/big"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"github.com/mandiant/capa-go/capaerrors"
	"github.com/mandiant/capa-go/internal/core/feature"
)

// newFeatureFor builds a Feature for a recognized feature key. value is
// the already inline-description-stripped scalar (as a string; numeric
// keys parse it themselves). A bare YAML number arrives here as its
// decimal text.
func newFeatureFor(key, value, desc string) (feature.Feature, error) {
	switch {
	case key == "api":
		return feature.NewAPI(value, desc), nil
	case key == "string":
		return feature.NewString(value), nil
	case key == "mnemonic":
		return feature.NewMnemonic(value, desc), nil
	case key == "basic blocks":
		n, err := parseDecimal(value)
		if err != nil {
			return feature.Feature{}, err
		}
		return feature.NewBasicBlockCount(n, desc), nil
	case key == "characteristic":
		return feature.NewCharacteristic(value, desc), nil
	case key == "export":
		return feature.NewExport(value, desc), nil
	case key == "import":
		return feature.NewImport(value, desc), nil
	case key == "section":
		return feature.NewSection(value, desc), nil
	case key == "match":
		return feature.NewMatchedRule(value), nil
	case key == "function-name":
		return feature.NewFunctionName(value, desc), nil
	case key == "number" || strings.HasPrefix(key, "number/"):
		n, arch, err := parseNumberLike(key, "number", value)
		if err != nil {
			return feature.Feature{}, err
		}
		return feature.NewNumber(n, arch, desc), nil
	case key == "offset" || strings.HasPrefix(key, "offset/"):
		n, arch, err := parseNumberLike(key, "offset", value)
		if err != nil {
			return feature.Feature{}, err
		}
		return feature.NewOffset(n, arch, desc), nil
	default:
		return feature.Feature{}, capaerrors.NewInvalidRule("unexpected statement: %s", key)
	}
}

func parseNumberLike(key, base, value string) (*apd.Decimal, feature.Arch, error) {
	arch := feature.ArchGlobal
	if rest, ok := strings.CutPrefix(key, base+"/"); ok {
		switch rest {
		case "32":
			arch = feature.Arch32
		case "64":
			arch = feature.Arch64
		default:
			return nil, arch, capaerrors.NewInvalidRule("unexpected architecture: %s", rest)
		}
	}
	n, err := parseDecimal(value)
	if err != nil {
		return nil, arch, err
	}
	return n, arch, nil
}

// parseDecimal parses a decimal or 0x-prefixed hex integer (negative
// values allowed) into an arbitrary-precision apd.Decimal, so binary
// constants wider than 64 bits round-trip exactly. Hex digits are
// converted through math/big, since apd has no native hex parser.
func parseDecimal(s string) (*apd.Decimal, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	var d apd.Decimal
	if strings.HasPrefix(s, "0x") {
		bi, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return nil, capaerrors.NewInvalidRule("unexpected value: %q, must begin with numerical value", s)
		}
		if _, _, err := d.SetString(bi.String()); err != nil {
			return nil, capaerrors.NewInvalidRule("unexpected value: %q, must begin with numerical value", s)
		}
	} else {
		if _, _, err := d.SetString(s); err != nil {
			return nil, capaerrors.NewInvalidRule("unexpected value: %q, must begin with numerical value", s)
		}
	}
	if neg {
		d.Negative = !d.Negative
	}
	return &d, nil
}
