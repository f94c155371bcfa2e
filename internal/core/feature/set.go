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

package feature

import "sort"

// Address is an opaque program location: a virtual address, a basic
// block's starting address, or 0 for file-scope matches. Address
// values are only ever compared for equality/ordering, never arithmetic.
type Address uint64

// AddressSet is a deduplicated, orderable collection of locations at
// which a feature (or a match) was observed. A nil/empty AddressSet is
// valid and means "present, location unknown" (spec §3).
type AddressSet map[Address]struct{}

func NewAddressSet(addrs ...Address) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

func (s AddressSet) Add(a Address) { s[a] = struct{}{} }

func (s AddressSet) Has(a Address) bool {
	_, ok := s[a]
	return ok
}

// Union returns a new AddressSet containing every address in s or other.
func (s AddressSet) Union(other AddressSet) AddressSet {
	out := make(AddressSet, len(s)+len(other))
	for a := range s {
		out[a] = struct{}{}
	}
	for a := range other {
		out[a] = struct{}{}
	}
	return out
}

// Sorted returns the set's addresses in ascending order.
func (s AddressSet) Sorted() []Address {
	out := make([]Address, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// entry pairs a Feature with the locations it was observed at, keyed
// internally by Feature.Key so FeatureSet can hold features whose Go
// representation (e.g. *apd.Decimal) is not itself comparable.
type entry struct {
	feature   Feature
	addresses AddressSet
}

// Set maps features to the addresses they were observed at. It is the
// FeatureSet of spec §3.
type Set struct {
	entries map[string]*entry
}

func NewSet() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Add records f as observed at addr. Passing the zero Address is valid
// (some file-scope features carry no location); to record "present,
// no location at all" use AddNoLocation.
func (s *Set) Add(f Feature, addr Address) {
	e := s.entry(f)
	e.addresses.Add(addr)
}

// AddNoLocation records f as present without any contributing address.
func (s *Set) AddNoLocation(f Feature) {
	s.entry(f)
}

// AddAll merges addrs into f's address set (addrs may be empty).
func (s *Set) AddAll(f Feature, addrs AddressSet) {
	e := s.entry(f)
	for a := range addrs {
		e.addresses.Add(a)
	}
}

func (s *Set) entry(f Feature) *entry {
	key := f.Key()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{feature: f, addresses: make(AddressSet)}
		s.entries[key] = e
	}
	return e
}

// Get returns the addresses f was observed at and whether f is present
// at all. An absent feature returns (nil, false); a present feature
// with no known location returns (empty-non-nil, true).
func (s *Set) Get(f Feature) (AddressSet, bool) {
	e, ok := s.entries[f.Key()]
	if !ok {
		return nil, false
	}
	return e.addresses, true
}

// Has reports whether f is present in s, regardless of location.
func (s *Set) Has(f Feature) bool {
	_, ok := s.entries[f.Key()]
	return ok
}

// Count returns the number of distinct addresses f was observed at (0
// if f is absent), used by Range statement evaluation.
func (s *Set) Count(f Feature) int {
	e, ok := s.entries[f.Key()]
	if !ok {
		return 0
	}
	return len(e.addresses)
}

// Merge copies every feature/address pair from other into s.
func (s *Set) Merge(other *Set) {
	if other == nil {
		return
	}
	for _, e := range other.entries {
		dst := s.entry(e.feature)
		for a := range e.addresses {
			dst.addresses.Add(a)
		}
	}
}

// Clone returns a deep copy of s.
func (s *Set) Clone() *Set {
	out := NewSet()
	out.Merge(s)
	return out
}

// Len returns the number of distinct features in s.
func (s *Set) Len() int { return len(s.entries) }

// Features returns every feature present in s, in no particular order.
func (s *Set) Features() []Feature {
	out := make([]Feature, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.feature)
	}
	return out
}
