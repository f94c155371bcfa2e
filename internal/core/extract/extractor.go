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

// Package extract defines the FeatureExtractor boundary (spec §6): the
// narrow interface through which the core consumes a disassembler, PE
// or ELF parser, or shellcode workspace. Implementations of this
// interface are explicitly out of this module's scope; only the
// contract lives here.
package extract

import "github.com/mandiant/capa-go/internal/core/feature"

// FunctionHandle identifies a function reported by an Extractor. It is
// opaque beyond its address.
type FunctionHandle struct{ address feature.Address }

func NewFunctionHandle(addr feature.Address) FunctionHandle { return FunctionHandle{addr} }
func (h FunctionHandle) Address() feature.Address           { return h.address }

// BasicBlockHandle identifies a basic block within a function. It is
// opaque beyond its address.
type BasicBlockHandle struct{ address feature.Address }

func NewBasicBlockHandle(addr feature.Address) BasicBlockHandle { return BasicBlockHandle{addr} }
func (h BasicBlockHandle) Address() feature.Address             { return h.address }

// InsnHandle identifies a single instruction within a basic block.
type InsnHandle struct{ address feature.Address }

func NewInsnHandle(addr feature.Address) InsnHandle { return InsnHandle{addr} }
func (h InsnHandle) Address() feature.Address       { return h.address }

// FeatureAt pairs a feature with the location it was observed at.
// HasAddress is false only for file-scope features that carry no
// location at all (spec §3: "an empty address set is allowed").
type FeatureAt struct {
	Feature    feature.Feature
	Address    feature.Address
	HasAddress bool
}

// Extractor is the narrow, consumed-only interface through which the
// matcher obtains features from a binary at file, function, basic
// block, and instruction granularity (spec §6).
type Extractor interface {
	// BaseAddress returns the image's preferred/mapped base address.
	BaseAddress() feature.Address

	// FileFeatures returns every feature observable at file scope:
	// strings, exports, imports, sections, function names, and the
	// "embedded pe" characteristic. Entries may have HasAddress=false.
	FileFeatures() ([]FeatureAt, error)

	// Functions enumerates every function in the binary.
	Functions() ([]FunctionHandle, error)

	// IsLibraryFunction reports whether the function at addr was
	// identified (e.g. via FLIRT signatures, out of this module's
	// scope) as a statically linked library function; such functions
	// are recorded but not matched against (spec §4.6).
	IsLibraryFunction(addr feature.Address) (bool, error)

	// FunctionName returns a human-readable name for the function at
	// addr, used for diagnostics and for the FunctionName feature.
	FunctionName(addr feature.Address) (string, error)

	// FunctionFeatures returns features observable at the granularity
	// of the whole function (not its basic blocks or instructions).
	FunctionFeatures(f FunctionHandle) ([]FeatureAt, error)

	// BasicBlocks enumerates every basic block within f.
	BasicBlocks(f FunctionHandle) ([]BasicBlockHandle, error)

	// BasicBlockFeatures returns features observable at the granularity
	// of a single basic block (not its instructions).
	BasicBlockFeatures(f FunctionHandle, b BasicBlockHandle) ([]FeatureAt, error)

	// Instructions enumerates every instruction within b.
	Instructions(f FunctionHandle, b BasicBlockHandle) ([]InsnHandle, error)

	// InstructionFeatures returns features observable at a single
	// instruction; the driver adds these into both the instruction's
	// basic block's feature set and its enclosing function's.
	InstructionFeatures(f FunctionHandle, b BasicBlockHandle, insn InsnHandle) ([]FeatureAt, error)
}
