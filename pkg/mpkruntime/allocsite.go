// Copyright 2026 The MPK Untrusted Authors.
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

// Package mpkruntime is the in-process half of the untrusted-allocation
// profiler. It tracks live heap allocations of an instrumented program,
// recovers from protection-key faults by single-stepping the faulting
// instruction, and exports the set of faulting allocation sites when the
// process exits.
package mpkruntime

import (
	"github.com/securesystemslab/mpkuntrusted/pkg/hostarch"
)

// AllocSite is the metadata recorded for one allocation made by an
// instrumented allocation site. A site is immutable once constructed; the
// fault path copies it before tagging the copy with the faulting key.
//
// The identifying triple (FuncName, ID, BBName) is assigned by the
// post-instrumentation patcher and ties the runtime observation back to the
// call site in the program's IR.
type AllocSite struct {
	// Ptr is the base address returned by the allocator.
	Ptr hostarch.Addr

	// Size is the allocation length in bytes, strictly positive for valid
	// sites.
	Size int64

	// ID is the patcher-assigned identifier, unique within FuncName.
	ID int64

	// Pkey is the protection key observed when this site faulted. It is
	// zero until the site is inserted into the fault set.
	Pkey uint32

	// BBName and FuncName name the basic block and function containing
	// the allocation call.
	BBName   string
	FuncName string

	// IsRealloc marks sites created by a realloc call.
	IsRealloc bool

	// Assoc holds the ancestral sites of a realloc chain: every site that
	// previously owned the storage now tracked by this one. A fault on
	// this site marks all of them. The slice is a snapshot built when the
	// site is created and is never mutated afterwards, so the fault path
	// may walk it without locking.
	Assoc []AllocSite
}

// errorSite returns the sentinel returned by lookups that find nothing. It is
// invalid by construction: Valid rejects both the negative size and the
// negative identifier.
func errorSite() AllocSite {
	return AllocSite{Size: -1, ID: -1}
}

// Valid returns whether the site describes a real allocation.
//
//go:nosplit
func (a *AllocSite) Valid() bool {
	return a.Ptr != 0 && a.Size > 0 && a.ID >= 0
}

// Contains returns whether p falls inside the allocation. The end address is
// computed with overflow detection: an allocation whose extent would wrap the
// address space contains nothing.
//
//go:nosplit
func (a *AllocSite) Contains(p hostarch.Addr) bool {
	end, ok := a.Ptr.AddLength(uint64(a.Size))
	if !ok {
		return false
	}
	return a.Ptr <= p && p < end
}

// Less is the total order used by the fault set: identifier first, then
// function name, then base address. Identifiers are only unique per function,
// so the function name has to outrank the pointer; otherwise two sites that
// share an identifier in different functions could be conflated.
//
//go:nosplit
func (a *AllocSite) Less(b *AllocSite) bool {
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	if a.FuncName != b.FuncName {
		return a.FuncName < b.FuncName
	}
	return a.Ptr < b.Ptr
}

// equal returns whether a and b occupy the same position in the fault-set
// order.
//
//go:nosplit
func (a *AllocSite) equal(b *AllocSite) bool {
	return !a.Less(b) && !b.Less(a)
}
