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

package mpkruntime

import (
	"github.com/securesystemslab/mpkuntrusted/pkg/atomicbitops"
	"github.com/securesystemslab/mpkuntrusted/pkg/sync"
)

// faultSetCapacity bounds the number of distinct faulting sites recorded in
// one run. Insertions happen inside the SIGSEGV handler, so the backing array
// is allocated up front and never grows. A program with more distinct
// faulting sites than this sheds the excess (counted in dropped) and needs
// another profiling run to observe them.
const faultSetCapacity = 4096

// FaultSet accumulates the allocation sites observed to fault, ordered by
// AllocSite.Less. Each inserted site is a copy tagged with the faulting
// protection key.
type FaultSet struct {
	mu    sync.SpinMutex
	sites []AllocSite

	// dropped counts insertions rejected because the set was full.
	dropped atomicbitops.Uint32
}

// NewFaultSet returns an empty FaultSet with its backing storage
// preallocated.
func NewFaultSet() *FaultSet {
	return &FaultSet{
		sites: make([]AllocSite, 0, faultSetCapacity),
	}
}

// Insert adds a copy of site tagged with key. Inserting a site already in the
// set refreshes its key and is otherwise a no-op.
//
// Called from the SIGSEGV handler: no allocation. The sorted-slice insert is
// a memmove within preallocated capacity.
//
//go:nosplit
func (f *FaultSet) Insert(site AllocSite, key uint32) {
	site.Pkey = key

	f.mu.Lock()

	// Binary search for the insertion point.
	lo, hi := 0, len(f.sites)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if f.sites[mid].Less(&site) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	if lo < len(f.sites) && f.sites[lo].equal(&site) {
		f.sites[lo].Pkey = key
		f.mu.Unlock()
		return
	}

	if len(f.sites) == cap(f.sites) {
		f.mu.Unlock()
		f.dropped.Add(1)
		reportFaultSetFull()
		return
	}

	f.sites = f.sites[:len(f.sites)+1]
	copy(f.sites[lo+1:], f.sites[lo:])
	f.sites[lo] = site
	f.mu.Unlock()
}

// Len returns the number of recorded sites.
func (f *FaultSet) Len() int {
	f.mu.Lock()
	n := len(f.sites)
	f.mu.Unlock()
	return n
}

// Dropped returns the number of insertions shed due to capacity.
func (f *FaultSet) Dropped() uint32 {
	return f.dropped.Load()
}

// Snapshot returns a copy of the recorded sites in order. Not for use on the
// signal path.
func (f *FaultSet) Snapshot() []AllocSite {
	f.mu.Lock()
	out := make([]AllocSite, len(f.sites))
	copy(out, f.sites)
	f.mu.Unlock()
	return out
}
