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
	"github.com/google/btree"

	"github.com/securesystemslab/mpkuntrusted/pkg/hostarch"
	"github.com/securesystemslab/mpkuntrusted/pkg/sync"
)

// allocMapDegree is the btree degree. The map holds one entry per live
// allocation, so the tree can get large; 16 keeps it shallow.
const allocMapDegree = 16

// AllocMap maps the base address of each live allocation to its site
// metadata, ordered by address so that an interior pointer can be resolved to
// the allocation containing it.
//
// Hooks insert and remove entries from ordinary goroutine context and may
// allocate tree nodes. The fault path only calls Lookup, which walks
// already-allocated storage; it takes the same spin lock, so hook critical
// sections must stay minimal.
type AllocMap struct {
	mu   sync.SpinMutex
	tree *btree.BTreeG[AllocSite]
}

// NewAllocMap returns an empty AllocMap.
func NewAllocMap() *AllocMap {
	return &AllocMap{
		tree: btree.NewG[AllocSite](allocMapDegree, func(a, b AllocSite) bool {
			return a.Ptr < b.Ptr
		}),
	}
}

// Insert records site under p, replacing any previous entry at the same base
// address.
func (m *AllocMap) Insert(p hostarch.Addr, site AllocSite) {
	site.Ptr = p
	m.mu.Lock()
	m.tree.ReplaceOrInsert(site)
	m.mu.Unlock()
}

// Remove drops the entry at base address p, if any.
func (m *AllocMap) Remove(p hostarch.Addr) {
	m.mu.Lock()
	m.tree.Delete(AllocSite{Ptr: p})
	m.mu.Unlock()
}

// Len returns the number of live entries.
func (m *AllocMap) Len() int {
	m.mu.Lock()
	n := m.tree.Len()
	m.mu.Unlock()
	return n
}

// Lookup resolves p to the site whose range contains it. p need not be the
// base address: the greatest entry at or below p is the only candidate, since
// entries are keyed by base and live ranges do not overlap. If that entry
// does not contain p, or the map is empty, the error site is returned.
//
// Called from the SIGSEGV handler. No allocation, no splittable calls beyond
// the tree descent over existing nodes.
//
//go:nosplit
func (m *AllocMap) Lookup(p hostarch.Addr) AllocSite {
	m.mu.Lock()

	if m.tree.Len() == 0 {
		m.mu.Unlock()
		reportLookupEmpty()
		return errorSite()
	}

	found := errorSite()
	m.tree.DescendLessOrEqual(AllocSite{Ptr: p}, func(s AllocSite) bool {
		found = s
		return false
	})
	m.mu.Unlock()

	if found.Ptr == p && found.Valid() {
		return found
	}
	if found.Valid() && found.Contains(p) {
		return found
	}
	reportLookupMiss(uint64(p))
	return errorSite()
}
