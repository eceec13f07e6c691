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
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// newTestHandler builds a Handler without touching the singleton: tests must
// not install the process-wide fault handlers.
func newTestHandler() *Handler {
	return &Handler{
		allocs:  NewAllocMap(),
		faults:  NewFaultSet(),
		pending: NewPendingKeyMap(),
	}
}

func TestFaultMarksSite(t *testing.T) {
	h := newTestHandler()
	h.Alloc(0x1000, 64, 7, "block0", "foo")

	h.Fault(0x1020, 5)

	sites := h.faults.Snapshot()
	if len(sites) != 1 {
		t.Fatalf("fault set has %d sites, want 1", len(sites))
	}
	if sites[0].ID != 7 || sites[0].Pkey != 5 {
		t.Errorf("faulting site = %+v, want id 7 pkey 5", sites[0])
	}
}

func TestFaultUnknownAddress(t *testing.T) {
	h := newTestHandler()
	h.Alloc(0x1000, 64, 7, "block0", "foo")

	h.Fault(0x9000, 5)

	if n := h.faults.Len(); n != 0 {
		t.Errorf("fault on unknown address recorded %d sites, want 0", n)
	}
}

func TestReallocAncestry(t *testing.T) {
	h := newTestHandler()
	h.Alloc(0x1000, 64, 1, "block0", "foo")
	h.Realloc(0x2000, 128, 0x1000, 64, 2, "block1", "foo")

	// The old pointer is no longer tracked.
	if site := h.allocs.Lookup(0x1000); site.Valid() {
		t.Errorf("old pointer still tracked: %+v", site)
	}

	// A fault on the reallocated storage marks the whole chain.
	h.Fault(0x2000, 7)

	sites := h.faults.Snapshot()
	if len(sites) != 2 {
		t.Fatalf("fault set has %d sites, want 2", len(sites))
	}
	var ids []int64
	for _, s := range sites {
		ids = append(ids, s.ID)
		if s.Pkey != 7 {
			t.Errorf("site id %d has pkey %d, want 7", s.ID, s.Pkey)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if diff := cmp.Diff([]int64{1, 2}, ids); diff != "" {
		t.Errorf("faulting ids mismatch (-want +got):\n%s", diff)
	}
}

func TestReallocChainDepth(t *testing.T) {
	h := newTestHandler()
	h.Alloc(0x1000, 64, 1, "block0", "foo")
	h.Realloc(0x2000, 128, 0x1000, 64, 2, "block0", "foo")
	h.Realloc(0x3000, 256, 0x2000, 128, 3, "block0", "foo")

	h.Fault(0x3080, 2)

	sites := h.faults.Snapshot()
	if len(sites) != 3 {
		t.Fatalf("fault set has %d sites, want 3 (whole chain)", len(sites))
	}
	for _, s := range sites {
		if s.Pkey != 2 {
			t.Errorf("site id %d has pkey %d, want 2", s.ID, s.Pkey)
		}
	}
}

func TestReallocChainBreak(t *testing.T) {
	h := newTestHandler()

	// Realloc of a pointer that was never tracked: a fresh site is
	// inserted with no ancestors.
	h.Realloc(0x2000, 128, 0x8000, 64, 2, "block0", "foo")

	site := h.allocs.Lookup(0x2000)
	if !site.Valid() {
		t.Fatal("no site tracked at the new pointer after chain break")
	}
	if !site.IsRealloc {
		t.Error("chain-break site not marked as realloc")
	}
	if len(site.Assoc) != 0 {
		t.Errorf("chain-break site has %d ancestors, want 0", len(site.Assoc))
	}

	// A later fault marks only the new site.
	h.Fault(0x2000, 3)
	if n := h.faults.Len(); n != 1 {
		t.Errorf("fault set has %d sites, want 1", n)
	}
}

func TestDealloc(t *testing.T) {
	h := newTestHandler()
	h.Alloc(0x1000, 64, 1, "block0", "foo")
	h.Dealloc(0x1000, 64, 1)

	if site := h.allocs.Lookup(0x1000); site.Valid() {
		t.Errorf("site still tracked after dealloc: %+v", site)
	}
	if h.stats.dealloc.Load() != 1 {
		t.Errorf("dealloc counter = %d, want 1", h.stats.dealloc.Load())
	}
}

func TestReallocPreservesIsReallocTag(t *testing.T) {
	h := newTestHandler()
	h.Alloc(0x1000, 64, 1, "block0", "foo")
	h.Realloc(0x2000, 128, 0x1000, 64, 2, "block1", "foo")

	site := h.allocs.Lookup(0x2000)
	if !site.IsRealloc {
		t.Error("realloc site not tagged IsRealloc")
	}
	if len(site.Assoc) != 1 || site.Assoc[0].ID != 1 {
		t.Fatalf("realloc site ancestors = %+v, want the original site", site.Assoc)
	}
	if site.Assoc[0].IsRealloc {
		t.Error("original alloc site tagged IsRealloc in the ancestry")
	}
}
