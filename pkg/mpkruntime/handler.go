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
	"os"

	"github.com/securesystemslab/mpkuntrusted/pkg/atomicbitops"
	"github.com/securesystemslab/mpkuntrusted/pkg/hostarch"
	"github.com/securesystemslab/mpkuntrusted/pkg/log"
	"github.com/securesystemslab/mpkuntrusted/pkg/pkru"
	"github.com/securesystemslab/mpkuntrusted/pkg/sync"
)

// Environment knobs. The runtime is linked into someone else's process and
// has no flags of its own.
const (
	// logLevelEnv selects the log level: "warning", "info" or "debug".
	logLevelEnv = "MPK_UNTRUSTED_LOG_LEVEL"

	// resultsDirEnv overrides the directory fault sets are written to.
	resultsDirEnv = "MPK_UNTRUSTED_RESULTS_DIR"

	// statsEnv enables hook-call statistics and their export.
	statsEnv = "MPK_UNTRUSTED_STATS"
)

// verboseFaults gates per-fault diagnostics on the signal path. Set when the
// log level is debug.
var verboseFaults atomicbitops.Bool

// Handler owns the runtime's state: the live-allocation map, the fault set
// and the pending-key table. There is exactly one, created on the first hook
// call; it is never torn down. Threads that are still running hooks when the
// process exits race against nothing but the exporter's snapshot.
type Handler struct {
	allocs  *AllocMap
	faults  *FaultSet
	pending *PendingKeyMap
	stats   hookStats
}

var (
	handlerOnce sync.Once
	handler     *Handler
)

// Get returns the singleton Handler, creating it and installing the fault
// handlers on first use.
//
// Installation is deliberately deferred to the first hook call rather than
// done in an init function: some language runtimes (Rust among them) install
// their own SIGSEGV handler during startup and would silently displace ours.
// The first allocation hook necessarily runs after runtime startup.
func Get() *Handler {
	handlerOnce.Do(initHandler)
	return handler
}

func initHandler() {
	switch os.Getenv(logLevelEnv) {
	case "debug":
		log.SetLevel(log.Debug)
		verboseFaults.Store(true)
	case "info":
		log.SetLevel(log.Info)
	case "warning":
		log.SetLevel(log.Warning)
	}

	handler = &Handler{
		allocs:  NewAllocMap(),
		faults:  NewFaultSet(),
		pending: NewPendingKeyMap(),
	}
	handler.stats.enabled = os.Getenv(statsEnv) != ""

	// The PKRU xsave offset must be discovered before the first fault;
	// the handler cannot run CPUID feature walks itself.
	pkru.Init()

	installFaultHandlers()
	startTermWatcher()

	log.Infof("mpkuntrusted: runtime initialized, recovery mode %s", recoveryMode)
}

// Alloc records an allocation: ptr was returned by an allocator call at the
// site identified by (fn, id, bb).
func (h *Handler) Alloc(ptr hostarch.Addr, size, id int64, bb, fn string) {
	h.stats.alloc.Add(1)
	h.allocs.Insert(ptr, AllocSite{
		Ptr:      ptr,
		Size:     size,
		ID:       id,
		BBName:   bb,
		FuncName: fn,
	})
	log.Debugf("allocHook: ptr %#x id %d bb %q fn %q", ptr, id, bb, fn)
}

// Realloc replaces the tracking of oldPtr with newPtr. The site previously
// tracked at oldPtr, and its own ancestors, become the new site's associated
// set, so a later fault on the reallocated storage marks the whole chain.
func (h *Handler) Realloc(newPtr hostarch.Addr, newSize int64, oldPtr hostarch.Addr, oldSize, id int64, bb, fn string) {
	h.stats.realloc.Add(1)

	old := h.allocs.Lookup(oldPtr)
	if !old.Valid() {
		// The old pointer was never tracked. Insert a fresh site and
		// carry on with a broken chain: marking unknown ancestors is
		// impossible, not marking the live allocation would be worse.
		h.allocs.Insert(newPtr, AllocSite{
			Ptr:       newPtr,
			Size:      newSize,
			ID:        id,
			BBName:    bb,
			FuncName:  fn,
			IsRealloc: true,
		})
		log.Warningf("reallocHook: ptr %#x id %d breaks realloc chain, previous site for %#x not found", newPtr, id, oldPtr)
		return
	}

	assoc := make([]AllocSite, 0, len(old.Assoc)+1)
	assoc = append(assoc, old.Assoc...)
	old.Assoc = nil // ancestors do not nest
	assoc = append(assoc, old)

	h.allocs.Remove(oldPtr)
	h.allocs.Insert(newPtr, AllocSite{
		Ptr:       newPtr,
		Size:      newSize,
		ID:        id,
		BBName:    bb,
		FuncName:  fn,
		IsRealloc: true,
		Assoc:     assoc,
	})
	log.Debugf("reallocHook: old %#x new %#x id %d bb %q fn %q", oldPtr, newPtr, id, bb, fn)
}

// Dealloc drops the tracking of ptr.
func (h *Handler) Dealloc(ptr hostarch.Addr, size, id int64) {
	h.stats.dealloc.Add(1)
	h.allocs.Remove(ptr)
	log.Debugf("deallocHook: ptr %#x id %d", ptr, id)
}

// Fault records a protection-key fault at addr with the given key. If no
// tracked allocation contains addr the fault is reported and otherwise
// ignored; recovery still happens so the program keeps running.
//
// Called from the SIGSEGV handler.
//
//go:nosplit
func (h *Handler) Fault(addr hostarch.Addr, key uint32) {
	site := h.allocs.Lookup(addr)
	if !site.Valid() {
		reportFaultUnknown(uint64(addr))
		return
	}

	h.faults.Insert(site, key)
	h.stats.countFault(site.ID)
	for i := range site.Assoc {
		h.faults.Insert(site.Assoc[i], key)
		h.stats.countFault(site.Assoc[i].ID)
	}
}

// Faults exposes the fault set to the exporter.
func (h *Handler) Faults() *FaultSet {
	return h.faults
}
