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

// Package patcher implements the post-instrumentation pass over LLVM IR.
//
// The pre-instrumentation pass has already wrapped every heap allocation in a
// call to one of the runtime hooks, with placeholder identifier and name
// arguments. This pass runs after inlining, when call sites have reached
// their final positions, and does two things:
//
//  1. Walks the module in a deterministic order and assigns every allocHook
//     and reallocHook call its (function, identifier, block) triple;
//     deallocHook calls are counted but left unnumbered. Two runs of the patcher over
//     the same IR produce identical assignments; that is what allows fault
//     sets recorded by one build to drive rewriting in the next.
//
//  2. Cross-references fault-set files recorded by the runtime and redirects
//     the allocator call feeding each faulting hook to its untrusted
//     equivalent.
package patcher

import (
	"fmt"
	"sort"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/securesystemslab/mpkuntrusted/pkg/log"
)

// Identifier-argument index per hook symbol. The index is the position of
// the identifier in the hook's argument list; the block and function name
// arguments follow it. deallocHook carries an identifier slot too, but
// dealloc sites are never rewritten, so it is tracked without being numbered:
// numbering it would shift every later identifier in the function and break
// the correspondence with fault sets recorded by earlier builds.
const (
	allocHookIDIndex   = 2
	reallocHookIDIndex = 4
	deallocHookIDIndex = -1
)

var hookIDIndex = map[string]int{
	"allocHook":   allocHookIDIndex,
	"reallocHook": reallocHookIDIndex,
	"deallocHook": deallocHookIDIndex,
}

// allocReplacements maps allocator symbols to their untrusted counterparts.
// Allocators not listed here are left alone even when their site faults.
var allocReplacements = map[string]string{
	"__rust_alloc":        "__rust_untrusted_alloc",
	"__rust_alloc_zeroed": "__rust_untrusted_alloc_zeroed",
}

// rustAllocatorAttr marks allocator wrappers emitted by the frontend. The
// pre-instrumentation pass pins them noinline so their call sites survive
// until identifiers are assigned; afterwards the pin is reversed.
const rustAllocatorAttr = "rust-allocator"

// Config carries the pass options.
type Config struct {
	// ProfilePath is a fault-set file, or a directory scanned for *.json
	// fault-set files. Empty means assign identifiers only.
	ProfilePath string

	// RemoveHooks erases the hook calls and the hook declarations after
	// identifiers are assigned.
	RemoveHooks bool

	// Verbose logs every rewritten allocator call.
	Verbose bool
}

// Stats summarizes one run of the pass.
type Stats struct {
	// TotalHooks counts every hook call visited.
	TotalHooks int

	// AllocHooks, ReallocHooks and DeallocHooks split TotalHooks by hook.
	AllocHooks   int
	ReallocHooks int
	DeallocHooks int

	// PatchedCalls counts allocator calls redirected to untrusted
	// equivalents.
	PatchedCalls int
}

// Patcher runs the pass. One Patcher handles one module.
type Patcher struct {
	cfg    Config
	faults faultMap
	stats  Stats

	// patchList collects the allocator calls feeding faulting hooks; they
	// are redirected after the whole traversal so the identifier
	// assignment is not interleaved with module mutation.
	patchList []*ir.InstCall

	// strings caches name-string globals by content.
	strings map[string]constant.Constant
	nstr    int
}

// New returns a Patcher with the given configuration.
func New(cfg Config) *Patcher {
	return &Patcher{
		cfg:     cfg,
		strings: make(map[string]constant.Constant),
	}
}

// Stats returns the counters of the last Run.
func (p *Patcher) Stats() Stats {
	return p.stats
}

// Run executes the pass over m.
func (p *Patcher) Run(m *ir.Module) error {
	// A module with no hook symbols was not instrumented; skip it.
	if findFunc(m, "allocHook") == nil &&
		findFunc(m, "reallocHook") == nil &&
		findFunc(m, "deallocHook") == nil {
		return nil
	}

	faults, err := loadFaultMap(p.cfg.ProfilePath)
	if err != nil {
		return err
	}
	p.faults = faults

	p.assignUniqueIDs(m)

	for _, call := range p.patchList {
		p.patchCall(m, call)
	}

	if p.cfg.RemoveHooks {
		p.removeHooks(m)
	}

	p.adjustInlineAttrs(m)

	log.Debugf("patcher: %d hooks visited, %d calls rewritten", p.stats.TotalHooks, p.stats.PatchedCalls)
	return nil
}

// assignUniqueIDs traverses every defined function and numbers its hook
// calls.
//
// The traversal order is the determinism contract: functions sorted by name
// descending, blocks in reverse post-order, instructions in block order. A
// function-local counter advances once per allocHook or reallocHook; the
// pre-increment value is the hook's identifier.
func (p *Patcher) assignUniqueIDs(m *ir.Module) {
	var defined []*ir.Func
	for _, f := range m.Funcs {
		if len(f.Blocks) > 0 {
			defined = append(defined, f)
		}
	}
	sort.Slice(defined, func(i, j int) bool {
		return defined[i].Name() > defined[j].Name()
	})

	for _, f := range defined {
		funcName := f.Name()
		funcFaults := p.faults[funcName]
		slots := blockSlots(f)
		var nextID uint64

		for _, b := range reversePostOrder(f) {
			for _, inst := range b.Insts {
				call, ok := inst.(*ir.InstCall)
				if !ok {
					continue
				}
				callee, ok := call.Callee.(*ir.Func)
				if !ok {
					continue
				}
				idx, isHook := hookIDIndex[callee.Name()]
				if !isHook {
					continue
				}

				p.stats.TotalHooks++
				switch callee.Name() {
				case "allocHook":
					p.stats.AllocHooks++
				case "reallocHook":
					p.stats.ReallocHooks++
				case "deallocHook":
					p.stats.DeallocHooks++
				}

				if idx < 0 {
					// deallocHook: counted, never numbered.
					continue
				}

				id := nextID
				nextID++

				bbName := blockName(b, slots)
				call.Args[idx] = constant.NewInt(types.I64, int64(id))
				call.Args[idx+1] = p.stringPtr(m, bbName)
				call.Args[idx+2] = p.stringPtr(m, funcName)

				if funcFaults == nil {
					continue
				}
				fs, faulted := funcFaults[id]
				if !faulted {
					continue
				}

				// The first hook argument is the allocator call
				// being tracked.
				allocCall, ok := call.Args[0].(*ir.InstCall)
				if !ok {
					log.Warningf("patcher: fault (%s, %d): hook argument is not a call: %v", funcName, id, call.Args[0])
					continue
				}
				if fs.BBName != bbName {
					// The site moved blocks between the
					// profiled build and this one. The
					// (function, id) pair is the identity;
					// rewrite anyway.
					log.Warningf("patcher: fault (%s, %d) recorded in block %q, found in %q", funcName, id, fs.BBName, bbName)
				}
				p.patchList = append(p.patchList, allocCall)
			}
		}
	}
}

// patchCall redirects one allocator call to its untrusted equivalent,
// creating the extern declaration if the module does not have one yet.
func (p *Patcher) patchCall(m *ir.Module, call *ir.InstCall) {
	callee, ok := call.Callee.(*ir.Func)
	if !ok {
		return
	}
	replName, ok := allocReplacements[callee.Name()]
	if !ok {
		// Not a recognized allocator; the fault stands recorded but
		// the call is left as is.
		log.Debugf("patcher: no untrusted replacement for %q", callee.Name())
		return
	}

	repl := findFunc(m, replName)
	if repl == nil {
		repl = declareLike(m, replName, callee)
	}

	if p.cfg.Verbose {
		log.Infof("patcher: redirecting call %s -> %s", callee.Name(), replName)
	}
	call.Callee = repl
	p.stats.PatchedCalls++
}

// removeHooks erases every call to a hook and then the hook functions
// themselves. Hook calls in unreachable blocks are swept here too, which is
// why this rescans instead of reusing the traversal.
func (p *Patcher) removeHooks(m *ir.Module) {
	isHook := func(v interface{ Name() string }) bool {
		_, ok := hookIDIndex[v.Name()]
		return ok
	}

	for _, f := range m.Funcs {
		for _, b := range f.Blocks {
			kept := b.Insts[:0]
			for _, inst := range b.Insts {
				if call, ok := inst.(*ir.InstCall); ok {
					if callee, ok := call.Callee.(*ir.Func); ok && isHook(callee) {
						continue
					}
				}
				kept = append(kept, inst)
			}
			b.Insts = kept
		}
	}

	kept := m.Funcs[:0]
	for _, f := range m.Funcs {
		if isHook(f) {
			continue
		}
		kept = append(kept, f)
	}
	m.Funcs = kept
}

// adjustInlineAttrs releases the inlining pin on allocator wrappers: the
// pre-instrumentation pass made them noinline so allocation sites stayed
// recognizable; with identifiers assigned they should inline away.
func (p *Patcher) adjustInlineAttrs(m *ir.Module) {
	for _, f := range m.Funcs {
		if !hasStringAttr(f, rustAllocatorAttr) {
			continue
		}
		kept := f.FuncAttrs[:0]
		already := false
		for _, a := range f.FuncAttrs {
			if fa, ok := a.(enum.FuncAttr); ok {
				if fa == enum.FuncAttrNoInline {
					continue
				}
				if fa == enum.FuncAttrAlwaysInline {
					already = true
				}
			}
			kept = append(kept, a)
		}
		if !already {
			kept = append(kept, enum.FuncAttrAlwaysInline)
		}
		f.FuncAttrs = kept
	}
}

// stringPtr returns an i8* constant pointing at a private global holding s,
// nul-terminated. Globals are cached by content and named by a module-local
// counter, so their names are as deterministic as the traversal that creates
// them.
func (p *Patcher) stringPtr(m *ir.Module, s string) constant.Constant {
	if c, ok := p.strings[s]; ok {
		return c
	}
	arr := constant.NewCharArrayFromString(s + "\x00")
	g := m.NewGlobalDef(fmt.Sprintf(".mpk.str.%d", p.nstr), arr)
	p.nstr++
	g.Immutable = true
	g.Linkage = enum.LinkagePrivate

	zero := constant.NewInt(types.I64, 0)
	gep := constant.NewGetElementPtr(arr.Typ, g, zero, zero)
	p.strings[s] = gep
	return gep
}

// blockName names b for the hook arguments: its own name when it has one,
// otherwise "block<slot>" from its layout position.
func blockName(b *ir.Block, slots map[*ir.Block]int) string {
	// Name reports an unnamed block by its numeric local ID, so test for a
	// name explicitly.
	if !b.IsUnnamed() {
		return b.Name()
	}
	return fmt.Sprintf("block%d", slots[b])
}

// findFunc returns the function named name, or nil.
func findFunc(m *ir.Module, name string) *ir.Func {
	for _, f := range m.Funcs {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

// declareLike appends an extern declaration of name with the same signature
// as model.
func declareLike(m *ir.Module, name string, model *ir.Func) *ir.Func {
	params := make([]*ir.Param, 0, len(model.Sig.Params))
	for _, t := range model.Sig.Params {
		params = append(params, ir.NewParam("", t))
	}
	f := m.NewFunc(name, model.Sig.RetType, params...)
	f.Sig.Variadic = model.Sig.Variadic
	return f
}

// hasStringAttr reports whether f carries the given string attribute.
func hasStringAttr(f *ir.Func, attr string) bool {
	for _, a := range f.FuncAttrs {
		if s, ok := a.(ir.AttrString); ok && string(s) == attr {
			return true
		}
	}
	return false
}
