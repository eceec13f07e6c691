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

package patcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

var (
	i8ptr = types.NewPointer(types.I8)
)

// declareHooks adds the three hook declarations to m, the way the
// pre-instrumentation pass does.
func declareHooks(m *ir.Module) (alloc, realloc, dealloc *ir.Func) {
	alloc = m.NewFunc("allocHook", types.Void,
		ir.NewParam("", i8ptr), ir.NewParam("", types.I64), ir.NewParam("", types.I64),
		ir.NewParam("", i8ptr), ir.NewParam("", i8ptr))
	realloc = m.NewFunc("reallocHook", types.Void,
		ir.NewParam("", i8ptr), ir.NewParam("", types.I64),
		ir.NewParam("", i8ptr), ir.NewParam("", types.I64), ir.NewParam("", types.I64),
		ir.NewParam("", i8ptr), ir.NewParam("", i8ptr))
	dealloc = m.NewFunc("deallocHook", types.Void,
		ir.NewParam("", i8ptr), ir.NewParam("", types.I64), ir.NewParam("", types.I64))
	return alloc, realloc, dealloc
}

// placeholders returns the unassigned identifier and name arguments the
// pre-instrumentation pass leaves behind.
func placeholders() (id, name constant.Constant) {
	return constant.NewInt(types.I64, -1), constant.NewNull(i8ptr)
}

// addAllocSite appends "p = call __rust_alloc(size, align); allocHook(p, ...)"
// to b and returns the allocator call.
func addAllocSite(b *ir.Block, rustAlloc, hook *ir.Func, size int64) *ir.InstCall {
	p := b.NewCall(rustAlloc, constant.NewInt(types.I64, size), constant.NewInt(types.I64, 8))
	id, name := placeholders()
	b.NewCall(hook, p, constant.NewInt(types.I64, size), id, name, name)
	return p
}

// buildSimple builds a module with one function "foo" holding a single
// instrumented allocation in an unnamed entry block.
func buildSimple() (*ir.Module, *ir.InstCall) {
	m := ir.NewModule()
	hook, _, _ := declareHooks(m)
	rustAlloc := m.NewFunc("__rust_alloc", i8ptr,
		ir.NewParam("", types.I64), ir.NewParam("", types.I64))

	foo := m.NewFunc("foo", types.Void)
	entry := foo.NewBlock("")
	allocCall := addAllocSite(entry, rustAlloc, hook, 16)
	entry.NewRet(nil)
	return m, allocCall
}

// hookCallsOf returns the hook calls of f in layout order.
func hookCallsOf(f *ir.Func) []*ir.InstCall {
	var out []*ir.InstCall
	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			if call, ok := inst.(*ir.InstCall); ok {
				if callee, ok := call.Callee.(*ir.Func); ok {
					if _, isHook := hookIDIndex[callee.Name()]; isHook {
						out = append(out, call)
					}
				}
			}
		}
	}
	return out
}

// intArg decodes an integer hook argument.
func intArg(t *testing.T, v value.Value) int64 {
	t.Helper()
	c, ok := v.(*constant.Int)
	if !ok {
		t.Fatalf("argument %v is not a constant integer", v)
	}
	return c.X.Int64()
}

// stringArg decodes a name-string hook argument: a getelementptr into a
// global holding a nul-terminated char array.
func stringArg(t *testing.T, v value.Value) string {
	t.Helper()
	gep, ok := v.(*constant.ExprGetElementPtr)
	if !ok {
		t.Fatalf("argument %v is not a getelementptr constant", v)
	}
	g, ok := gep.Src.(*ir.Global)
	if !ok {
		t.Fatalf("getelementptr source %v is not a global", gep.Src)
	}
	arr, ok := g.Init.(*constant.CharArray)
	if !ok {
		t.Fatalf("global %v is not a char array", g)
	}
	s := string(arr.X)
	if len(s) == 0 || s[len(s)-1] != 0 {
		t.Fatalf("name string %q is not nul-terminated", s)
	}
	return s[:len(s)-1]
}

func TestAssignSimple(t *testing.T) {
	m, _ := buildSimple()
	if err := New(Config{}).Run(m); err != nil {
		t.Fatal(err)
	}

	calls := hookCallsOf(findFunc(m, "foo"))
	if len(calls) != 1 {
		t.Fatalf("found %d hook calls, want 1", len(calls))
	}
	call := calls[0]
	if got := intArg(t, call.Args[allocHookIDIndex]); got != 0 {
		t.Errorf("assigned id = %d, want 0", got)
	}
	if got := stringArg(t, call.Args[allocHookIDIndex+1]); got != "block0" {
		t.Errorf("block name = %q, want \"block0\"", got)
	}
	if got := stringArg(t, call.Args[allocHookIDIndex+2]); got != "foo" {
		t.Errorf("function name = %q, want \"foo\"", got)
	}
}

func TestAssignSkipsDealloc(t *testing.T) {
	m := ir.NewModule()
	hook, _, dealloc := declareHooks(m)
	rustAlloc := m.NewFunc("__rust_alloc", i8ptr,
		ir.NewParam("", types.I64), ir.NewParam("", types.I64))

	foo := m.NewFunc("foo", types.Void)
	entry := foo.NewBlock("")
	p := addAllocSite(entry, rustAlloc, hook, 16)
	id, _ := placeholders()
	entry.NewCall(dealloc, p, constant.NewInt(types.I64, 16), id)
	addAllocSite(entry, rustAlloc, hook, 32)
	entry.NewRet(nil)

	if err := New(Config{}).Run(m); err != nil {
		t.Fatal(err)
	}

	calls := hookCallsOf(findFunc(m, "foo"))
	if len(calls) != 3 {
		t.Fatalf("found %d hook calls, want 3", len(calls))
	}
	// The dealloc between the two allocs does not consume an identifier
	// slot, and its own identifier argument is untouched.
	if got := intArg(t, calls[0].Args[allocHookIDIndex]); got != 0 {
		t.Errorf("first alloc id = %d, want 0", got)
	}
	if got := intArg(t, calls[1].Args[2]); got != -1 {
		t.Errorf("dealloc id argument = %d, want untouched -1", got)
	}
	if got := intArg(t, calls[2].Args[allocHookIDIndex]); got != 1 {
		t.Errorf("second alloc id = %d, want 1", got)
	}
}

func TestAssignReversePostOrder(t *testing.T) {
	m := ir.NewModule()
	hook, _, _ := declareHooks(m)
	rustAlloc := m.NewFunc("__rust_alloc", i8ptr,
		ir.NewParam("", types.I64), ir.NewParam("", types.I64))

	foo := m.NewFunc("foo", types.Void)
	entry := foo.NewBlock("entry")
	// Layout order deliberately differs from control-flow order: the
	// "then" block is laid out after the "else" block.
	merge := foo.NewBlock("merge")
	elseB := foo.NewBlock("else")
	thenB := foo.NewBlock("then")

	entry.NewCondBr(constant.True, thenB, elseB)
	addAllocSite(thenB, rustAlloc, hook, 1)
	thenB.NewBr(merge)
	addAllocSite(elseB, rustAlloc, hook, 2)
	elseB.NewBr(merge)
	merge.NewRet(nil)

	if err := New(Config{}).Run(m); err != nil {
		t.Fatal(err)
	}

	// Reverse post-order from the terminators: entry, else, then, merge.
	// The else-block hook is numbered before the then-block hook even
	// though layout order says otherwise.
	var thenID, elseID int64 = -1, -1
	for _, call := range hookCallsOf(foo) {
		switch stringArg(t, call.Args[allocHookIDIndex+1]) {
		case "then":
			thenID = intArg(t, call.Args[allocHookIDIndex])
		case "else":
			elseID = intArg(t, call.Args[allocHookIDIndex])
		}
	}
	if elseID != 0 || thenID != 1 {
		t.Errorf("ids (else, then) = (%d, %d), want (0, 1)", elseID, thenID)
	}
}

func TestAssignDeterministic(t *testing.T) {
	m1, _ := buildSimple()
	m2, _ := buildSimple()
	if err := New(Config{}).Run(m1); err != nil {
		t.Fatal(err)
	}
	if err := New(Config{}).Run(m2); err != nil {
		t.Fatal(err)
	}
	if m1.String() != m2.String() {
		t.Error("two runs over identical IR produced different modules")
	}
}

func writeFaultFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "faulting-allocs-1-0000000000000000.json")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRewriteFaultingSite(t *testing.T) {
	m, allocCall := buildSimple()
	path := writeFaultFile(t, `[{"id":0,"pkey":2,"bbName":"block0","funcName":"foo","isRealloc":false}]`)

	p := New(Config{ProfilePath: path})
	if err := p.Run(m); err != nil {
		t.Fatal(err)
	}

	callee, ok := allocCall.Callee.(*ir.Func)
	if !ok || callee.Name() != "__rust_untrusted_alloc" {
		t.Fatalf("allocator callee = %v, want __rust_untrusted_alloc", allocCall.Callee)
	}
	// The replacement was not declared in the input; the pass created it.
	repl := findFunc(m, "__rust_untrusted_alloc")
	if repl == nil {
		t.Fatal("no declaration created for __rust_untrusted_alloc")
	}
	if len(repl.Blocks) != 0 {
		t.Error("replacement is a definition, want extern declaration")
	}
	if got := p.Stats().PatchedCalls; got != 1 {
		t.Errorf("PatchedCalls = %d, want 1", got)
	}
}

func TestRewriteBlockMismatchStillPatches(t *testing.T) {
	m, allocCall := buildSimple()
	path := writeFaultFile(t, `[{"id":0,"pkey":2,"bbName":"block9","funcName":"foo","isRealloc":false}]`)

	if err := New(Config{ProfilePath: path}).Run(m); err != nil {
		t.Fatal(err)
	}
	if callee, ok := allocCall.Callee.(*ir.Func); !ok || callee.Name() != "__rust_untrusted_alloc" {
		t.Errorf("block-name mismatch suppressed the rewrite: callee %v", allocCall.Callee)
	}
}

func TestRewriteExclusivity(t *testing.T) {
	// The allocator is not in the substitution table; the fault stands
	// but the call is left alone.
	m := ir.NewModule()
	hook, _, _ := declareHooks(m)
	myAlloc := m.NewFunc("my_alloc", i8ptr, ir.NewParam("", types.I64))

	foo := m.NewFunc("foo", types.Void)
	entry := foo.NewBlock("")
	p := entry.NewCall(myAlloc, constant.NewInt(types.I64, 16))
	id, name := placeholders()
	entry.NewCall(hook, p, constant.NewInt(types.I64, 16), id, name, name)
	entry.NewRet(nil)

	path := writeFaultFile(t, `[{"id":0,"pkey":2,"bbName":"block0","funcName":"foo","isRealloc":false}]`)
	pass := New(Config{ProfilePath: path})
	if err := pass.Run(m); err != nil {
		t.Fatal(err)
	}

	if callee, ok := p.Callee.(*ir.Func); !ok || callee.Name() != "my_alloc" {
		t.Errorf("unlisted allocator was rewritten: callee %v", p.Callee)
	}
	if got := pass.Stats().PatchedCalls; got != 0 {
		t.Errorf("PatchedCalls = %d, want 0", got)
	}
}

func TestMalformedEntrySkipped(t *testing.T) {
	m, allocCall := buildSimple()
	path := writeFaultFile(t, `[{"id":-1,"pkey":2,"bbName":"block0","funcName":"foo","isRealloc":false}]`)

	if err := New(Config{ProfilePath: path}).Run(m); err != nil {
		t.Fatal(err)
	}
	if callee, ok := allocCall.Callee.(*ir.Func); !ok || callee.Name() != "__rust_alloc" {
		t.Errorf("malformed entry drove a rewrite: callee %v", allocCall.Callee)
	}
}

func TestRemoveHooks(t *testing.T) {
	m, _ := buildSimple()
	if err := New(Config{RemoveHooks: true}).Run(m); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"allocHook", "reallocHook", "deallocHook"} {
		if findFunc(m, name) != nil {
			t.Errorf("hook function %s still present", name)
		}
	}
	if calls := hookCallsOf(findFunc(m, "foo")); len(calls) != 0 {
		t.Errorf("%d hook calls still present", len(calls))
	}
	// The allocation itself survives.
	foo := findFunc(m, "foo")
	found := false
	for _, inst := range foo.Blocks[0].Insts {
		if call, ok := inst.(*ir.InstCall); ok {
			if callee, ok := call.Callee.(*ir.Func); ok && callee.Name() == "__rust_alloc" {
				found = true
			}
		}
	}
	if !found {
		t.Error("allocator call was removed along with the hooks")
	}
}

func TestAllocatorInlineAttrs(t *testing.T) {
	m, _ := buildSimple()
	wrapper := m.NewFunc("alloc_wrapper", i8ptr, ir.NewParam("", types.I64))
	b := wrapper.NewBlock("")
	b.NewRet(constant.NewNull(i8ptr))
	wrapper.FuncAttrs = append(wrapper.FuncAttrs, ir.AttrString(rustAllocatorAttr), enum.FuncAttrNoInline)

	if err := New(Config{}).Run(m); err != nil {
		t.Fatal(err)
	}

	hasAlways, hasNo := false, false
	for _, a := range wrapper.FuncAttrs {
		if fa, ok := a.(enum.FuncAttr); ok {
			switch fa {
			case enum.FuncAttrAlwaysInline:
				hasAlways = true
			case enum.FuncAttrNoInline:
				hasNo = true
			}
		}
	}
	if hasNo {
		t.Error("noinline attribute survived on allocator wrapper")
	}
	if !hasAlways {
		t.Error("alwaysinline attribute missing on allocator wrapper")
	}
}

func TestUninstrumentedModuleUntouched(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("plain", types.Void)
	f.NewBlock("").NewRet(nil)
	before := m.String()

	if err := New(Config{RemoveHooks: true}).Run(m); err != nil {
		t.Fatal(err)
	}
	if m.String() != before {
		t.Error("pass modified a module with no hook symbols")
	}
}
