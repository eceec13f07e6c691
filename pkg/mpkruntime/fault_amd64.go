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

//go:build amd64 && linux
// +build amd64,linux

package mpkruntime

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/securesystemslab/mpkuntrusted/pkg/abi/linux"
	"github.com/securesystemslab/mpkuntrusted/pkg/hostarch"
	"github.com/securesystemslab/mpkuntrusted/pkg/pkru"
	"github.com/securesystemslab/mpkuntrusted/pkg/sighandling"
)

// segvSigtramp is the SIGSEGV entry point, implemented in assembly. The
// kernel calls it directly; it forwards to segvHandler and, if segvHandler
// asks, tail-jumps to the previously installed handler with the original
// arguments intact.
func segvSigtramp()

// trapSigtramp is the SIGTRAP entry point, implemented in assembly.
func trapSigtramp()

func addrOfSegvSigtramp() uintptr
func addrOfTrapSigtramp() uintptr

// Previously installed actions. prevSigsegv is dispatched to for faults that
// are not protection-key violations; prevSigtrap is only kept so the
// installation is reversible in principle.
var (
	prevSigsegv linux.SigAction
	prevSigtrap linux.SigAction
)

// installFaultHandlers replaces the SIGSEGV and SIGTRAP dispositions. It runs
// once, from the first hook call.
func installFaultHandlers() {
	if err := sighandling.ReplaceSignalHandler(unix.SIGSEGV, addrOfSegvSigtramp(), &prevSigsegv); err != nil {
		panic(fmt.Sprintf("mpkuntrusted: unable to install SIGSEGV handler: %v", err))
	}
	if err := sighandling.ReplaceSignalHandler(unix.SIGTRAP, addrOfTrapSigtramp(), &prevSigtrap); err != nil {
		panic(fmt.Sprintf("mpkuntrusted: unable to install SIGTRAP handler: %v", err))
	}
}

// gettid returns the id of the thread the signal was delivered on.
//
//go:nosplit
func gettid() int32 {
	tid, _, _ := unix.RawSyscall(unix.SYS_GETTID, 0, 0, 0)
	return int32(tid)
}

// segvHandler handles SIGSEGV.
//
// It runs on whatever stack the kernel delivered the signal on, without the
// runtime's signal plumbing. Only raw syscalls, pre-allocated state and
// nosplit-friendly work are permitted here; anything that can grow the stack
// or allocate will crash the interrupted thread sooner or later.
//
// The return value is a chain target: zero if the fault was consumed, or the
// address of the previous handler for the trampoline to tail-jump to.
//
//go:nosplit
func segvHandler(sig uintptr, info *linux.SignalInfo, context unsafe.Pointer) uintptr {
	if info.Code != linux.SEGV_PKUERR {
		// Not a protection-key fault; this belongs to whoever owned
		// SIGSEGV before us.
		return chainToPrevious(sig, &prevSigsegv)
	}

	addr := hostarch.Addr(info.Addr())
	key := info.Pkey()

	handler.Fault(addr, key)

	// Whether or not the address resolved to a tracked allocation, let
	// the faulting instruction complete: other faults in this run are
	// still worth observing.
	recoverAccess((*linux.UContext64)(context), info, key)
	return 0
}

// trapHandler handles SIGTRAP after a single-stepped instruction. It restores
// the access rights saved by segvHandler and clears the trap flag.
//
//go:nosplit
func trapHandler(sig uintptr, info *linux.SignalInfo, context unsafe.Pointer) uintptr {
	ctx := (*linux.UContext64)(context)

	key, rights, ok := handler.pending.Take(gettid())
	if !ok {
		// A trap we did not arm, or a grant lost to a full table.
		// Clearing the flag is the only safe move either way.
		ctx.MContext.Eflags &^= linux.EflagsTF
		return 0
	}

	restoreAccess(ctx, key, rights)
	ctx.MContext.Eflags &^= linux.EflagsTF
	return 0
}

// chainToPrevious dispatches a fault to the action that owned the signal
// before installFaultHandlers ran.
//
//go:nosplit
func chainToPrevious(sig uintptr, prev *linux.SigAction) uintptr {
	switch prev.Handler {
	case linux.SIG_DFL, linux.SIG_IGN:
		// Reinstate the saved disposition and queue the signal back to
		// this thread. It is blocked until we return, at which point
		// it is delivered with the original disposition in force.
		sighandling.RestoreSignalHandler(unix.Signal(sig), prev)
		unix.RawSyscall(unix.SYS_TGKILL, getpid(), uintptr(gettid()), sig)
		return 0
	default:
		// A real handler. The trampoline tail-jumps to it with the
		// original (sig, info, context) registers; a plain sa_handler
		// just ignores the extra arguments.
		return uintptr(prev.Handler)
	}
}

//go:nosplit
func getpid() uintptr {
	pid, _, _ := unix.RawSyscall(unix.SYS_GETPID, 0, 0, 0)
	return pid
}

// restoreAccess writes the saved access rights for key back into the PKRU
// word of the interrupted context.
//
//go:nosplit
func restoreAccess(ctx *linux.UContext64, key, rights uint32) {
	if word := pkru.Pointer(ctx); word != nil {
		pkru.Set(word, key, rights)
	}
}
