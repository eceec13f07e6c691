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

//go:build linux
// +build linux

// Package sighandling installs raw signal handlers.
package sighandling

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/securesystemslab/mpkuntrusted/pkg/abi/linux"
)

// ReplaceSignalHandler replaces the existing signal handler for the provided
// signal with the function pointer at `handler`. This bypasses the Go runtime
// signal handlers, and should only be used for low-level signal handlers where
// use of signal.Notify is not appropriate.
//
// It stores the previously set action in previous, in full: chaining a
// non-protection-key fault to it later needs the flags and the handler, not
// just the handler address.
func ReplaceSignalHandler(sig unix.Signal, handler uintptr, previous *linux.SigAction) error {
	var sa linux.SigAction

	// Get the existing signal handler information, and save it. Once we
	// replace it, we will use this action to fall back to it when we
	// receive signals that are not ours to handle.
	if _, _, e := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), 0, uintptr(unsafe.Pointer(&sa)), linux.SignalSetSize, 0, 0); e != 0 {
		return e
	}

	// Fail if there isn't a previous handler. The Go runtime installs its
	// own before any package init runs; a zero handler means we are being
	// initialized in a context we do not understand.
	if sa.Handler == 0 {
		return fmt.Errorf("previous handler for signal %x isn't set", sig)
	}

	*previous = sa

	// Install our own handler, keeping the previous flags and mask. The
	// runtime's SA_ONSTACK and SA_SIGINFO in particular must survive.
	sa.Handler = uint64(handler)
	if _, _, e := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), uintptr(unsafe.Pointer(&sa)), 0, linux.SignalSetSize, 0, 0); e != 0 {
		return e
	}

	return nil
}

// RestoreSignalHandler reinstates the given action for sig. It is used on the
// fallback path to hand a fault we do not own to whoever owned it before us.
//
//go:nosplit
func RestoreSignalHandler(sig unix.Signal, act *linux.SigAction) unix.Errno {
	_, _, e := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), uintptr(unsafe.Pointer(act)), 0, linux.SignalSetSize, 0, 0)
	return e
}
