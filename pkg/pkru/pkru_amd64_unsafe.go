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

//go:build amd64
// +build amd64

package pkru

import (
	"unsafe"

	"github.com/securesystemslab/mpkuntrusted/pkg/abi/linux"
	"github.com/securesystemslab/mpkuntrusted/pkg/atomicbitops"
	"github.com/securesystemslab/mpkuntrusted/pkg/cpuid"
)

// xsaveOffset is the cached byte offset of PKRU in the xsave area. It is
// written once by Init and read from signal handlers afterwards.
var xsaveOffset atomicbitops.Uint32

// Init caches the PKRU xsave offset. It must run before the first
// protection-key fault, outside any signal handler; the fault path cannot
// execute CPUID discovery itself.
func Init() {
	xsaveOffset.Store(cpuid.PKRUOffset())
}

// Pointer returns the address of the PKRU word saved in the given signal
// context, or nil if the context carries no extended state or the processor
// reported no PKRU component.
//
//go:nosplit
func Pointer(ctx *linux.UContext64) *uint32 {
	off := xsaveOffset.Load()
	if off == 0 || ctx.MContext.Fpstate == 0 {
		return nil
	}
	return (*uint32)(unsafe.Pointer(uintptr(ctx.MContext.Fpstate) + uintptr(off)))
}
