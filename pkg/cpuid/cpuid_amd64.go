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

// Package cpuid provides raw CPUID queries for the bits of processor state
// the profiler cares about: the layout of the xsave area, and in particular
// where the PKRU register is saved in it.
package cpuid

import (
	"github.com/securesystemslab/mpkuntrusted/pkg/log"
	"github.com/securesystemslab/mpkuntrusted/pkg/sync"
)

// In is input to the Host.
type In struct {
	Eax uint32
	Ecx uint32
}

// Out is output from the Host.
type Out struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
}

// native is the native CPUID instruction, implemented in assembly.
func native(In) Out

// HostID executes a native CPUID instruction.
func HostID(axArg, cxArg uint32) (eax, ebx, ecx, edx uint32) {
	out := native(In{Eax: axArg, Ecx: cxArg})
	return out.Eax, out.Ebx, out.Ecx, out.Edx
}

const (
	// xSaveInfo is the CPUID function returning information about extended
	// state management. Each sub-leaf describes one xsave component.
	xSaveInfo = 0xd

	// xstatePKRUBit is the xsave component number of the PKRU register; it
	// doubles as the xSaveInfo sub-leaf describing that component.
	xstatePKRUBit = 9
)

var (
	pkruOnce   sync.Once
	pkruOffset uint32
)

// PKRUOffset returns the byte offset of the saved PKRU register within the
// xsave area, as reported by CPUID. It returns 0 if the processor does not
// report a PKRU component; we assume PKRU is enabled in XCR0 on any machine
// running pkey-tagged code.
//
// The result is cached; the first call must happen outside a signal handler.
func PKRUOffset() uint32 {
	pkruOnce.Do(func() {
		size, offset, _, _ := HostID(xSaveInfo, xstatePKRUBit)
		if size == 0 {
			log.Warningf("cpuid: no PKRU component in xsave state; protection-key faults will not be recoverable")
			return
		}
		pkruOffset = offset
	})
	return pkruOffset
}
