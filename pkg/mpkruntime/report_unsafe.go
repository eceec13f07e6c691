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
	"unsafe"

	"golang.org/x/sys/unix"
)

// Diagnostics on the fault path cannot go through pkg/log: the logger
// formats with fmt and may allocate. These helpers write pre-formatted byte
// strings straight to stderr with a raw write syscall, optionally followed by
// a hex value.

var (
	msgLookupEmpty  = []byte("mpkuntrusted: alloc map is empty, returning error site\n")
	msgLookupMiss   = []byte("mpkuntrusted: no allocation contains faulting address")
	msgFaultSetFull = []byte("mpkuntrusted: fault set is full, dropping site\n")
	msgFaultUnknown = []byte("mpkuntrusted: protection-key fault on unknown address")
	msgNoPKRU       = []byte("mpkuntrusted: no PKRU state in signal context, cannot grant access\n")
	msgPendingFull  = []byte("mpkuntrusted: pending-key table full, cannot record grant\n")
)

var hexSyms = []byte("0123456789abcdef")

//go:nosplit
func rawWrite(data []byte) {
	unix.RawSyscall(unix.SYS_WRITE, uintptr(unix.Stderr), uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)))
}

// printHex writes title followed by the hex value and a newline.
//
//go:nosplit
func printHex(title []byte, val uint64) {
	var str [20]byte
	str[0] = ' '
	str[1] = '0'
	str[2] = 'x'
	for i := 0; i < 16; i++ {
		str[18-i] = hexSyms[val&0xf]
		val = val >> 4
	}
	str[19] = '\n'
	unix.RawSyscall(unix.SYS_WRITE, uintptr(unix.Stderr), uintptr(unsafe.Pointer(&title[0])), uintptr(len(title)))
	unix.RawSyscall(unix.SYS_WRITE, uintptr(unix.Stderr), uintptr(unsafe.Pointer(&str)), uintptr(len(str)))
}

//go:nosplit
func reportLookupEmpty() {
	if !verboseFaults.Load() {
		return
	}
	rawWrite(msgLookupEmpty)
}

//go:nosplit
func reportLookupMiss(addr uint64) {
	if !verboseFaults.Load() {
		return
	}
	printHex(msgLookupMiss, addr)
}

//go:nosplit
func reportFaultSetFull() {
	rawWrite(msgFaultSetFull)
}

//go:nosplit
func reportFaultUnknown(addr uint64) {
	if !verboseFaults.Load() {
		return
	}
	printHex(msgFaultUnknown, addr)
}

//go:nosplit
func reportNoPKRU() {
	rawWrite(msgNoPKRU)
}

//go:nosplit
func reportPendingFull() {
	rawWrite(msgPendingFull)
}
