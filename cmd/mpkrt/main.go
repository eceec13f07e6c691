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

// Binary mpkrt is the allocation-tracking runtime, built with
// -buildmode=c-archive and linked into the instrumented program. It exports
// the three hook symbols the instrumentation pass emits calls to, with C
// linkage and default visibility, and registers the fault-set flush with
// atexit via the C constructor in constructor.c.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"unsafe"

	"github.com/securesystemslab/mpkuntrusted/pkg/mpkruntime"
)

//export allocHook
func allocHook(ptr unsafe.Pointer, size, id C.int64_t, bbName, funcName *C.char) {
	mpkruntime.AllocHook(uintptr(ptr), int64(size), int64(id), C.GoString(bbName), C.GoString(funcName))
}

//export reallocHook
func reallocHook(newPtr unsafe.Pointer, newSize C.int64_t, oldPtr unsafe.Pointer, oldSize, id C.int64_t, bbName, funcName *C.char) {
	mpkruntime.ReallocHook(uintptr(newPtr), int64(newSize), uintptr(oldPtr), int64(oldSize), int64(id), C.GoString(bbName), C.GoString(funcName))
}

//export deallocHook
func deallocHook(ptr unsafe.Pointer, size, id C.int64_t) {
	mpkruntime.DeallocHook(uintptr(ptr), int64(size), int64(id))
}

//export mpkUntrustedFlush
func mpkUntrustedFlush() {
	mpkruntime.Flush()
}

func main() {}
