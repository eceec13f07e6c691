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
	"github.com/securesystemslab/mpkuntrusted/pkg/hostarch"
)

// The functions below are the Go-side bodies of the instrumentation hook ABI.
// The cgo shim in cmd/mpkrt exports them with C linkage; tests call them
// directly. Each one touches the singleton, so the first call from anywhere
// initializes the runtime and installs the fault handlers.

// AllocHook records an allocation returned by an instrumented allocator call.
func AllocHook(ptr uintptr, size, id int64, bb, fn string) {
	Get().Alloc(hostarch.Addr(ptr), size, id, bb, fn)
}

// ReallocHook migrates tracking from oldPtr to newPtr.
func ReallocHook(newPtr uintptr, newSize int64, oldPtr uintptr, oldSize, id int64, bb, fn string) {
	Get().Realloc(hostarch.Addr(newPtr), newSize, hostarch.Addr(oldPtr), oldSize, id, bb, fn)
}

// DeallocHook drops the tracking of ptr.
func DeallocHook(ptr uintptr, size, id int64) {
	Get().Dealloc(hostarch.Addr(ptr), size, id)
}
