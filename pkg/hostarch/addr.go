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

package hostarch

// Addr represents an address in an address space.
type Addr uintptr

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will still be false.
//
//go:nosplit
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the check is needed in case uintptr is smaller
	// than 64 bits.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// RoundDown is equivalent to function PageRoundDown.
//
//go:nosplit
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp is equivalent to function PageRoundUp.
//
//go:nosplit
func (v Addr) RoundUp() (Addr, bool) {
	addr, ok := v.AddLength(PageSize - 1)
	if !ok {
		return 0, false
	}
	return addr.RoundDown(), true
}
