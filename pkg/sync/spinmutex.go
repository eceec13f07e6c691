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

package sync

import (
	"sync/atomic"
)

// SpinMutex is a test-and-set spin lock.
//
// Unlike sync.Mutex it never parks the calling goroutine, which makes it
// legal to acquire from a raw signal handler: parking would call into the
// runtime's semaphore machinery, which is not async-signal-safe. The cost is
// that waiters burn CPU, so critical sections must stay short.
//
// The zero value is unlocked.
type SpinMutex struct {
	locked atomic.Uint32
}

// Lock acquires m, spinning until it is available.
//
//go:nosplit
func (m *SpinMutex) Lock() {
	for !m.locked.CompareAndSwap(0, 1) {
		// Spin. A Gosched here would be friendlier to the scheduler,
		// but yielding is not legal on the signal path, and the
		// sections guarded by this lock are a handful of loads and
		// stores.
	}
}

// Unlock releases m.
//
//go:nosplit
func (m *SpinMutex) Unlock() {
	m.locked.Store(0)
}

// TryLock acquires m if it is free and returns whether it did.
//
//go:nosplit
func (m *SpinMutex) TryLock() bool {
	return m.locked.CompareAndSwap(0, 1)
}
