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
	"github.com/securesystemslab/mpkuntrusted/pkg/sync"
)

// pendingKeySlots bounds the number of threads that can be mid-single-step at
// the same time. A thread occupies its slot from the SIGSEGV that granted key
// access until the SIGTRAP that revokes it, which spans exactly one
// instruction of the thread's execution; the bound is on simultaneous
// faulters, not threads.
const pendingKeySlots = 128

// pendingKey records the access grant made to one thread while it
// single-steps the faulting instruction.
type pendingKey struct {
	used   bool
	tid    int32
	key    uint32
	rights uint32
}

// PendingKeyMap maps a thread id to the protection key whose access was
// temporarily granted on that thread, and the rights to restore afterwards.
//
// An entry exists for a thread exactly while that thread is between the
// protection-key SIGSEGV and the following SIGTRAP. Both transitions happen
// in signal handlers, so the table is a fixed array scanned under a spin
// lock; no allocation, no hashing.
type PendingKeyMap struct {
	mu    sync.SpinMutex
	slots [pendingKeySlots]pendingKey
}

// NewPendingKeyMap returns an empty PendingKeyMap.
func NewPendingKeyMap() *PendingKeyMap {
	return &PendingKeyMap{}
}

// Store records the grant of key on tid, with rights being the access rights
// to restore when the step completes. It returns false if the table is full
// or the thread already holds a grant.
//
//go:nosplit
func (m *PendingKeyMap) Store(tid int32, key, rights uint32) bool {
	m.mu.Lock()
	free := -1
	for i := range m.slots {
		s := &m.slots[i]
		if s.used && s.tid == tid {
			// A second PKU fault before the trap fires would mean
			// the trap flag was lost; do not overwrite the rights
			// we still owe the thread.
			m.mu.Unlock()
			return false
		}
		if !s.used && free < 0 {
			free = i
		}
	}
	if free < 0 {
		m.mu.Unlock()
		return false
	}
	m.slots[free] = pendingKey{used: true, tid: tid, key: key, rights: rights}
	m.mu.Unlock()
	return true
}

// Take removes and returns the grant recorded for tid.
//
//go:nosplit
func (m *PendingKeyMap) Take(tid int32) (key, rights uint32, ok bool) {
	m.mu.Lock()
	for i := range m.slots {
		s := &m.slots[i]
		if s.used && s.tid == tid {
			key, rights = s.key, s.rights
			s.used = false
			m.mu.Unlock()
			return key, rights, true
		}
	}
	m.mu.Unlock()
	return 0, 0, false
}

// Pending returns whether tid currently holds a grant.
func (m *PendingKeyMap) Pending(tid int32) bool {
	m.mu.Lock()
	for i := range m.slots {
		s := &m.slots[i]
		if s.used && s.tid == tid {
			m.mu.Unlock()
			return true
		}
	}
	m.mu.Unlock()
	return false
}
