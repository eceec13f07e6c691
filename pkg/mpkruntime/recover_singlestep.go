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

//go:build amd64 && linux && !mpk_page_disable
// +build amd64,linux,!mpk_page_disable

package mpkruntime

import (
	"github.com/securesystemslab/mpkuntrusted/pkg/abi/linux"
	"github.com/securesystemslab/mpkuntrusted/pkg/pkru"
)

const recoveryMode = "single-step"

// recoverAccess lets the faulting instruction complete by granting the
// faulting key on this thread only, for one instruction: the grant is written
// into the saved PKRU so it takes effect on return from the handler, and the
// trap flag is set so the very next instruction raises SIGTRAP, where the
// saved rights are restored.
//
//go:nosplit
func recoverAccess(ctx *linux.UContext64, info *linux.SignalInfo, key uint32) {
	word := pkru.Pointer(ctx)
	if word == nil {
		reportNoPKRU()
		return
	}

	rights, err := pkru.Get(word, key)
	if err != nil {
		return
	}

	if !handler.pending.Store(gettid(), key, rights) {
		// Nowhere to save the rights to restore. Grant anyway: a key
		// left open on one thread beats a thread that can never make
		// progress past this instruction.
		reportPendingFull()
	}

	pkru.Set(word, key, pkru.EnableAccess)
	ctx.MContext.Eflags |= linux.EflagsTF
}
