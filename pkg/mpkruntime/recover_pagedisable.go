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

//go:build amd64 && linux && mpk_page_disable
// +build amd64,linux,mpk_page_disable

package mpkruntime

import (
	"golang.org/x/sys/unix"

	"github.com/securesystemslab/mpkuntrusted/pkg/abi/linux"
	"github.com/securesystemslab/mpkuntrusted/pkg/hostarch"
)

const recoveryMode = "page-disable"

// recoverAccess retags the faulting page with the default key, removing
// protection from it for the remainder of the run. Coarser than single
// stepping, but each page faults at most once.
//
//go:nosplit
func recoverAccess(ctx *linux.UContext64, info *linux.SignalInfo, key uint32) {
	page := hostarch.Addr(info.Addr()).RoundDown()
	unix.RawSyscall6(unix.SYS_PKEY_MPROTECT,
		uintptr(page), hostarch.PageSize,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		0, // the default, always-accessible key
		0, 0)
}
