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
	"github.com/securesystemslab/mpkuntrusted/pkg/atomicbitops"
)

// maxCountedSites bounds the per-site fault counters. Site identifiers are
// function-local and small in practice; identifiers at or above the bound
// are simply not counted.
const maxCountedSites = 4096

// hookStats counts hook invocations and per-site faults. Counting is always
// on (the counters are single atomic adds); the enabled bit only gates the
// export of a stats file next to the fault set.
type hookStats struct {
	enabled bool

	alloc   atomicbitops.Uint64
	realloc atomicbitops.Uint64
	dealloc atomicbitops.Uint64

	siteFaults [maxCountedSites]atomicbitops.Uint32
}

// countFault bumps the fault counter for site id.
//
// Called from the SIGSEGV handler.
//
//go:nosplit
func (s *hookStats) countFault(id int64) {
	if id >= 0 && id < maxCountedSites {
		s.siteFaults[id].Add(1)
	}
}
