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

package main

import (
	"fmt"
	"os"

	"github.com/securesystemslab/mpkuntrusted/pkg/patcher"
)

// writeStats emits the pass counters into dir, one file per invocation.
func writeStats(dir string, s patcher.Stats) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "static-post-*.stat")
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f,
		"Number of alloc instructions modified to unsafe: %d\n"+
			"Total number hooks given a UniqueID: %d\n"+
			"Total allocHooks: %d\n"+
			"Total reallocHooks: %d\n"+
			"Total deallocHooks: %d\n",
		s.PatchedCalls, s.AllocHooks+s.ReallocHooks, s.AllocHooks, s.ReallocHooks, s.DeallocHooks)
	return err
}
