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
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/securesystemslab/mpkuntrusted/pkg/atomicbitops"
	"github.com/securesystemslab/mpkuntrusted/pkg/log"
)

// defaultResultsDir is where fault sets land, relative to the working
// directory of the profiled process, unless overridden by environment.
const defaultResultsDir = "TestResults"

// uniqueNameAttempts bounds the retries when the random file name component
// collides with an existing file.
const uniqueNameAttempts = 128

// faultRecord is the JSON form of one faulting allocation site. The patcher
// consumes these files; the field names are part of the interface.
type faultRecord struct {
	ID        int64  `json:"id"`
	Pkey      uint32 `json:"pkey"`
	BBName    string `json:"bbName"`
	FuncName  string `json:"funcName"`
	IsRealloc bool   `json:"isRealloc"`
}

// flushed flips once, on the first of process exit or SIGTERM. Later callers
// of Flush return immediately.
var flushed atomicbitops.Bool

// Flush writes the fault set (and, if enabled, hook statistics) to a
// uniquely named file in the results directory. Only the first call does
// anything. It returns false if output could not be written.
func Flush() bool {
	if flushed.Swap(true) {
		return true
	}
	return flushHandler(Get())
}

func flushHandler(h *Handler) bool {
	sites := h.faults.Snapshot()
	if len(sites) == 0 {
		log.Infof("mpkuntrusted: no faulting allocations to export")
		return true
	}
	if dropped := h.faults.Dropped(); dropped > 0 {
		log.Warningf("mpkuntrusted: %d faulting sites were dropped at capacity; this run under-reports", dropped)
	}

	dir := os.Getenv(resultsDirEnv)
	if dir == "" {
		dir = defaultResultsDir
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		log.Warningf("mpkuntrusted: unable to create results directory %q: %v", dir, err)
		return false
	}

	f, err := createUnique(dir, "faulting-allocs", "json")
	if err != nil {
		log.Warningf("mpkuntrusted: %v", err)
		return false
	}
	defer f.Close()

	records := make([]faultRecord, 0, len(sites))
	for _, s := range sites {
		records = append(records, faultRecord{
			ID:        s.ID,
			Pkey:      s.Pkey,
			BBName:    s.BBName,
			FuncName:  s.FuncName,
			IsRealloc: s.IsRealloc,
		})
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		log.Warningf("mpkuntrusted: writing fault set: %v", err)
		return false
	}
	log.Infof("mpkuntrusted: exported %d faulting allocation sites to %s", len(records), f.Name())

	if h.stats.enabled {
		writeStats(dir, h)
	}
	return true
}

// createUnique creates base-<pid>-<16 hex chars>.ext in dir, retrying the
// random component on collision.
func createUnique(dir, base, ext string) (*os.File, error) {
	for attempt := 0; attempt < uniqueNameAttempts; attempt++ {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("generating unique file name: %w", err)
		}
		name := fmt.Sprintf("%s-%d-%016x.%s", base, os.Getpid(), binary.BigEndian.Uint64(buf[:]), ext)
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating %q: %w", name, err)
		}
	}
	return nil, fmt.Errorf("no unique name for %s in %q after %d attempts", base, dir, uniqueNameAttempts)
}

// writeStats emits the hook-call counters next to the fault set.
func writeStats(dir string, h *Handler) {
	f, err := createUnique(dir, "runtime-stats", "stat")
	if err != nil {
		log.Warningf("mpkuntrusted: %v", err)
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "Number of times allocHook called: %d\n", h.stats.alloc.Load())
	fmt.Fprintf(f, "Number of times reallocHook called: %d\n", h.stats.realloc.Load())
	fmt.Fprintf(f, "Number of times deallocHook called: %d\n", h.stats.dealloc.Load())

	found := 0
	for id := range h.stats.siteFaults {
		if n := h.stats.siteFaults[id].Load(); n > 0 {
			fmt.Fprintf(f, "AllocSite(%d) faults: %d\n", id, n)
			found++
		}
	}
	fmt.Fprintf(f, "Number of unique AllocSites found: %d\n", found)
}

// startTermWatcher arranges for SIGTERM to flush the fault set and then
// terminate the process with the default SIGTERM behavior. File I/O is not
// legal in a raw signal handler, so termination goes through a goroutine and
// the runtime's ordinary signal delivery.
func startTermWatcher() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGTERM)
	go func() {
		<-ch
		Flush()
		signal.Reset(unix.SIGTERM)
		unix.Kill(os.Getpid(), unix.SIGTERM)
	}()
}
