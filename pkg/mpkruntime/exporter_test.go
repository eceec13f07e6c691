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
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var faultFileRE = regexp.MustCompile(`^faulting-allocs-\d+-[0-9a-f]{16}\.json$`)

func TestFlushWritesFaultSet(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(resultsDirEnv, dir)

	h := newTestHandler()
	h.Alloc(0x1000, 64, 7, "block3", "foo")
	h.Fault(0x1010, 2)

	if !flushHandler(h) {
		t.Fatal("flush failed")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("results directory has %d files, want 1", len(entries))
	}
	name := entries[0].Name()
	if !faultFileRE.MatchString(name) {
		t.Errorf("file name %q does not match the expected pattern", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	var records []faultRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("output is not a JSON array of records: %v", err)
	}
	want := []faultRecord{{ID: 7, Pkey: 2, BBName: "block3", FuncName: "foo", IsRealloc: false}}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestFlushEmptySet(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(resultsDirEnv, dir)

	h := newTestHandler()
	if !flushHandler(h) {
		t.Fatal("flush of empty set failed")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("flush of empty set wrote %d files, want 0", len(entries))
	}
}

func TestFlushUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, nil, 0644); err != nil {
		t.Fatal(err)
	}
	// The results path is a regular file; MkdirAll must fail.
	t.Setenv(resultsDirEnv, blocked)

	h := newTestHandler()
	h.Alloc(0x1000, 64, 7, "block3", "foo")
	h.Fault(0x1010, 2)

	if flushHandler(h) {
		t.Error("flush reported success with an unusable results directory")
	}
}

func TestFlushStats(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(resultsDirEnv, dir)

	h := newTestHandler()
	h.stats.enabled = true
	h.Alloc(0x1000, 64, 7, "block3", "foo")
	h.Fault(0x1010, 2)

	if !flushHandler(h) {
		t.Fatal("flush failed")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var stats int
	for _, e := range entries {
		if regexp.MustCompile(`^runtime-stats-\d+-[0-9a-f]{16}\.stat$`).MatchString(e.Name()) {
			stats++
		}
	}
	if stats != 1 {
		t.Errorf("found %d stats files, want 1", stats)
	}
}

func TestCreateUniqueCollisions(t *testing.T) {
	dir := t.TempDir()
	f1, err := createUnique(dir, "faulting-allocs", "json")
	if err != nil {
		t.Fatal(err)
	}
	f1.Close()
	f2, err := createUnique(dir, "faulting-allocs", "json")
	if err != nil {
		t.Fatal(err)
	}
	f2.Close()
	if f1.Name() == f2.Name() {
		t.Errorf("two createUnique calls produced the same path %q", f1.Name())
	}
}
