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

package patcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSingleFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "faults.json",
		`[{"id":5,"pkey":2,"bbName":"block3","funcName":"foo","isRealloc":false}]`)

	fm, err := loadFaultMap(path)
	if err != nil {
		t.Fatal(err)
	}
	want := faultMap{
		"foo": {5: {ID: 5, Pkey: 2, BBName: "block3", FuncName: "foo"}},
	}
	if diff := cmp.Diff(want, fm); diff != "" {
		t.Errorf("fault map mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "run1.json", `[{"id":1,"pkey":1,"bbName":"b","funcName":"f"}]`)
	writeFile(t, dir, "run2.JSON", `[{"id":2,"pkey":1,"bbName":"b","funcName":"f"}]`)
	writeFile(t, dir, "notes.txt", `not a fault file`)

	fm, err := loadFaultMap(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(fm["f"]) != 2 {
		t.Errorf("loaded %d sites for f, want 2 (both json files, any case)", len(fm["f"]))
	}
}

func TestLoadSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.json", `{not json`)
	writeFile(t, dir, "mixed.json", `[
		{"id":-1,"pkey":2,"bbName":"b","funcName":"f"},
		{"id":1,"pkey":-2,"bbName":"b","funcName":"f"},
		{"id":2,"pkey":0,"bbName":"","funcName":"f"},
		{"id":3,"pkey":0,"bbName":"b","funcName":""},
		{"id":4,"pkey":0,"bbName":"b","funcName":"f"}
	]`)

	fm, err := loadFaultMap(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Only the one fully valid entry survives.
	if len(fm) != 1 || len(fm["f"]) != 1 {
		t.Fatalf("fault map = %v, want a single entry for (f, 4)", fm)
	}
	if _, ok := fm["f"][4]; !ok {
		t.Errorf("fault map = %v, missing (f, 4)", fm)
	}
}

func TestLoadMissingPath(t *testing.T) {
	if _, err := loadFaultMap(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("missing profile path did not error")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	fm, err := loadFaultMap("")
	if err != nil {
		t.Fatal(err)
	}
	if len(fm) != 0 {
		t.Errorf("empty path produced %d entries", len(fm))
	}
}

func TestFlexBool(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want bool
	}{
		{`true`, true},
		{`false`, false},
		{`1`, true},
		{`0`, false},
	} {
		path := writeFile(t, t.TempDir(), "f.json",
			`[{"id":1,"pkey":1,"bbName":"b","funcName":"f","isRealloc":`+tc.in+`}]`)
		// A file that fails to decode is skipped without an error, so
		// acceptance shows as the entry being loaded.
		fm, err := loadFaultMap(path)
		if err != nil || len(fm["f"]) != 1 {
			t.Errorf("isRealloc=%s rejected: err %v, fault map %v", tc.in, err, fm)
		}
	}

	var b flexBool
	if err := b.UnmarshalJSON([]byte(`"yes"`)); err == nil {
		t.Error("flexBool accepted a string")
	}
}
