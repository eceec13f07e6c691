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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/securesystemslab/mpkuntrusted/pkg/log"
)

// FaultingSite is one entry of a fault-set file written by the runtime
// exporter. Entries failing validation are skipped, not fatal: fault files
// are accumulated over many profiling runs and one bad record should not
// discard the rest.
type FaultingSite struct {
	ID       uint64
	Pkey     uint32
	BBName   string
	FuncName string
}

// faultMap indexes faulting sites by function name, then identifier.
type faultMap map[string]map[uint64]FaultingSite

// jsonSite is the wire form. isRealloc is tolerated as either a bool or an
// integer; old exporters wrote 0/1.
type jsonSite struct {
	ID        int64    `json:"id"`
	Pkey      int64    `json:"pkey"`
	BBName    string   `json:"bbName"`
	FuncName  string   `json:"funcName"`
	IsRealloc flexBool `json:"isRealloc"`
}

type flexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch s := string(data); s {
	case "true":
		*b = true
	case "false", "null":
		*b = false
	default:
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("isRealloc: expected bool or integer, got %s", s)
		}
		*b = n != 0
	}
	return nil
}

// validate converts the wire form, rejecting entries the rewrite could not
// act on.
func (s *jsonSite) validate() (FaultingSite, error) {
	if s.ID < 0 {
		return FaultingSite{}, fmt.Errorf("negative id %d", s.ID)
	}
	if s.Pkey < 0 {
		return FaultingSite{}, fmt.Errorf("negative pkey %d", s.Pkey)
	}
	if s.BBName == "" {
		return FaultingSite{}, fmt.Errorf("empty bbName")
	}
	if s.FuncName == "" {
		return FaultingSite{}, fmt.Errorf("empty funcName")
	}
	return FaultingSite{
		ID:       uint64(s.ID),
		Pkey:     uint32(s.Pkey),
		BBName:   s.BBName,
		FuncName: s.FuncName,
	}, nil
}

// faultPaths expands the profile path: a directory is scanned for *.json
// files, anything else is taken as a single fault file.
func faultPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("profile path %q: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile directory %q: %w", path, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	return files, nil
}

// loadFaultMap reads the fault set from path (a file or a directory of
// files). Unreadable or malformed files, and malformed entries, are logged
// and skipped. Only a profile path that cannot be resolved at all is an
// error.
func loadFaultMap(path string) (faultMap, error) {
	fm := make(faultMap)
	if path == "" {
		return fm, nil
	}

	files, err := faultPaths(path)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			log.Warningf("patcher: skipping fault file %q: %v", file, err)
			continue
		}

		var sites []jsonSite
		if err := json.Unmarshal(data, &sites); err != nil {
			log.Warningf("patcher: skipping fault file %q: %v", file, err)
			continue
		}

		for i := range sites {
			fs, err := sites[i].validate()
			if err != nil {
				log.Warningf("patcher: skipping entry %d of %q: %v", i, file, err)
				continue
			}
			byID := fm[fs.FuncName]
			if byID == nil {
				byID = make(map[uint64]FaultingSite)
				fm[fs.FuncName] = byID
			}
			byID[fs.ID] = fs
		}
	}
	return fm, nil
}
