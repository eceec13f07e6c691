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

package pkru

import (
	"testing"
)

func TestGetSetRoundTrip(t *testing.T) {
	var word uint32
	for key := uint32(0); key < NumKeys; key++ {
		for _, rights := range []uint32{EnableAccess, DisableAccess, DisableWrite, DisableAccess | DisableWrite} {
			if err := Set(&word, key, rights); err != nil {
				t.Fatalf("Set(key=%d, rights=%d): %v", key, rights, err)
			}
			got, err := Get(&word, key)
			if err != nil {
				t.Fatalf("Get(key=%d): %v", key, err)
			}
			if got != rights {
				t.Errorf("Get(key=%d) = %d, want %d", key, got, rights)
			}
		}
	}
}

func TestSetPreservesOtherKeys(t *testing.T) {
	var word uint32
	if err := Set(&word, 3, DisableAccess); err != nil {
		t.Fatal(err)
	}
	if err := Set(&word, 4, DisableWrite); err != nil {
		t.Fatal(err)
	}
	if got, _ := Get(&word, 3); got != DisableAccess {
		t.Errorf("key 3 rights = %d, want %d", got, DisableAccess)
	}
	if err := Set(&word, 3, EnableAccess); err != nil {
		t.Fatal(err)
	}
	if got, _ := Get(&word, 4); got != DisableWrite {
		t.Errorf("key 4 rights clobbered: got %d, want %d", got, DisableWrite)
	}
}

func TestBadArguments(t *testing.T) {
	var word uint32
	if _, err := Get(&word, NumKeys); err == nil {
		t.Error("Get accepted out-of-range key")
	}
	if err := Set(&word, NumKeys, EnableAccess); err == nil {
		t.Error("Set accepted out-of-range key")
	}
	if err := Set(&word, 0, 4); err == nil {
		t.Error("Set accepted out-of-range rights")
	}
	if word != 0 {
		t.Errorf("failed operations modified the word: %#x", word)
	}
}
