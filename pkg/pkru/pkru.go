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

// Package pkru manipulates the saved copy of the x86 PKRU register inside a
// signal-delivered machine context.
//
// PKRU holds two bits per protection key: an access-disable bit and a
// write-disable bit. Editing the saved copy, rather than executing WRPKRU,
// means the change takes effect exactly when the interrupted thread resumes
// and affects no other thread.
//
// Everything in this package is called from signal handlers and must stay
// nosplit and allocation free.
package pkru

import (
	"golang.org/x/sys/unix"
)

// Access rights for a single protection key, as encoded in its PKRU bit pair.
const (
	// EnableAccess grants both read and write.
	EnableAccess uint32 = 0x0

	// DisableAccess revokes read and write.
	DisableAccess uint32 = 0x1

	// DisableWrite revokes write only.
	DisableWrite uint32 = 0x2
)

// NumKeys is the number of protection keys encoded in PKRU.
const NumKeys = 16

// Get returns the access rights for key in the given PKRU word.
//
//go:nosplit
func Get(pkru *uint32, key uint32) (uint32, error) {
	if key >= NumKeys {
		return 0, unix.EINVAL
	}
	return (*pkru >> (2 * key)) & 3, nil
}

// Set replaces the access rights for key in the given PKRU word.
//
//go:nosplit
func Set(pkru *uint32, key uint32, rights uint32) error {
	if key >= NumKeys || rights > 3 {
		return unix.EINVAL
	}
	mask := uint32(3) << (2 * key)
	*pkru = (*pkru & ^mask) | (rights << (2 * key))
	return nil
}
