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

// Package linux contains the Linux ABI types needed to handle protection-key
// faults directly, bypassing the Go runtime's signal plumbing.
package linux

import (
	"github.com/securesystemslab/mpkuntrusted/pkg/hostarch"
)

// SignalSet is a signal mask with a bit corresponding to each signal.
type SignalSet uint64

// SignalSetSize is the size in bytes of a SignalSet.
const SignalSetSize = 8

// SignalInfo represents information about a signal being delivered, and is
// equivalent to struct siginfo in linux kernel(include/uapi/asm-generic/siginfo.h).
type SignalInfo struct {
	Signo int32 // Signal number
	Errno int32 // Errno value
	Code  int32 // Signal code
	_     uint32

	// struct siginfo::_sifields is a union. In SignalInfo, fields in the union
	// are accessed through methods.
	//
	// For reference, here is the definition of _sifields: (_sigfault._trapno,
	// which does not exist on x86, omitted for clarity)
	//
	// union {
	// 	int _pad[SI_PAD_SIZE];
	//
	// 	/* kill() */
	// 	struct {
	// 		__kernel_pid_t _pid;	/* sender's pid */
	// 		__ARCH_SI_UID_T _uid;	/* sender's uid */
	// 	} _kill;
	//
	// 	...
	//
	// 	/* SIGILL, SIGFPE, SIGSEGV, SIGBUS */
	// 	struct {
	// 		void *_addr; /* faulting insn/memory ref. */
	// 		short _addr_lsb; /* LSB of the reported address */
	// 		union {
	// 			/* used when si_code=SEGV_BNDERR */
	// 			struct {
	// 				void *_lower;
	// 				void *_upper;
	// 			} _addr_bnd;
	// 			/* used when si_code=SEGV_PKUERR */
	// 			__u32 _pkey;
	// 		};
	// 	} _sigfault;
	//
	// 	...
	// };
	Fields [128 - 16]byte
}

// Addr returns the si_addr field, which is aliased to the first fields union
// member.
func (s *SignalInfo) Addr() uint64 {
	return hostarch.ByteOrder.Uint64(s.Fields[0:8])
}

// SetAddr sets the si_addr field.
func (s *SignalInfo) SetAddr(val uint64) {
	hostarch.ByteOrder.PutUint64(s.Fields[0:8], val)
}

// Pkey returns the si_pkey field, valid only when Code is SEGV_PKUERR. The
// union member follows _addr and the 2-byte _addr_lsb, aligned back up to a
// pointer boundary.
func (s *SignalInfo) Pkey() uint32 {
	return hostarch.ByteOrder.Uint32(s.Fields[16:20])
}

// SetPkey sets the si_pkey field.
func (s *SignalInfo) SetPkey(val uint32) {
	hostarch.ByteOrder.PutUint32(s.Fields[16:20], val)
}

// Possible values for SignalInfo.Code when Signo is SIGSEGV.
const (
	// SEGV_MAPERR indicates the address is not mapped to an object.
	SEGV_MAPERR = 1

	// SEGV_ACCERR indicates invalid permissions for the mapped object.
	SEGV_ACCERR = 2

	// SEGV_BNDERR indicates a failed address bound check.
	SEGV_BNDERR = 3

	// SEGV_PKUERR indicates the access was denied by memory protection
	// keys.
	SEGV_PKUERR = 4
)

// SigAction represents struct sigaction.
type SigAction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     SignalSet
}

// Values for SigAction.Handler.
const (
	// SIG_DFL performs the default signal action.
	SIG_DFL = 0

	// SIG_IGN ignores the signal.
	SIG_IGN = 1
)

// Values for SigAction.Flags.
const (
	SA_NOCLDSTOP = 0x00000001
	SA_NOCLDWAIT = 0x00000002
	SA_SIGINFO   = 0x00000004
	SA_RESTORER  = 0x04000000
	SA_ONSTACK   = 0x08000000
	SA_RESTART   = 0x10000000
	SA_NODEFER   = 0x40000000
	SA_RESETHAND = 0x80000000
)

// SignalStack represents information about a user stack, and is equivalent to
// stack_t.
type SignalStack struct {
	Addr  uint64
	Flags uint32
	_     uint32
	Size  uint64
}
