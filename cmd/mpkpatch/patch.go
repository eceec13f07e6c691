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
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/llir/llvm/asm"

	"github.com/securesystemslab/mpkuntrusted/pkg/log"
	"github.com/securesystemslab/mpkuntrusted/pkg/patcher"
)

// Patch implements subcommands.Command for the "patch" command.
type Patch struct {
	profilePath string
	removeHooks bool
	verbose     bool
	output      string
	statsDir    string
}

// Name implements subcommands.Command.Name.
func (*Patch) Name() string {
	return "patch"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Patch) Synopsis() string {
	return "assigns hook identifiers and rewrites faulting allocation sites"
}

// Usage implements subcommands.Command.Usage.
func (*Patch) Usage() string {
	return `patch [flags] <input.ll>`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Patch) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.profilePath, "mpk-test-profile-path", "", "path of a fault-set file, or a directory of *.json fault-set files")
	f.BoolVar(&p.removeHooks, "mpk-test-remove-hooks", false, "erase hook calls and hook functions after identifier assignment")
	f.BoolVar(&p.verbose, "mpk-verbose-patching", false, "log each rewritten allocator call")
	f.StringVar(&p.output, "o", "", "output file (default stdout)")
	f.StringVar(&p.statsDir, "mpk-stats-dir", "", "if set, write patch statistics into this directory")
}

// Execute implements subcommands.Command.Execute.
func (p *Patch) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	input := f.Arg(0)

	m, err := asm.ParseFile(input)
	if err != nil {
		return Errorf("parsing %q: %v", input, err)
	}

	pass := patcher.New(patcher.Config{
		ProfilePath: p.profilePath,
		RemoveHooks: p.removeHooks,
		Verbose:     p.verbose,
	})
	if err := pass.Run(m); err != nil {
		return Errorf("patching %q: %v", input, err)
	}

	out := os.Stdout
	if p.output != "" {
		out, err = os.Create(p.output)
		if err != nil {
			return Errorf("creating %q: %v", p.output, err)
		}
		defer out.Close()
	}
	if _, err := fmt.Fprint(out, m.String()); err != nil {
		return Errorf("writing module: %v", err)
	}

	if p.statsDir != "" {
		if err := writeStats(p.statsDir, pass.Stats()); err != nil {
			// Statistics are advisory; the patched module is
			// already written.
			log.Warningf("writing stats: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// Errorf logs an error and returns a failing exit status.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	return subcommands.ExitFailure
}
