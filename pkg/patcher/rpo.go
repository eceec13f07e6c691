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
	"github.com/llir/llvm/ir"
)

// reversePostOrder returns the blocks of f reachable from the entry block in
// reverse post-order: every block before its successors, loops aside. This is
// the traversal the identifier assignment walks, so it must be a pure
// function of the IR; successor order comes straight from each terminator.
func reversePostOrder(f *ir.Func) []*ir.Block {
	if len(f.Blocks) == 0 {
		return nil
	}

	seen := make(map[*ir.Block]bool, len(f.Blocks))
	post := make([]*ir.Block, 0, len(f.Blocks))

	// Iterative DFS; the explicit stack tracks the next successor index
	// per open block.
	type frame struct {
		b    *ir.Block
		next int
	}
	stack := []frame{{b: f.Blocks[0]}}
	seen[f.Blocks[0]] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := top.b.Term.Succs()
		advanced := false
		for top.next < len(succs) {
			s := succs[top.next]
			top.next++
			if !seen[s] {
				seen[s] = true
				stack = append(stack, frame{b: s})
				advanced = true
				break
			}
		}
		if !advanced && top.next >= len(succs) {
			post = append(post, top.b)
			stack = stack[:len(stack)-1]
		}
	}

	// Reverse the post-order in place.
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// blockSlots numbers every block of f by its position in layout order. The
// numbers name unnamed blocks ("block3"), so they must not depend on the
// traversal.
func blockSlots(f *ir.Func) map[*ir.Block]int {
	slots := make(map[*ir.Block]int, len(f.Blocks))
	for i, b := range f.Blocks {
		slots[b] = i
	}
	return slots
}
