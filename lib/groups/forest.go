/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package groups resolves the UserGroup and BackendGroup forests: each
// group has at most one parent, and membership in a group implies
// membership in every ancestor. Both forests are shaped identically, so a
// single generic walker backs the user-facing and backend-facing helpers
// in resolver.go.
package groups

import "github.com/gravitational/trace"

// forest is a parent-linked tree of group IDs: forest[child] = parent.
// The zero value of forest is a valid, empty forest.
type forest map[int64]int64

// CycleError reports that a group's parent chain loops back on itself.
type CycleError struct {
	Path []int64
}

func (e *CycleError) Error() string {
	return trace.Errorf("group hierarchy cycle detected: %v", e.Path).Error()
}

// ValidateNoCycle walks every group's parent chain and fails closed with
// a *CycleError the first time a chain revisits a group already on the
// current path. A misconfigured hierarchy must never be allowed to
// silently grant or deny access via an unbounded walk.
func (f forest) ValidateNoCycle() error {
	for start := range f {
		visited := map[int64]bool{}
		path := []int64{start}
		cur := start
		for {
			if visited[cur] {
				return trace.Wrap(&CycleError{Path: path})
			}
			visited[cur] = true
			parent, ok := f[cur]
			if !ok {
				break
			}
			cur = parent
			path = append(path, cur)
		}
	}
	return nil
}

// AncestorClosure returns id together with every ancestor reachable by
// following parent links, stopping at the first group with no parent.
// The forest is assumed already cycle-free; AncestorClosure bounds its
// own walk at len(f)+1 steps as a last-resort guard against a cycle that
// slipped past ValidateNoCycle.
func (f forest) AncestorClosure(id int64) map[int64]struct{} {
	closure := map[int64]struct{}{id: {}}
	cur := id
	for i := 0; i <= len(f); i++ {
		parent, ok := f[cur]
		if !ok {
			break
		}
		if _, seen := closure[parent]; seen {
			break
		}
		closure[parent] = struct{}{}
		cur = parent
	}
	return closure
}
