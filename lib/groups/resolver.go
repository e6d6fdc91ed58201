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

package groups

import (
	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis/api/types"
)

func userForest(all []types.UserGroup) forest {
	f := make(forest, len(all))
	for _, g := range all {
		if g.ParentID != nil {
			f[g.ID] = *g.ParentID
		}
	}
	return f
}

func backendForest(all []types.BackendGroup) forest {
	f := make(forest, len(all))
	for _, g := range all {
		if g.ParentID != nil {
			f[g.ID] = *g.ParentID
		}
	}
	return f
}

// ValidateUserGroups fails closed with a *CycleError if the user group
// hierarchy contains a loop.
func ValidateUserGroups(all []types.UserGroup) error {
	return trace.Wrap(userForest(all).ValidateNoCycle())
}

// ValidateBackendGroups fails closed with a *CycleError if the backend
// group hierarchy contains a loop.
func ValidateBackendGroups(all []types.BackendGroup) error {
	return trace.Wrap(backendForest(all).ValidateNoCycle())
}

// ExpandUser returns every group (direct membership plus ancestors) the
// user belongs to, transitively.
func ExpandUser(userID int64, memberships []types.UserGroupMember, allGroups []types.UserGroup) map[int64]struct{} {
	f := userForest(allGroups)
	closure := map[int64]struct{}{}
	for _, m := range memberships {
		if m.UserID != userID {
			continue
		}
		for gid := range f.AncestorClosure(m.GroupID) {
			closure[gid] = struct{}{}
		}
	}
	return closure
}

// ExpandBackend returns every backend group (direct membership plus
// ancestors) the backend belongs to, transitively. This is what a
// group-scoped policy's MatchesBackend closure check is evaluated against.
func ExpandBackend(backendID int64, memberships []types.BackendGroupMember, allGroups []types.BackendGroup) map[int64]struct{} {
	f := backendForest(allGroups)
	closure := map[int64]struct{}{}
	for _, m := range memberships {
		if m.BackendID != backendID {
			continue
		}
		for gid := range f.AncestorClosure(m.GroupID) {
			closure[gid] = struct{}{}
		}
	}
	return closure
}
