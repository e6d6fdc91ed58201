package groups

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/api/types"
)

func int64p(v int64) *int64 { return &v }

func TestExpandUserWalksAncestors(t *testing.T) {
	allGroups := []types.UserGroup{
		{ID: 1, Name: "root"},
		{ID: 2, Name: "mid", ParentID: int64p(1)},
		{ID: 3, Name: "leaf", ParentID: int64p(2)},
	}
	memberships := []types.UserGroupMember{{UserID: 42, GroupID: 3}}

	closure := ExpandUser(42, memberships, allGroups)
	require.Len(t, closure, 3)
	for _, want := range []int64{1, 2, 3} {
		require.Containsf(t, closure, want, "expected group %d in closure", want)
	}
}

func TestValidateUserGroupsDetectsCycle(t *testing.T) {
	allGroups := []types.UserGroup{
		{ID: 1, Name: "a", ParentID: int64p(2)},
		{ID: 2, Name: "b", ParentID: int64p(1)},
	}
	require.Error(t, ValidateUserGroups(allGroups))
}

func TestExpandBackendNoMembershipIsEmpty(t *testing.T) {
	closure := ExpandBackend(99, nil, nil)
	require.Empty(t, closure)
}
