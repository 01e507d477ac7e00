package reconciler

import (
	"sort"

	"github.com/cuemby/clanmanager/pkg/types"
)

// Reconcile returns the corrective actions that bring persisted in line
// with live. Live state wins. The result is deterministic: removals first,
// then revocations, grants, additions, and a rename, each class ordered by
// user ID and then role ID. Equal snapshots produce no actions.
func Reconcile(clanID string, live, persisted *types.Snapshot) []types.Action {
	var actions []types.Action

	for _, userID := range persisted.UserIDs() {
		p, _ := persisted.Member(userID)
		l, ok := live.Member(userID)
		if !ok {
			actions = append(actions, types.RemoveMember(clanID, userID))
			continue
		}
		for _, roleID := range p.Roles.Sorted() {
			if !l.Roles.Has(roleID) {
				actions = append(actions, types.RevokeRole(clanID, userID, roleID))
			}
		}
		for _, roleID := range l.Roles.Sorted() {
			if !p.Roles.Has(roleID) {
				actions = append(actions, types.GrantRole(clanID, userID, roleID))
			}
		}
	}

	for _, userID := range live.UserIDs() {
		if _, ok := persisted.Member(userID); ok {
			continue
		}
		l, _ := live.Member(userID)
		actions = append(actions, types.AddMember(clanID, userID, l.Roles.Sorted(), l.JoinedAt))
	}

	if live.Name() != "" && live.Name() != persisted.Name() {
		actions = append(actions, types.RenameClan(clanID, live.Name()))
	}

	SortActions(actions)
	return actions
}

// SortActions orders actions by class, then user ID, then role ID
func SortActions(actions []types.Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if a.Type.Order() != b.Type.Order() {
			return a.Type.Order() < b.Type.Order()
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.RoleID < b.RoleID
	})
}
