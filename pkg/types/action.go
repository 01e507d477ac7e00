package types

import (
	"fmt"
	"strings"
	"time"
)

// ActionType tags a corrective action variant
type ActionType string

const (
	ActionRemoveMember ActionType = "remove_member"
	ActionRevokeRole   ActionType = "revoke_role"
	ActionGrantRole    ActionType = "grant_role"
	ActionAddMember    ActionType = "add_member"
	ActionRenameClan   ActionType = "rename_clan"
)

// Order returns the position of the action class in a reconciliation batch
func (t ActionType) Order() int {
	switch t {
	case ActionRemoveMember:
		return 0
	case ActionRevokeRole:
		return 1
	case ActionGrantRole:
		return 2
	case ActionAddMember:
		return 3
	case ActionRenameClan:
		return 4
	default:
		return 5
	}
}

// Action is one idempotent unit of drift repair. Only the fields relevant
// to Type are set.
type Action struct {
	Type   ActionType
	ClanID string
	UserID string
	RoleID string

	// AddMember
	RoleIDs  []string
	JoinedAt time.Time

	// RenameClan
	Name string

	// Set when the action originates from a live-wins removal, where the
	// platform reporting the target as already absent counts as success.
	LiveAbsent bool
}

func RemoveMember(clanID, userID string) Action {
	return Action{Type: ActionRemoveMember, ClanID: clanID, UserID: userID, LiveAbsent: true}
}

func RevokeRole(clanID, userID, roleID string) Action {
	return Action{Type: ActionRevokeRole, ClanID: clanID, UserID: userID, RoleID: roleID, LiveAbsent: true}
}

func GrantRole(clanID, userID, roleID string) Action {
	return Action{Type: ActionGrantRole, ClanID: clanID, UserID: userID, RoleID: roleID}
}

func AddMember(clanID, userID string, roleIDs []string, joinedAt time.Time) Action {
	ids := make([]string, len(roleIDs))
	copy(ids, roleIDs)
	return Action{Type: ActionAddMember, ClanID: clanID, UserID: userID, RoleIDs: ids, JoinedAt: joinedAt}
}

func RenameClan(clanID, name string) Action {
	return Action{Type: ActionRenameClan, ClanID: clanID, Name: name}
}

// Key identifies the target of an action, ignoring payload that does not
// change the repaired state
func (a Action) Key() string {
	switch a.Type {
	case ActionRemoveMember, ActionAddMember:
		return fmt.Sprintf("%s/%s/%s", a.Type, a.ClanID, a.UserID)
	case ActionRevokeRole, ActionGrantRole:
		return fmt.Sprintf("%s/%s/%s/%s", a.Type, a.ClanID, a.UserID, a.RoleID)
	default:
		return fmt.Sprintf("%s/%s", a.Type, a.ClanID)
	}
}

func (a Action) String() string {
	switch a.Type {
	case ActionRemoveMember:
		return fmt.Sprintf("RemoveMember(%s)", a.UserID)
	case ActionRevokeRole:
		return fmt.Sprintf("RevokeRole(%s, %s)", a.UserID, a.RoleID)
	case ActionGrantRole:
		return fmt.Sprintf("GrantRole(%s, %s)", a.UserID, a.RoleID)
	case ActionAddMember:
		return fmt.Sprintf("AddMember(%s, [%s])", a.UserID, strings.Join(a.RoleIDs, " "))
	case ActionRenameClan:
		return fmt.Sprintf("RenameClan(%q)", a.Name)
	default:
		return string(a.Type)
	}
}
