package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/clanmanager/pkg/types"
)

var (
	// ErrNotFound is returned when a clan or member does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when registering a clan ID twice
	ErrAlreadyExists = errors.New("already exists")

	// ErrOwnerConflict is returned when granting the owner role while another
	// member still holds it
	ErrOwnerConflict = errors.New("clan already has an owner")

	// ErrMemberConflict is returned when adding a user who belongs to another clan
	ErrMemberConflict = errors.New("user is a member of another clan")

	// ErrUnknownRole is returned when a role is not defined for the clan
	ErrUnknownRole = errors.New("role not defined for clan")

	// ErrVersionConflict is returned when a clan changed between read and
	// write of an optimistic update
	ErrVersionConflict = errors.New("clan version changed concurrently")
)

// TxError reports a failed repository transaction
type TxError struct {
	ClanID string
	Op     string
	Err    error
}

func (e *TxError) Error() string {
	if e.ClanID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s (clan %s): %v", e.Op, e.ClanID, e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

func txErr(clanID, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TxError
	if errors.As(err, &te) {
		return err
	}
	return &TxError{ClanID: clanID, Op: op, Err: err}
}

// MutationKind names a persisted state change
type MutationKind string

const (
	MutationAddMember    MutationKind = "add_member"
	MutationRemoveMember MutationKind = "remove_member"
	MutationGrantRole    MutationKind = "grant_role"
	MutationRevokeRole   MutationKind = "revoke_role"
	MutationRenameClan   MutationKind = "rename_clan"
)

// Mutation is one change to a clan's persisted membership. Mutations are
// idempotent: removing an absent member or granting a held role is a no-op.
type Mutation struct {
	Kind     MutationKind
	UserID   string
	RoleID   string
	JoinedAt time.Time
	Name     string
}

func (m Mutation) String() string {
	switch m.Kind {
	case MutationGrantRole, MutationRevokeRole:
		return fmt.Sprintf("%s(%s, %s)", m.Kind, m.UserID, m.RoleID)
	case MutationRenameClan:
		return fmt.Sprintf("%s(%q)", m.Kind, m.Name)
	default:
		return fmt.Sprintf("%s(%s)", m.Kind, m.UserID)
	}
}

// ConfirmFunc is called after a mutation is staged and before it is
// committed. Returning an error discards the staged change and the error is
// returned unchanged from ApplyMutation.
type ConfirmFunc func(ctx context.Context) error

// Repository is the authoritative persisted record of clans, roles, and
// membership
type Repository interface {
	// Clans
	CreateClan(ctx context.Context, clan *types.Clan) error
	GetClan(ctx context.Context, id string) (*types.Clan, error)
	ListClans(ctx context.Context) ([]*types.Clan, error)
	UpdateClan(ctx context.Context, clan *types.Clan) error
	DeleteClan(ctx context.Context, id string) error

	// Membership
	GetSnapshot(ctx context.Context, clanID string) (*types.Snapshot, error)
	ListMembers(ctx context.Context, clanID string) ([]*types.Member, error)
	ApplyMutation(ctx context.Context, clanID string, m Mutation, confirm ConfirmFunc) error

	// Utility
	Close() error
}

// clanState is the in-memory view used to validate a mutation
type clanState struct {
	clan    *types.Clan
	members map[string]*types.Member
}

// check validates m against the current state and reports whether it
// changes anything. memberClan returns the clan a user currently belongs to.
func (s *clanState) check(m Mutation, memberClan func(userID string) (string, bool, error)) (bool, error) {
	switch m.Kind {
	case MutationAddMember:
		if _, ok := s.members[m.UserID]; ok {
			return false, nil
		}
		other, ok, err := memberClan(m.UserID)
		if err != nil {
			return false, err
		}
		if ok && other != s.clan.ID {
			return false, fmt.Errorf("%w: user %s in clan %s", ErrMemberConflict, m.UserID, other)
		}
		return true, nil

	case MutationRemoveMember:
		_, ok := s.members[m.UserID]
		return ok, nil

	case MutationGrantRole:
		role, ok := s.clan.RoleByID(m.RoleID)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownRole, m.RoleID)
		}
		member, ok := s.members[m.UserID]
		if !ok {
			return false, fmt.Errorf("member %s: %w", m.UserID, ErrNotFound)
		}
		if member.HasRole(m.RoleID) {
			return false, nil
		}
		if role.Rank == types.OwnerRank {
			for id, other := range s.members {
				if id != m.UserID && other.HasRole(role.ID) {
					return false, fmt.Errorf("%w: held by %s", ErrOwnerConflict, id)
				}
			}
		}
		return true, nil

	case MutationRevokeRole:
		member, ok := s.members[m.UserID]
		return ok && member.HasRole(m.RoleID), nil

	case MutationRenameClan:
		if m.Name == "" {
			return false, fmt.Errorf("clan name must not be empty")
		}
		return s.clan.Name != m.Name, nil

	default:
		return false, fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}
