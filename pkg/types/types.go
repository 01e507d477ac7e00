package types

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidClan is wrapped by every clan validation failure
var ErrInvalidClan = errors.New("invalid clan")

// OwnerRank is the rank of the single role whose holder owns the clan
const OwnerRank = 0

// Clan represents a managed clan mirrored between the platform and the store
type Clan struct {
	ID           string
	Name         string
	Tag          string
	GuildID      string
	Roles        []*Role
	ReverifyDays int // 0 disables reverification
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Role is a platform role defined for a clan
type Role struct {
	ID     string
	ClanID string
	Name   string
	Rank   int // Lower rank means higher authority
}

// Member is a user's membership in exactly one clan
type Member struct {
	UserID   string
	ClanID   string
	RoleIDs  []string
	JoinedAt time.Time
}

// DefaultRoleNames is the permission ladder created when a clan is
// registered without explicit roles, ordered by rank
var DefaultRoleNames = []string{"owner", "co-owner", "leadership", "member"}

// OwnerRole returns the clan's owner role, or nil if none is defined
func (c *Clan) OwnerRole() *Role {
	for _, r := range c.Roles {
		if r.Rank == OwnerRank {
			return r
		}
	}
	return nil
}

// RoleByID returns the role with the given ID
func (c *Clan) RoleByID(id string) (*Role, bool) {
	for _, r := range c.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// HasRole reports whether the role is defined for the clan
func (c *Clan) HasRole(id string) bool {
	_, ok := c.RoleByID(id)
	return ok
}

// RoleIDs returns the IDs of all defined roles in rank order
func (c *Clan) RoleIDs() []string {
	roles := make([]*Role, len(c.Roles))
	copy(roles, c.Roles)
	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].Rank != roles[j].Rank {
			return roles[i].Rank < roles[j].Rank
		}
		return roles[i].ID < roles[j].ID
	})

	ids := make([]string, 0, len(roles))
	for _, r := range roles {
		ids = append(ids, r.ID)
	}
	return ids
}

// Validate checks the structural invariants of a clan definition
func (c *Clan) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidClan)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: clan %s: name is required", ErrInvalidClan, c.ID)
	}
	if c.ReverifyDays < 0 {
		return fmt.Errorf("%w: clan %s: reverify days must not be negative", ErrInvalidClan, c.ID)
	}

	seen := make(map[string]bool, len(c.Roles))
	owners := 0
	for _, r := range c.Roles {
		if r.ID == "" {
			return fmt.Errorf("%w: clan %s: role id is required", ErrInvalidClan, c.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: clan %s: duplicate role %s", ErrInvalidClan, c.ID, r.ID)
		}
		seen[r.ID] = true
		if r.Rank < OwnerRank {
			return fmt.Errorf("%w: clan %s: role %s has negative rank", ErrInvalidClan, c.ID, r.ID)
		}
		if r.Rank == OwnerRank {
			owners++
		}
	}
	if owners != 1 {
		return fmt.Errorf("%w: clan %s: exactly one owner role (rank %d) required, got %d", ErrInvalidClan, c.ID, OwnerRank, owners)
	}

	return nil
}

// HasRole reports whether the member holds the role
func (m *Member) HasRole(roleID string) bool {
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}
