package types

import (
	"sort"
	"time"
)

// SnapshotSource identifies where a snapshot was derived from
type SnapshotSource string

const (
	SourceLive      SnapshotSource = "live"
	SourcePersisted SnapshotSource = "persisted"
)

// RoleSet is an unordered set of role IDs
type RoleSet map[string]struct{}

// NewRoleSet builds a set from role IDs, ignoring duplicates
func NewRoleSet(ids ...string) RoleSet {
	s := make(RoleSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership
func (s RoleSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the role IDs in ascending order
func (s RoleSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Equal compares two sets ignoring order
func (s RoleSet) Equal(other RoleSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

func (s RoleSet) clone() RoleSet {
	c := make(RoleSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// SnapshotMember is one member entry of a snapshot
type SnapshotMember struct {
	UserID   string
	Roles    RoleSet
	JoinedAt time.Time
}

// Snapshot is an immutable point-in-time view of one clan's membership and
// role assignments. The zero value is not usable; build one with NewSnapshot.
type Snapshot struct {
	clanID  string
	name    string
	source  SnapshotSource
	takenAt time.Time
	members map[string]SnapshotMember
}

// NewSnapshot copies the given members into a new immutable snapshot
func NewSnapshot(clanID, name string, source SnapshotSource, members []SnapshotMember) *Snapshot {
	s := &Snapshot{
		clanID:  clanID,
		name:    name,
		source:  source,
		takenAt: time.Now(),
		members: make(map[string]SnapshotMember, len(members)),
	}
	for _, m := range members {
		s.members[m.UserID] = SnapshotMember{
			UserID:   m.UserID,
			Roles:    m.Roles.clone(),
			JoinedAt: m.JoinedAt,
		}
	}
	return s
}

// SnapshotFromMembers builds a persisted snapshot from stored records
func SnapshotFromMembers(clan *Clan, members []*Member) *Snapshot {
	entries := make([]SnapshotMember, 0, len(members))
	for _, m := range members {
		entries = append(entries, SnapshotMember{
			UserID:   m.UserID,
			Roles:    NewRoleSet(m.RoleIDs...),
			JoinedAt: m.JoinedAt,
		})
	}
	return NewSnapshot(clan.ID, clan.Name, SourcePersisted, entries)
}

func (s *Snapshot) ClanID() string { return s.clanID }
func (s *Snapshot) Name() string { return s.name }
func (s *Snapshot) Source() SnapshotSource { return s.source }
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }
func (s *Snapshot) Len() int { return len(s.members) }

// Member returns a copy of the member entry
func (s *Snapshot) Member(userID string) (SnapshotMember, bool) {
	m, ok := s.members[userID]
	if !ok {
		return SnapshotMember{}, false
	}
	m.Roles = m.Roles.clone()
	return m, true
}

// UserIDs returns member user IDs in ascending order
func (s *Snapshot) UserIDs() []string {
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Members returns copies of all member entries ordered by user ID
func (s *Snapshot) Members() []SnapshotMember {
	out := make([]SnapshotMember, 0, len(s.members))
	for _, id := range s.UserIDs() {
		m, _ := s.Member(id)
		out = append(out, m)
	}
	return out
}

// Equal reports structural equality of name and membership. Source and
// capture time are not compared.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.clanID != other.clanID || s.name != other.name || len(s.members) != len(other.members) {
		return false
	}
	for id, m := range s.members {
		o, ok := other.members[id]
		if !ok || !m.Roles.Equal(o.Roles) {
			return false
		}
	}
	return true
}

// Apply returns a new live snapshot with the event merged in. The receiver
// is left untouched. Events for other clans return an unchanged copy.
func (s *Snapshot) Apply(ev DomainEvent) *Snapshot {
	next := &Snapshot{
		clanID:  s.clanID,
		name:    s.name,
		source:  SourceLive,
		takenAt: time.Now(),
		members: make(map[string]SnapshotMember, len(s.members)+1),
	}
	for id, m := range s.members {
		m.Roles = m.Roles.clone()
		next.members[id] = m
	}

	if ev.ClanID != s.clanID {
		return next
	}

	switch ev.Type {
	case EventMemberJoined:
		if _, exists := next.members[ev.UserID]; !exists {
			next.members[ev.UserID] = SnapshotMember{
				UserID:   ev.UserID,
				Roles:    NewRoleSet(ev.RoleIDs...),
				JoinedAt: ev.OccurredAt,
			}
		}
	case EventMemberLeft:
		delete(next.members, ev.UserID)
	case EventRoleChanged:
		m, exists := next.members[ev.UserID]
		if !exists {
			if len(ev.RoleIDs) == 0 {
				break
			}
			// Holding clan roles on the platform implies membership
			m = SnapshotMember{UserID: ev.UserID, JoinedAt: ev.OccurredAt}
		}
		m.Roles = NewRoleSet(ev.RoleIDs...)
		next.members[ev.UserID] = m
	case EventClanRenamed:
		next.name = ev.Name
	}

	return next
}
