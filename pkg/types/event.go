package types

import "time"

// DomainEventType is the internal event vocabulary
type DomainEventType string

const (
	EventMemberJoined DomainEventType = "member_joined"
	EventMemberLeft   DomainEventType = "member_left"
	EventRoleChanged  DomainEventType = "role_changed"
	EventClanRenamed  DomainEventType = "clan_renamed"
)

// DomainEvent is a normalized platform notification about a managed clan
type DomainEvent struct {
	ID         string // platform event ID, may be empty
	Type       DomainEventType
	ClanID     string
	UserID     string
	RoleIDs    []string // RoleChanged: the full new role set; MemberJoined: initial roles
	Name       string   // ClanRenamed
	OccurredAt time.Time
}
