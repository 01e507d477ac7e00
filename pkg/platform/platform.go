package platform

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/clanmanager/pkg/types"
)

// Platform event types as they appear on the wire
const (
	EventMemberAdd    = "CLAN_MEMBER_ADD"
	EventMemberRemove = "CLAN_MEMBER_REMOVE"
	EventMemberUpdate = "CLAN_MEMBER_UPDATE"
	EventClanUpdate   = "CLAN_UPDATE"
)

// RawEvent is an undecoded platform notification
type RawEvent struct {
	ID         string
	Type       string
	Payload    []byte // JSON body of the event
	ReceivedAt time.Time
}

// EventStream delivers platform notifications in arrival order
type EventStream interface {
	Events() <-chan RawEvent
}

// Commander issues state changes on the platform. Every command is an
// idempotent "ensure": repeating a successful command is harmless.
type Commander interface {
	AddMember(ctx context.Context, clanID, userID string) error
	RemoveMember(ctx context.Context, clanID, userID string) error
	GrantRole(ctx context.Context, clanID, userID, roleID string) error
	RevokeRole(ctx context.Context, clanID, userID, roleID string) error
	RenameClan(ctx context.Context, clanID, name string) error
}

// Fetcher reads the current live state of a clan
type Fetcher interface {
	FetchSnapshot(ctx context.Context, clanID string) (*types.Snapshot, error)
}

// Client is the full platform surface used by the engine
type Client interface {
	Commander
	Fetcher
}

// Command names used in errors, logs, and metrics
const (
	CmdAddMember     = "add_member"
	CmdRemoveMember  = "remove_member"
	CmdGrantRole     = "grant_role"
	CmdRevokeRole    = "revoke_role"
	CmdRenameClan    = "rename_clan"
	CmdFetchSnapshot = "fetch_snapshot"
)

// MemberPayload is the body of member events
type MemberPayload struct {
	ClanID   string    `json:"clan_id"`
	User     User      `json:"user"`
	Roles    []string  `json:"roles,omitempty"`
	JoinedAt time.Time `json:"joined_at,omitempty"`
}

// User identifies a platform user
type User struct {
	ID string `json:"id"`
}

// ClanPayload is the body of clan events
type ClanPayload struct {
	ClanID string `json:"clan_id"`
	Name   string `json:"name"`
}

// Envelope is the gateway frame wrapping every event
type Envelope struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

// NewRawEvent encodes payload into a RawEvent of the given type
func NewRawEvent(id, eventType string, payload any) (RawEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return RawEvent{}, err
	}
	return RawEvent{ID: id, Type: eventType, Payload: data, ReceivedAt: time.Now()}, nil
}
