package api

import (
	"time"

	"github.com/cuemby/clanmanager/pkg/reconciler"
	"github.com/cuemby/clanmanager/pkg/types"
)

// Role is the wire form of a clan role
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Rank int    `json:"rank"`
}

// Clan is the wire form of a managed clan
type Clan struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Tag          string    `json:"tag,omitempty"`
	GuildID      string    `json:"guild_id,omitempty"`
	ReverifyDays int       `json:"reverify_days"`
	Roles        []Role    `json:"roles"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Member is the wire form of a clan member
type Member struct {
	UserID   string    `json:"user_id"`
	RoleIDs  []string  `json:"role_ids"`
	JoinedAt time.Time `json:"joined_at"`
}

// ActionFailure describes one action a pass could not apply
type ActionFailure struct {
	Action string `json:"action"`
	Error  string `json:"error"`
}

// ReconcileResult is the outcome of a forced reconciliation
type ReconcileResult struct {
	ClanID     string          `json:"clan_id"`
	Trigger    string          `json:"trigger"`
	Actions    []string        `json:"actions"`
	Applied    int             `json:"applied"`
	Failed     []ActionFailure `json:"failed,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// ReverificationRequest sets a clan's reverification window
type ReverificationRequest struct {
	Days int `json:"days"`
}

// TokenRequest asks for a new admin API token
type TokenRequest struct {
	Name string `json:"name"`
	// TTL is a Go duration string; empty never expires
	TTL string `json:"ttl,omitempty"`
}

// ErrorResponse is returned with every non-2xx status
type ErrorResponse struct {
	Error string `json:"error"`
}

// ClanFromTypes converts a domain clan
func ClanFromTypes(c *types.Clan) Clan {
	out := Clan{
		ID:           c.ID,
		Name:         c.Name,
		Tag:          c.Tag,
		GuildID:      c.GuildID,
		ReverifyDays: c.ReverifyDays,
		Roles:        make([]Role, 0, len(c.Roles)),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	for _, r := range c.Roles {
		out.Roles = append(out.Roles, Role{ID: r.ID, Name: r.Name, Rank: r.Rank})
	}
	return out
}

// ToTypes converts to a domain clan
func (c Clan) ToTypes() *types.Clan {
	out := &types.Clan{
		ID:           c.ID,
		Name:         c.Name,
		Tag:          c.Tag,
		GuildID:      c.GuildID,
		ReverifyDays: c.ReverifyDays,
	}
	for _, r := range c.Roles {
		out.Roles = append(out.Roles, &types.Role{ID: r.ID, ClanID: c.ID, Name: r.Name, Rank: r.Rank})
	}
	return out
}

func memberFromTypes(m *types.Member) Member {
	roles := m.RoleIDs
	if roles == nil {
		roles = []string{}
	}
	return Member{UserID: m.UserID, RoleIDs: roles, JoinedAt: m.JoinedAt}
}

func resultFromEngine(r *reconciler.Result) ReconcileResult {
	out := ReconcileResult{
		ClanID:     r.ClanID,
		Trigger:    string(r.Trigger),
		Actions:    make([]string, 0, len(r.Actions)),
		Applied:    r.Applied,
		DurationMS: r.Duration.Milliseconds(),
	}
	for _, a := range r.Actions {
		out.Actions = append(out.Actions, a.String())
	}
	for _, f := range r.Failed {
		out.Failed = append(out.Failed, ActionFailure{Action: f.Action.String(), Error: f.Err.Error()})
	}
	return out
}
