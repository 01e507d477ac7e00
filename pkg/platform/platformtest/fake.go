// Package platformtest provides an in-memory platform for tests.
package platformtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/clanmanager/pkg/platform"
	"github.com/cuemby/clanmanager/pkg/types"
)

// Call records one command issued against the fake
type Call struct {
	Command string
	ClanID  string
	UserID  string
	RoleID  string
	Name    string
}

func (c Call) String() string {
	switch c.Command {
	case platform.CmdGrantRole, platform.CmdRevokeRole:
		return fmt.Sprintf("%s(%s, %s)", c.Command, c.UserID, c.RoleID)
	case platform.CmdRenameClan:
		return fmt.Sprintf("%s(%q)", c.Command, c.Name)
	default:
		return fmt.Sprintf("%s(%s)", c.Command, c.UserID)
	}
}

// FailFunc decides whether a call fails. Returning nil lets it proceed.
type FailFunc func(call Call) error

type member struct {
	roles    types.RoleSet
	joinedAt time.Time
}

type clan struct {
	name    string
	members map[string]*member
}

// Platform is a thread-safe fake implementing platform.Client and
// platform.EventStream
type Platform struct {
	mu     sync.Mutex
	clans  map[string]*clan
	calls  []Call
	fail   FailFunc
	events chan platform.RawEvent
}

var (
	_ platform.Client      = (*Platform)(nil)
	_ platform.EventStream = (*Platform)(nil)
)

// New creates an empty fake platform
func New() *Platform {
	return &Platform{
		clans:  make(map[string]*clan),
		events: make(chan platform.RawEvent, 64),
	}
}

// SetClan creates or renames a clan
func (p *Platform) SetClan(clanID, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clan(clanID).name = name
}

// SetMember puts a user in the clan with exactly the given roles
func (p *Platform) SetMember(clanID, userID string, roleIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.clan(clanID)
	m, ok := c.members[userID]
	if !ok {
		m = &member{joinedAt: time.Now()}
		c.members[userID] = m
	}
	m.roles = types.NewRoleSet(roleIDs...)
}

// DropMember removes a user from the clan
func (p *Platform) DropMember(clanID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clan(clanID).members, userID)
}

// FailWith installs a failure hook; nil clears it
func (p *Platform) FailWith(fn FailFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fn
}

// Calls returns every command issued so far
func (p *Platform) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// ResetCalls clears the call log
func (p *Platform) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// Emit queues a raw event on the stream
func (p *Platform) Emit(ev platform.RawEvent) {
	p.events <- ev
}

// Events implements platform.EventStream
func (p *Platform) Events() <-chan platform.RawEvent {
	return p.events
}

// Close closes the event stream
func (p *Platform) Close() {
	close(p.events)
}

// Snapshot returns the live state without recording a call
func (p *Platform) Snapshot(clanID string) *types.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(clanID)
}

func (p *Platform) AddMember(ctx context.Context, clanID, userID string) error {
	return p.exec(Call{Command: platform.CmdAddMember, ClanID: clanID, UserID: userID}, func(c *clan) error {
		if _, ok := c.members[userID]; !ok {
			c.members[userID] = &member{roles: types.NewRoleSet(), joinedAt: time.Now()}
		}
		return nil
	})
}

func (p *Platform) RemoveMember(ctx context.Context, clanID, userID string) error {
	return p.exec(Call{Command: platform.CmdRemoveMember, ClanID: clanID, UserID: userID}, func(c *clan) error {
		if _, ok := c.members[userID]; !ok {
			return platform.AlreadyAbsent(platform.CmdRemoveMember, fmt.Errorf("unknown member %s", userID))
		}
		delete(c.members, userID)
		return nil
	})
}

func (p *Platform) GrantRole(ctx context.Context, clanID, userID, roleID string) error {
	return p.exec(Call{Command: platform.CmdGrantRole, ClanID: clanID, UserID: userID, RoleID: roleID}, func(c *clan) error {
		m, ok := c.members[userID]
		if !ok {
			return platform.Permanent(platform.CmdGrantRole, fmt.Errorf("unknown member %s", userID))
		}
		m.roles[roleID] = struct{}{}
		return nil
	})
}

func (p *Platform) RevokeRole(ctx context.Context, clanID, userID, roleID string) error {
	return p.exec(Call{Command: platform.CmdRevokeRole, ClanID: clanID, UserID: userID, RoleID: roleID}, func(c *clan) error {
		m, ok := c.members[userID]
		if !ok || !m.roles.Has(roleID) {
			return platform.AlreadyAbsent(platform.CmdRevokeRole, fmt.Errorf("role %s not held by %s", roleID, userID))
		}
		delete(m.roles, roleID)
		return nil
	})
}

func (p *Platform) RenameClan(ctx context.Context, clanID, name string) error {
	return p.exec(Call{Command: platform.CmdRenameClan, ClanID: clanID, Name: name}, func(c *clan) error {
		c.name = name
		return nil
	})
}

func (p *Platform) FetchSnapshot(ctx context.Context, clanID string) (*types.Snapshot, error) {
	var snap *types.Snapshot
	err := p.exec(Call{Command: platform.CmdFetchSnapshot, ClanID: clanID}, func(c *clan) error {
		snap = p.snapshot(clanID)
		return nil
	})
	return snap, err
}

func (p *Platform) exec(call Call, fn func(c *clan) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, call)
	if p.fail != nil {
		if err := p.fail(call); err != nil {
			return err
		}
	}
	return fn(p.clan(call.ClanID))
}

// clan returns the clan, creating it. Caller holds p.mu.
func (p *Platform) clan(id string) *clan {
	c, ok := p.clans[id]
	if !ok {
		c = &clan{members: make(map[string]*member)}
		p.clans[id] = c
	}
	return c
}

// snapshot builds a live snapshot. Caller holds p.mu.
func (p *Platform) snapshot(clanID string) *types.Snapshot {
	c := p.clan(clanID)
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	members := make([]types.SnapshotMember, 0, len(ids))
	for _, id := range ids {
		m := c.members[id]
		members = append(members, types.SnapshotMember{UserID: id, Roles: m.roles, JoinedAt: m.joinedAt})
	}
	return types.NewSnapshot(clanID, c.name, types.SourceLive, members)
}

// FailTimes returns a FailFunc that fails matching calls with err the
// first n times
func FailTimes(n int, err error, match func(Call) bool) FailFunc {
	var mu sync.Mutex
	remaining := n
	return func(call Call) error {
		if !match(call) {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if remaining <= 0 {
			return nil
		}
		remaining--
		return err
	}
}

// Always returns a FailFunc that fails every matching call with err
func Always(err error, match func(Call) bool) FailFunc {
	return func(call Call) error {
		if match(call) {
			return err
		}
		return nil
	}
}

// Command matches calls by command name
func Command(name string) func(Call) bool {
	return func(c Call) bool { return c.Command == name }
}
