package normalizer

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/cuemby/clanmanager/pkg/dedupe"
	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/metrics"
	"github.com/cuemby/clanmanager/pkg/platform"
	"github.com/cuemby/clanmanager/pkg/types"
)

// Drop reasons reported on the events dropped metric
const (
	ReasonMalformed   = "malformed"
	ReasonUnknownType = "unknown_type"
	ReasonUnmanaged   = "unmanaged"
	ReasonDuplicate   = "duplicate"
)

// ClanLookup answers whether a clan is managed. It must not block on
// clan locks.
type ClanLookup interface {
	IsManaged(clanID string) bool
}

// Sink receives normalized events
type Sink interface {
	Enqueue(ev types.DomainEvent) error
}

// Normalizer turns raw platform notifications into domain events
type Normalizer struct {
	lookup ClanLookup
	filter dedupe.Filter
	logger zerolog.Logger
}

// New creates a normalizer. filter may be nil to disable deduplication.
func New(lookup ClanLookup, filter dedupe.Filter) *Normalizer {
	return &Normalizer{
		lookup: lookup,
		filter: filter,
		logger: log.WithComponent("normalizer"),
	}
}

// Normalize maps a raw event to a DomainEvent. Events that are malformed,
// of an unknown type, about unmanaged clans, or already seen return false.
func (n *Normalizer) Normalize(ctx context.Context, raw platform.RawEvent) (types.DomainEvent, bool) {
	metrics.EventsReceivedTotal.Inc()

	ev, reason := n.decode(raw)
	if reason == "" && !n.lookup.IsManaged(ev.ClanID) {
		reason = ReasonUnmanaged
	}
	if reason == "" && n.duplicate(ctx, raw.ID) {
		reason = ReasonDuplicate
	}
	if reason != "" {
		metrics.EventsDroppedTotal.WithLabelValues(reason).Inc()
		n.logger.Debug().
			Str("event_id", raw.ID).
			Str("type", raw.Type).
			Str("reason", reason).
			Msg("Dropped platform event")
		return types.DomainEvent{}, false
	}

	metrics.EventsNormalizedTotal.WithLabelValues(string(ev.Type)).Inc()
	return ev, true
}

// Run normalizes events from the stream into sink until ctx is done or the
// stream closes
func (n *Normalizer) Run(ctx context.Context, stream platform.EventStream, sink Sink) {
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				n.logger.Info().Msg("Platform event stream closed")
				return
			}
			ev, ok := n.Normalize(ctx, raw)
			if !ok {
				continue
			}
			if err := sink.Enqueue(ev); err != nil {
				n.logger.Warn().
					Str("clan_id", ev.ClanID).
					Str("event", string(ev.Type)).
					Err(err).
					Msg("Event not queued")
			}
		}
	}
}

func (n *Normalizer) duplicate(ctx context.Context, id string) bool {
	if n.filter == nil || id == "" {
		return false
	}
	seen, err := n.filter.Seen(ctx, id)
	if err != nil {
		// Losing dedupe only costs a redundant pass
		n.logger.Warn().Err(err).Str("event_id", id).Msg("Dedupe lookup failed")
		return false
	}
	return seen
}

func (n *Normalizer) decode(raw platform.RawEvent) (types.DomainEvent, string) {
	if !gjson.ValidBytes(raw.Payload) {
		return types.DomainEvent{}, ReasonMalformed
	}
	doc := gjson.ParseBytes(raw.Payload)

	ev := types.DomainEvent{
		ID:         raw.ID,
		ClanID:     doc.Get("clan_id").String(),
		OccurredAt: raw.ReceivedAt,
	}
	if ev.ClanID == "" {
		return ev, ReasonMalformed
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	switch raw.Type {
	case platform.EventMemberAdd:
		ev.Type = types.EventMemberJoined
		if err := n.user(doc, &ev); err != nil {
			return ev, ReasonMalformed
		}
		roles, ok := roleIDs(doc, false)
		if !ok {
			return ev, ReasonMalformed
		}
		ev.RoleIDs = roles
		// Without joined_at the receipt time is the join time
		if joined := doc.Get("joined_at").String(); joined != "" {
			t, err := time.Parse(time.RFC3339, joined)
			if err != nil {
				return ev, ReasonMalformed
			}
			ev.OccurredAt = t
		}

	case platform.EventMemberRemove:
		ev.Type = types.EventMemberLeft
		if err := n.user(doc, &ev); err != nil {
			return ev, ReasonMalformed
		}

	case platform.EventMemberUpdate:
		ev.Type = types.EventRoleChanged
		if err := n.user(doc, &ev); err != nil {
			return ev, ReasonMalformed
		}
		roles, ok := roleIDs(doc, true)
		if !ok {
			return ev, ReasonMalformed
		}
		ev.RoleIDs = roles

	case platform.EventClanUpdate:
		ev.Type = types.EventClanRenamed
		ev.Name = doc.Get("name").String()
		if ev.Name == "" {
			return ev, ReasonMalformed
		}

	default:
		return ev, ReasonUnknownType
	}

	return ev, ""
}

var errInvalidUser = errors.New("invalid user id")

func (n *Normalizer) user(doc gjson.Result, ev *types.DomainEvent) error {
	id := doc.Get("user.id").String()
	sf, err := snowflake.ParseString(id)
	if err != nil || sf.Int64() <= 0 {
		return errInvalidUser
	}
	ev.UserID = id
	return nil
}

// roleIDs reads the roles array. With required set, a missing array is
// malformed; an explicit empty array is a valid empty set.
func roleIDs(doc gjson.Result, required bool) ([]string, bool) {
	roles := doc.Get("roles")
	if !roles.Exists() {
		return nil, !required
	}
	if !roles.IsArray() {
		return nil, false
	}

	ids := make([]string, 0, len(roles.Array()))
	for _, r := range roles.Array() {
		if r.Type != gjson.String || r.String() == "" {
			return nil, false
		}
		ids = append(ids, r.String())
	}
	return ids, true
}
