// Package reverify removes members whose membership is older than their
// clan's reverification window.
//
// Clans opt in by setting ReverifyDays. A sweep kicks every expired member
// except the clan owner, through the executor and under the clan lock, so a
// removal is both a platform kick and a persisted delete. Members who still
// belong rejoin and start a new window.
package reverify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/clanmanager/pkg/events"
	"github.com/cuemby/clanmanager/pkg/executor"
	"github.com/cuemby/clanmanager/pkg/lock"
	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/storage"
	"github.com/cuemby/clanmanager/pkg/types"
)

// DefaultSchedule runs the sweep once a day
const DefaultSchedule = "@daily"

// Applier executes corrective actions
type Applier interface {
	ApplyBatch(ctx context.Context, actions []types.Action) *executor.BatchResult
}

// Sweeper expires members past their clan's reverification window
type Sweeper struct {
	repo   storage.Repository
	exec   Applier
	locks  *lock.Manager
	broker *events.Broker
	now    func() time.Time
	logger zerolog.Logger
}

// NewSweeper creates a sweeper. broker may be nil.
func NewSweeper(repo storage.Repository, exec Applier, locks *lock.Manager, broker *events.Broker) *Sweeper {
	return &Sweeper{
		repo:   repo,
		exec:   exec,
		locks:  locks,
		broker: broker,
		now:    time.Now,
		logger: log.WithComponent("reverify"),
	}
}

// Sweep checks every clan with reverification enabled. Failures in one
// clan do not stop the others; they are joined into the returned error.
func (s *Sweeper) Sweep(ctx context.Context) error {
	clans, err := s.repo.ListClans(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, clan := range clans {
		if clan.ReverifyDays <= 0 {
			continue
		}
		if _, err := s.SweepClan(ctx, clan); err != nil {
			s.logger.Warn().Str("clan_id", clan.ID).Err(err).Msg("Reverification sweep failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepClan removes the clan's expired members and returns how many were
// removed
func (s *Sweeper) SweepClan(ctx context.Context, clan *types.Clan) (int, error) {
	if clan.ReverifyDays <= 0 {
		return 0, nil
	}

	var removed int
	err := s.locks.WithClanLock(ctx, clan.ID, func(ctx context.Context) error {
		members, err := s.repo.ListMembers(ctx, clan.ID)
		if err != nil {
			return err
		}

		actions := Expired(clan, members, s.now())
		if len(actions) == 0 {
			return nil
		}

		res := s.exec.ApplyBatch(ctx, actions)
		removed = len(res.Applied)
		for _, a := range res.Applied {
			s.broker.Publish(&events.Event{
				Type:    events.EventMemberExpired,
				ClanID:  clan.ID,
				Message: a.UserID,
			})
		}

		s.logger.Info().
			Str("clan_id", clan.ID).
			Int("expired", len(actions)).
			Int("removed", removed).
			Msg("Reverification sweep complete")
		return res.Err()
	})
	return removed, err
}

// Expired returns RemoveMember actions for members who joined more than
// the clan's window before now. The owner role holder is exempt.
func Expired(clan *types.Clan, members []*types.Member, now time.Time) []types.Action {
	if clan.ReverifyDays <= 0 {
		return nil
	}
	cutoff := now.AddDate(0, 0, -clan.ReverifyDays)
	var owner string
	if r := clan.OwnerRole(); r != nil {
		owner = r.ID
	}

	var actions []types.Action
	for _, m := range members {
		if owner != "" && m.HasRole(owner) {
			continue
		}
		if m.JoinedAt.IsZero() || !m.JoinedAt.Before(cutoff) {
			continue
		}
		actions = append(actions, types.RemoveMember(clan.ID, m.UserID))
	}
	return actions
}
