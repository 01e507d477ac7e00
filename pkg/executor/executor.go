package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/metrics"
	"github.com/cuemby/clanmanager/pkg/platform"
	"github.com/cuemby/clanmanager/pkg/retry"
	"github.com/cuemby/clanmanager/pkg/storage"
	"github.com/cuemby/clanmanager/pkg/types"
)

// ActionError reports a corrective action that could not be applied
type ActionError struct {
	Action types.Action
	// Step names the sub-step that failed, e.g. "grant_role owner" for the
	// role grants of an AddMember
	Step string
	// Unrecoverable is set when retries were exhausted
	Unrecoverable bool
	Err           error
}

func (e *ActionError) Error() string {
	prefix := e.Action.String()
	if e.Step != "" {
		prefix += " [" + e.Step + "]"
	}
	if e.Unrecoverable {
		return fmt.Sprintf("%s: unrecoverable: %v", prefix, e.Err)
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Failure pairs a failed action with its error
type Failure struct {
	Action types.Action
	Err    error
}

// BatchResult summarizes ApplyBatch
type BatchResult struct {
	Applied []types.Action
	Failed  []Failure
}

// Err joins all failures, or returns nil
func (r *BatchResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// Executor applies corrective actions to the repository and the platform.
// Each step stages the persisted change, issues the platform command, and
// commits only if the command succeeded.
type Executor struct {
	repo   storage.Repository
	cmd    platform.Commander
	policy retry.Policy
	logger zerolog.Logger
}

// New creates an executor
func New(repo storage.Repository, cmd platform.Commander, policy retry.Policy) *Executor {
	return &Executor{
		repo:   repo,
		cmd:    cmd,
		policy: policy,
		logger: log.WithComponent("executor"),
	}
}

// ApplyBatch applies actions in order. A failed action does not stop the
// batch.
func (e *Executor) ApplyBatch(ctx context.Context, actions []types.Action) *BatchResult {
	result := &BatchResult{}
	for _, a := range actions {
		if err := e.Apply(ctx, a); err != nil {
			result.Failed = append(result.Failed, Failure{Action: a, Err: err})
			continue
		}
		result.Applied = append(result.Applied, a)
	}
	return result
}

// Apply applies one action. Errors are *ActionError.
func (e *Executor) Apply(ctx context.Context, a types.Action) error {
	err := e.apply(ctx, a)

	result := "applied"
	if err != nil {
		result = "failed"
		var ae *ActionError
		if errors.As(err, &ae) && ae.Unrecoverable {
			result = "unrecoverable"
		}
		e.logger.Warn().
			Str("clan_id", a.ClanID).
			Str("action", a.String()).
			Err(err).
			Msg("Corrective action failed")
	} else {
		e.logger.Debug().
			Str("clan_id", a.ClanID).
			Str("action", a.String()).
			Msg("Corrective action applied")
	}
	metrics.ActionsAppliedTotal.WithLabelValues(string(a.Type), result).Inc()

	return err
}

func (e *Executor) apply(ctx context.Context, a types.Action) error {
	switch a.Type {
	case types.ActionRemoveMember:
		return e.step(ctx, a, "",
			storage.Mutation{Kind: storage.MutationRemoveMember, UserID: a.UserID},
			platform.CmdRemoveMember,
			func(ctx context.Context) error { return e.cmd.RemoveMember(ctx, a.ClanID, a.UserID) })

	case types.ActionRevokeRole:
		return e.step(ctx, a, "",
			storage.Mutation{Kind: storage.MutationRevokeRole, UserID: a.UserID, RoleID: a.RoleID},
			platform.CmdRevokeRole,
			func(ctx context.Context) error { return e.cmd.RevokeRole(ctx, a.ClanID, a.UserID, a.RoleID) })

	case types.ActionGrantRole:
		return e.step(ctx, a, "",
			storage.Mutation{Kind: storage.MutationGrantRole, UserID: a.UserID, RoleID: a.RoleID},
			platform.CmdGrantRole,
			func(ctx context.Context) error { return e.cmd.GrantRole(ctx, a.ClanID, a.UserID, a.RoleID) })

	case types.ActionAddMember:
		// Membership and each role are committed separately, so a failed
		// grant leaves the member in place for the next pass to finish
		err := e.step(ctx, a, "add_member",
			storage.Mutation{Kind: storage.MutationAddMember, UserID: a.UserID, JoinedAt: a.JoinedAt},
			platform.CmdAddMember,
			func(ctx context.Context) error { return e.cmd.AddMember(ctx, a.ClanID, a.UserID) })
		if err != nil {
			return err
		}

		roles := make([]string, len(a.RoleIDs))
		copy(roles, a.RoleIDs)
		sort.Strings(roles)

		var (
			failed []*ActionError
			errs   []error
		)
		for _, roleID := range roles {
			err := e.step(ctx, a, "grant_role "+roleID,
				storage.Mutation{Kind: storage.MutationGrantRole, UserID: a.UserID, RoleID: roleID},
				platform.CmdGrantRole,
				func(ctx context.Context) error { return e.cmd.GrantRole(ctx, a.ClanID, a.UserID, roleID) })
			var ae *ActionError
			if errors.As(err, &ae) {
				failed = append(failed, ae)
				errs = append(errs, ae.Err)
			}
		}
		switch len(failed) {
		case 0:
			return nil
		case 1:
			return failed[0]
		}

		steps := make([]string, 0, len(failed))
		unrecoverable := false
		for _, f := range failed {
			steps = append(steps, f.Step)
			unrecoverable = unrecoverable || f.Unrecoverable
		}
		return &ActionError{
			Action:        a,
			Step:          strings.Join(steps, ", "),
			Unrecoverable: unrecoverable,
			Err:           errors.Join(errs...),
		}

	case types.ActionRenameClan:
		return e.step(ctx, a, "",
			storage.Mutation{Kind: storage.MutationRenameClan, Name: a.Name},
			platform.CmdRenameClan,
			func(ctx context.Context) error { return e.cmd.RenameClan(ctx, a.ClanID, a.Name) })

	default:
		return &ActionError{Action: a, Err: fmt.Errorf("unknown action type %q", a.Type)}
	}
}

// step runs one staged mutation with its confirming platform command,
// retrying the whole step on transient command failures
func (e *Executor) step(ctx context.Context, a types.Action, name string, m storage.Mutation, command string, call func(ctx context.Context) error) error {
	confirm := func(ctx context.Context) error {
		err := call(ctx)
		if err != nil && a.LiveAbsent && platform.IsAlreadyAbsent(err) {
			return nil
		}
		return err
	}

	onRetry := func(attempt int, err error) {
		metrics.CommandRetriesTotal.WithLabelValues(command).Inc()
		e.logger.Debug().
			Str("clan_id", a.ClanID).
			Str("action", a.String()).
			Int("attempt", attempt).
			Err(err).
			Msg("Retrying platform command")
	}

	err := e.policy.Do(ctx, platform.IsTransient, onRetry, func(ctx context.Context) error {
		return e.repo.ApplyMutation(ctx, a.ClanID, m, confirm)
	})
	if err == nil {
		return nil
	}

	return &ActionError{
		Action:        a,
		Step:          name,
		Unrecoverable: errors.Is(err, retry.ErrExhausted),
		Err:           err,
	}
}
