/*
Package lock serializes work against a single clan.

Every mutation of a clan's persisted state, whether driven by a platform
event, a scheduled reconciliation, or an administrative call, runs inside
WithClanLock for that clan. Locks for different clans are independent.

	err := locks.WithClanLock(ctx, clanID, func(ctx context.Context) error {
		return engine.ReconcileFull(ctx, clanID)
	})
	if errors.Is(err, lock.ErrLockTimeout) {
		// skip this pass
	}

Waiters acquire in arrival order. A wait ends early when ctx is done; that
case is reported as ErrLockTimeout too, so callers have a single condition
to check. Lock entries are created lazily and discarded as soon as the last
holder or waiter leaves.
*/
package lock
