/*
Package reconciler detects and repairs drift between a clan's live platform
state and its persisted record.

Reconcile is the pure diff: given a live and a persisted snapshot it returns
the corrective actions that make the persisted side match the live side. The
live side always wins. Actions come out in a fixed order so that a user never
briefly holds a role in a clan they are about to leave:

	RemoveMember → RevokeRole → GrantRole → AddMember → RenameClan

Within a class, actions are sorted by user ID and then role ID.

# Engine

Engine runs reconciliation passes. Every pass for a clan runs under that
clan's lock from pkg/lock, and the resulting actions are applied through the
executor while the lock is still held. There are two ways to build the live
side:

  - HandleEvent: the persisted snapshot with one DomainEvent merged in
  - ReconcileFull: a fresh FetchSnapshot from the platform

Each watched clan owns a bounded queue drained by a single goroutine, so
events for a clan are handled in arrival order while clans proceed
independently. A full queue drops the event with ErrQueueFull; the next
scheduled full pull repairs whatever it missed.

# Usage

	engine := reconciler.NewEngine(reconciler.Config{QueueSize: 128},
		repo, client, exec, locks, broker)
	engine.Watch("clan-1")
	defer engine.Stop()

	if err := engine.Enqueue(ev); errors.Is(err, reconciler.ErrQueueFull) {
		// dropped, repaired by the next full pull
	}

	res, err := engine.ReconcileFull(ctx, "clan-1", reconciler.TriggerForced)
*/
package reconciler
