/*
Package manager is the administrative core of clanmanager.

A Manager owns the Registry of managed clans and connects each registered
clan to the rest of the system:

  - the reconciler engine watches the clan, giving it an event queue
  - the scheduler runs a full pull every ReconcileInterval ("reconcile/<id>")
  - a settle Debouncer runs a full pull SettleDelay after an event burst

The Registry is created once at startup and passed by reference. The event
normalizer reads it to decide whether a clan is managed; nothing else holds
clan state in globals.

# Administrative Operations

	mgr := manager.NewManager(cfg, repo, engine, sched, locks, broker)
	if err := mgr.Load(ctx); err != nil { ... }

	clan, err := mgr.RegisterClan(ctx, &types.Clan{ID: "123", Name: "Wolves"})
	res, err := mgr.ForceReconcile(ctx, "123")
	_, err = mgr.SetReverification(ctx, "123", 30)
	err = mgr.DeregisterClan(ctx, "123")

RegisterClan fills in the default permission ladder (owner, co-owner,
leadership, member) when no roles are given. DeregisterClan cancels the
clan's jobs at once; a pass that is already running finishes before the
clan's record is deleted, because deletion waits for the clan lock.

Unknown clans are reported with storage.ErrNotFound and duplicate
registrations with storage.ErrAlreadyExists, so callers can map both the
same way regardless of which layer noticed.

# API Tokens

TokenManager holds bearer tokens for the admin API. Tokens from
configuration never expire; generated tokens may carry a TTL. With no
tokens registered the API accepts unauthenticated requests, which is meant
for local use only.
*/
package manager
