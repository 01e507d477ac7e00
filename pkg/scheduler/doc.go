/*
Package scheduler runs the recurring and debounced work of clanmanager.

Scheduler is a thin keyed layer over robfig/cron/v3. Every managed clan has
one job, "reconcile/<clan id>", that triggers a full pull on the clan's
cadence:

	s := scheduler.NewScheduler()
	s.Start()
	defer s.Stop()

	s.ScheduleEvery("reconcile/"+clanID, 5*time.Minute, func(ctx context.Context) error {
		_, err := engine.ReconcileFull(ctx, clanID, reconciler.TriggerScheduled)
		return err
	})

	s.Cancel("reconcile/" + clanID)

Firings of the same job never overlap: a firing that finds the previous run
still in progress is skipped. A job that fails with lock.ErrLockTimeout is
skipped as well, since the clan was busy and the next firing will cover it.
Both skips are counted on clanmanager_scheduled_skips_total by reason.

Cancel stops future firings only. A run that already started completes.

# Debouncer

Debouncer settles event bursts. Each Touch restarts a quiet period for its
key; when the period passes without another Touch, the callback runs once.
The engine touches the clan's key for every queued event, and the callback
schedules a full pull, so a burst of membership changes ends with a single
authoritative comparison against the platform.

	d := scheduler.NewDebouncer(30*time.Second, func(clanID string) {
		engine.ReconcileFull(ctx, clanID, reconciler.TriggerSettle)
	})
	engine.OnEvent(d.Touch)
*/
package scheduler
