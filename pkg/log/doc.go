/*
Package log provides structured logging for clanmanager using zerolog.

The package wraps a single global zerolog.Logger that every component derives
a child logger from. Child loggers carry the component name and, where it
applies, the clan or user the log line is about, so a reconciliation pass for
one clan can be followed end to end by filtering on clan_id.

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stdout,
	})

JSON output is meant for production; console output (the default when
JSONOutput is false) is meant for local runs.

# Context Loggers

  - WithComponent: component field ("reconciler", "executor", "lock", ...)
  - WithClanID: clan_id field
  - WithUserID: user_id field

Components usually hold a component logger and add clan or user fields per
call:

	logger := log.WithComponent("executor")
	logger.Warn().
		Str("clan_id", action.ClanID).
		Str("action", string(action.Type)).
		Err(err).
		Msg("Action failed, continuing with batch")

# Fields

The following field names are used consistently across packages:

	clan_id   managed clan identifier
	user_id   platform user identifier
	role_id   platform role identifier
	action    corrective action type
	trigger   event, scheduled, forced, settle or reverify
	attempt   retry attempt number
*/
package log
