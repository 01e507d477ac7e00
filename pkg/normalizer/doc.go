/*
Package normalizer maps raw platform notifications to domain events.

	CLAN_MEMBER_ADD     → MemberJoined
	CLAN_MEMBER_REMOVE  → MemberLeft
	CLAN_MEMBER_UPDATE  → RoleChanged (full new role set)
	CLAN_UPDATE         → ClanRenamed

Anything else is dropped, as are payloads that fail to parse, user IDs that
are not valid snowflakes, events for clans that are not managed, and events
whose ID was already seen. Drops are counted by reason on
clanmanager_events_dropped_total and logged at debug level; they are never
errors.

Normalization only reads the registry. It never takes a clan lock.
*/
package normalizer
