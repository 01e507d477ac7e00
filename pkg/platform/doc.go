/*
Package platform defines the boundary to the chat platform.

The engine consumes three capabilities: an EventStream of raw
notifications, a Commander that applies membership and role changes, and a
Fetcher that reads a clan's live state. Implementations live in
subpackages:

	gateway       websocket EventStream with reconnect
	rest          HTTP Commander and Fetcher with client-side rate limiting
	platformtest  in-memory platform for tests

Command failures are returned as *CommandError. The executor retries
KindTransient, gives up on KindPermanent, and treats KindAlreadyAbsent on a
removal as success.

# Wire format

Gateway frames are JSON envelopes:

	{"id": "evt-1", "t": "CLAN_MEMBER_UPDATE",
	 "d": {"clan_id": "c1", "user": {"id": "8123..."}, "roles": ["r1"]}}

The d object is carried as RawEvent.Payload and decoded by the normalizer.
*/
package platform
