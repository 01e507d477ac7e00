/*
Package events provides an in-memory broker for engine lifecycle events.

Components publish events such as clan.reconciled or action.failed; the
admin API streams them to websocket clients on /v1/events.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.ClanID)
	}

Publishing never blocks the caller. Events are dropped when the broker's
queue is full, and a subscriber whose buffer is full misses events rather
than slowing the others down. A nil *Broker accepts and discards events.
*/
package events
