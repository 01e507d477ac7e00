/*
Package client provides a Go client for the clanmanager admin API.

It wraps the REST routes served by pkg/api and the websocket event stream,
returning the api package's wire types. Non-2xx responses become a
*StatusError; errors.Is(err, ErrNotFound) matches a 404.

	c, err := client.NewClient("localhost:8080", os.Getenv("CLANMANAGER_API_TOKEN"))
	if err != nil {
		return err
	}

	clan, err := c.RegisterClan(ctx, api.Clan{ID: "123", Name: "Wolves"})
	res, err := c.Reconcile(ctx, clan.ID)
	fmt.Println(res.Actions)

	err = c.WatchEvents(ctx, clan.ID, func(ev *events.Event) {
		fmt.Println(ev.Type, ev.Message)
	})
*/
package client
