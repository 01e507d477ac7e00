/*
Package api implements the clanmanager admin surface: a REST API over chi,
a websocket stream of lifecycle events, and the standard gRPC health
service.

# HTTP routes

	GET    /health                      component health (metrics registry)
	GET    /ready                       readiness plus a live store read
	GET    /live                        liveness
	GET    /metrics                     Prometheus metrics

	GET    /v1/clans                    list managed clans
	POST   /v1/clans                    register a clan
	GET    /v1/clans/{id}               get one clan
	DELETE /v1/clans/{id}               deregister a clan
	POST   /v1/clans/{id}/reconcile     force a full pull now
	PUT    /v1/clans/{id}/reverification set the reverification window
	GET    /v1/clans/{id}/members       list persisted members
	POST   /v1/tokens                   mint an admin token
	GET    /v1/events                   websocket event stream (?clan=)

Routes under /v1 require "Authorization: Bearer <token>" once any token is
registered with the manager. The event stream also accepts ?token=.

Domain errors map to status codes: not found is 404, already exists is 409,
an invalid clan is 400, and a clan lock timeout is 503.

# gRPC

GRPCServer registers grpc.health.v1. The overall service ("") is SERVING
while every critical component is healthy; each component is also
published as "clanmanager.<name>".

# Usage

	srv := api.NewServer(mgr)
	go srv.Start(":8080")
	defer srv.Shutdown(ctx)

	g := api.NewGRPCServer()
	go g.Start(":9090")
	defer g.Stop()
*/
package api
