/*
Package health checks the external dependencies clanmanager relies on.

Every check implements Checker:

	┌──────────────────────────────────────────────┐
	│              Checker Interface               │
	│  • Check(ctx) Result                         │
	│  • Type() CheckType                          │
	└────────┬─────────────────────────────────────┘
	         │
	    ┌────┴──────┬──────────┬──────────┐
	    ▼           ▼          ▼          ▼
	┌────────┐  ┌──────┐  ┌───────┐  ┌────────┐
	│  HTTP  │  │ TCP  │  │  SQL  │  │  Ping  │
	└────────┘  └──────┘  └───────┘  └────────┘
	 platform    postgres   store      redis
	 REST API    address    ping       dedupe

HTTPChecker probes the platform REST API; NewPlatformChecker sends the bot
token so a revoked credential is reported before the next command fails.
SQLChecker pings the state repository. TCPChecker dials any address.
PingChecker wraps a ping function such as the Redis dedupe client's.

# Monitor

Monitor runs its checks every Interval and writes each result into the
metrics health registry under the component name, which is what /health,
/ready, and the gRPC health service report:

	mon := health.NewMonitor(health.DefaultConfig())
	mon.Add("store", health.NewSQLChecker(db))
	mon.Add("platform", health.NewPlatformChecker(apiURL+"/users/@me", token))
	mon.Start()
	defer mon.Stop()

A component turns unhealthy after Retries consecutive failures and healthy
again after a single success.
*/
package health
