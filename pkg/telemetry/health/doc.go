// Package health provides liveness, readiness and version endpoints.
//
// Readiness runs every registered check concurrently, each bounded by the
// configured check timeout. The server registers the ledger store and the
// work queue through RegisterPingers:
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterPingers(map[string]health.Pinger{
//	    "store": store,
//	    "queue": queue,
//	})
//	router.Get("/health", checker.LivenessHandler())
//	router.Get("/ready", checker.ReadinessHandler())
//	router.Get("/version", health.VersionHandler(version, commit, buildTime))
//
// A degraded readiness answers 503 so load balancers stop routing webhooks to
// an instance whose ledger is unreachable.
package health
