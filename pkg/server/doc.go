// Package server exposes the gate over HTTP.
//
// # Routes
//
//	GET  /healthz, /readyz, /version, /metrics
//	POST /webhooks/github                          pull request events (HMAC verified)
//	POST /api/v1/events                            explicit (re-)trigger of a revision
//	POST /api/v1/policies                          create a policy
//	GET  /api/v1/policies[?scope=&target_id=]      list policies
//	GET  /api/v1/policies/{id}                     get a policy
//	POST /api/v1/policies/{id}/versions            append a version
//	GET  /api/v1/policies/{id}/versions            list versions
//	GET  /api/v1/policies/{id}/metrics             derived counters
//	POST /api/v1/policies/{id}/versions/{v}/challenges
//	GET  /api/v1/signals                           governance signals
//	POST /api/v1/overrides                         create an override
//	GET  /api/v1/overrides?repo=&pr_number=        list overrides
//	GET  /api/v1/overrides/{id}                    override with signatures
//	POST /api/v1/overrides/{id}/signatures         co-sign
//	POST /api/v1/overrides/{id}/revoke             kill-switch
//	POST /api/v1/overrides/{id}/validate           check against a revision
//	POST /api/v1/simulations                       run a simulation
//	GET  /api/v1/simulations/{id}                  get a simulation
//	POST /api/v1/simulations/{id}/promote          promote the draft
//	GET  /api/v1/decisions/{id}/review             audit projection
//	GET  /api/v1/snapshots/{id}/history            decisions of a snapshot
//
// Handlers are thin: they decode, call one service method and map the error
// taxonomy onto statuses (validation 400, not found 404, integrity and
// conflicts 409, anything else 500).
//
// Authentication happens in front of the service. Mutating routes read the
// caller from the X-Actor-ID and X-Actor-Role headers.
//
// # Usage
//
//	api := server.NewAPI(server.Deps{Catalog: cat, Overrides: ovr, Submitter: pool})
//	srv := server.NewServer(&cfg.Server, api.Routes())
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
