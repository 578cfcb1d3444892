// Package api implements the HTTP boundary of buildpulse-server.
//
// New(deps) returns an http.Handler (gorilla/mux) that serves:
//
//	POST /api/v1/webhooks/{provider}         native provider payload; 201 + record, 202 if ignored
//	POST /api/v1/ingest/{provider}           canonical build payload; 201 + record
//	GET  /api/v1/builds?limit=&offset=       recent builds, most recent first
//	GET  /api/v1/builds/latest?pipeline=     latest build overall or for one pipeline
//	GET  /api/v1/builds/{id}                 single build
//	GET  /api/v1/pipelines/{pipeline}/builds builds of one pipeline within ?window=
//	GET  /api/v1/metrics/summary?window=     success/failure rates, average duration, last status
//	GET  /api/v1/alerts?limit=               recent failure alerts
//	GET  /ws/stream                          live build_ingested events (WebSocket)
//	GET  /health                             liveness
//	GET  /metrics                            Prometheus text exposition
//
// Errors are JSON {"error": "..."}: validation problems are 400, unknown
// builds 404, a wrong method 405, oversized bodies (over 1 MiB) 413 and an
// unreachable database 503.
package api
