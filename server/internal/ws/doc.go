// Package ws serves live build updates over WebSocket.
//
// Each connection holds one hub subscription for its lifetime. The first
// frame confirms the subscription; every later frame announces one stored
// build:
//
//	{"event": "subscribed", "subscription_id": "..."}
//	{"event": "build_ingested", "id": 7, "pipeline": "ci", "provider": "github", "status": "failure"}
//
// Frames only identify the build. Clients fetch details and fresh metrics
// from the REST API. A client that cannot keep up is dropped by the hub and
// receives a close frame with code 1013 (try again later).
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The endpoint is mounted at /ws/stream by the server.
package ws
