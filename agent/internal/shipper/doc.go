// Package shipper posts collected builds to buildpulse-server
// (POST {server_url}/api/v1/ingest/{provider}, canonical JSON body).
//
// Shipper.Ship() is non-blocking: builds are placed in an in-memory channel
// (default capacity 1000). When the buffer is full the oldest entry is
// evicted.
//
// Shipper.Run() drains the buffer in order. Network errors, 408, 429 and 5xx
// responses retry the same build with truncated exponential backoff (1s to
// 60s, ±25% jitter). Other 4xx responses mean the server will never accept
// the build, so it is discarded and logged. 201 and 202 both count as sent.
package shipper
