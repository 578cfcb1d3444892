// Package collector polls CI providers for finished builds and converts them
// into the server's canonical ingest shape.
//
// Two collectors are provided, selected by source type:
//
//   - github: GET {endpoint}/repos/{owner}/{repo}/actions/runs?status=completed,
//     paginated, filtered by creation time. Conclusions map to success,
//     cancelled (cancelled, skipped) or failure (everything else).
//   - jenkins: GET {endpoint}/job/{name}/api/json with a tree filter.
//     SUCCESS, FAILURE/UNSTABLE and ABORTED/NOT_BUILT map to success,
//     failure and cancelled; builds still running are skipped.
//
// Poller wraps a Collector with a memory of build keys already returned, so
// overlapping poll windows never ship the same run twice. Keys are
// forgotten once they fall outside the lookback window.
//
// HTTP clients are built once per source with bearer, basic or mTLS auth.
package collector
