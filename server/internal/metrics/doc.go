// Package metrics derives rolling health statistics from the build store.
//
// Engine.Summarize(ctx, window) reads every record whose started_at lies in
// [now-window, now] and returns a Summary:
//
//   - success_rate / failure_rate: percentages over success+failure only;
//     cancelled and in_progress builds are excluded from the denominator
//   - avg_build_time: mean duration_seconds over records that have one
//     (null when none do)
//   - last_status_by_pipeline: status of the highest-ID record per pipeline
//
// Summaries are cached per window until Invalidate is called (after every
// ingest) or the cache TTL elapses, whichever comes first.
package metrics
