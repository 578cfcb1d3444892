// Package ingest turns provider payloads into stored builds and fans the
// result out.
//
// Coordinator.Ingest runs, in order: normalizer lookup, normalization,
// validation and duration derivation, store append, metrics invalidation,
// hub publish, and (for failures) an alert notification. Nothing is stored
// when any step up to and including the append fails. Publishing and
// alerting happen after the record is durable and can never fail or undo an
// ingest.
//
// Append and publish run under one lock so that every subscriber sees
// build_ingested events in ID order.
package ingest
