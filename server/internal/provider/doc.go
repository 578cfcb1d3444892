// Package provider maps CI provider payloads onto build.Record.
//
// A Normalizer understands one provider's native webhook payload. The
// Registry selects a Normalizer by provider name; "github" and "jenkins" are
// registered by Default. Canonical decodes the provider-agnostic shape used by
// the collector agent and by clients that already speak BuildRecord.
//
// Normalizers only map fields. Validation of the resulting record and
// duration derivation happen in the ingestion coordinator.
package provider
