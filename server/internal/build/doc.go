// Package build defines the canonical build record shared by every part of
// buildpulse-server, together with its validation rules and error taxonomy.
//
// A Record is created by the ingestion coordinator once a provider payload has
// been normalized, validated and had its duration derived. Records are
// immutable after the store assigns their ID.
//
// Errors:
//   - *ValidationError: malformed or incomplete input (HTTP 400)
//   - ErrStorageUnavailable: the store could not be read or written (HTTP 503)
//   - ErrNotFound: no record matched a lookup (HTTP 404)
package build
