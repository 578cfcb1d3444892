package api

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"` // RFC3339
	Service   string `json:"service"`
	Storage   string `json:"storage"` // "ok" | "unavailable"
}

// IgnoredResponse is returned with 202 for provider events that carry no
// build outcome.
type IgnoredResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
