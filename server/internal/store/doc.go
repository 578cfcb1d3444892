// Package store is the durable build log behind buildpulse-server. Records
// live in a single relational table (SQLite by default, MySQL optionally)
// accessed through gorm; the store assigns strictly increasing IDs and answers
// time-window, latest-per-pipeline and paginated queries.
package store
