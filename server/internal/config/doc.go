// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - HTTPPort               port for the REST API and WebSocket stream (default 8080)
//   - Log                    level plus optional rotated log file
//   - Storage.Driver         "sqlite" (default) or "mysql"
//   - Storage.Path           SQLite file (default buildpulse.db)
//   - Storage.DSNEnv         environment variable holding the MySQL DSN
//   - Hub.QueueSize          per-subscriber event queue depth (default 64)
//   - Metrics.CacheTTL       summary cache lifetime (default 10s)
//   - Metrics.DefaultWindow  summary window when none is requested (default 7d)
//   - Alerts                 per-pipeline rate limit, sender pool and webhook targets
//   - Relay                  optional Redis pub/sub republishing of build events
//
// Secrets never appear in the file; *_env fields name the environment
// variables that hold them.
//
// Load(path) applies defaults before unmarshalling, then validates. Watch
// reloads the file on change so that alert webhook targets can be rotated
// without a restart.
package config
