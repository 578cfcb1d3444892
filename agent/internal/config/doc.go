// Package config loads and watches the collector configuration file.
//
// Load(path) reads the YAML file, applies defaults (60s poll, 24h lookback,
// 1000 buffer, public GitHub API), then validates required fields and enums.
// Secrets are never stored in the file: auth.token_env names the environment
// variable to read.
//
// Watch(ctx, path, onChange) uses fsnotify and calls onChange with the newly
// parsed Config after a burst of writes settles.
package config
