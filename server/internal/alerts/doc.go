// Package alerts notifies humans about failed builds.
//
// Engine.Notify is called by the ingestion coordinator for every stored
// failure. It records an Alert, applies a per-pipeline rate limit and queues
// the alert for a small pool of workers that POST it to the configured Slack,
// Teams or generic HTTP webhooks, or mail it over SMTP for email targets.
// Notify never blocks on the network and
// never returns an error; delivery problems are logged and reflected in the
// alert's state.
//
// Webhook targets can be replaced at runtime with SetWebhooks (used by the
// config watcher). Recent returns the alert history served by the REST API.
package alerts
