package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

const userAgent = "buildpulse-server/1"

// deliver sends notifications for a to all configured targets and
// records the outcome. Errors are logged but do not affect the caller.
func (e *Engine) deliver(ctx context.Context, a *Alert) {
	targets := e.Webhooks()

	e.mu.Lock()
	snapshot := *a
	e.mu.Unlock()

	delivered, failed := 0, 0
	for _, wh := range targets {
		url := wh.URL()
		if url == "" && wh.Type != "email" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = e.sendSlack(ctx, url, &snapshot)
		case "teams":
			err = e.sendTeams(ctx, url, &snapshot)
		case "http":
			err = e.sendHTTP(ctx, url, &snapshot)
		case "email":
			err = e.sendEmail(ctx, wh, &snapshot)
		default:
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err != nil {
			failed++
			slog.Error("alerts: webhook delivery failed",
				"type", wh.Type,
				"pipeline", snapshot.Pipeline,
				"err", err,
			)
		} else {
			delivered++
			slog.Debug("alerts: webhook delivered",
				"type", wh.Type,
				"pipeline", snapshot.Pipeline,
				"build_id", snapshot.BuildID,
			)
		}
	}

	e.mu.Lock()
	a.DeliveredTo = delivered
	if failed > 0 && delivered == 0 {
		a.State = StateFailed
		e.stats.Failed++
	} else {
		a.State = StateDelivered
		e.stats.Delivered++
	}
	e.mu.Unlock()
}

func (e *Engine) sendSlack(ctx context.Context, url string, a *Alert) error {
	text := fmt.Sprintf(":red_circle: *%s*", a.Message)
	if a.URL != "" {
		text += fmt.Sprintf("\n<%s|Open build>", a.URL)
	}
	if a.LogSnippet != "" {
		text += "\n```" + a.LogSnippet + "```"
	}
	body, _ := json.Marshal(map[string]string{"text": text})
	return e.post(ctx, url, body)
}

func (e *Engine) sendTeams(ctx context.Context, url string, a *Alert) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": "FF4F6A",
		"summary":    a.Pipeline,
		"title":      fmt.Sprintf("BuildPulse: %s failed", a.Pipeline),
		"text":       a.Message,
	}
	if a.URL != "" {
		payload["potentialAction"] = []map[string]interface{}{{
			"@type":   "OpenUri",
			"name":    "Open build",
			"targets": []map[string]string{{"os": "default", "uri": a.URL}},
		}}
	}
	body, _ := json.Marshal(payload)
	return e.post(ctx, url, body)
}

func (e *Engine) sendHTTP(ctx context.Context, url string, a *Alert) error {
	body, _ := json.Marshal(map[string]interface{}{"alert": a})
	return e.post(ctx, url, body)
}

func (e *Engine) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
