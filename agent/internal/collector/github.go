package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buildpulse/buildpulse/agent/internal/config"
)

const (
	githubPageSize = 100
	githubMaxPages = 10
)

var githubHeaders = map[string]string{
	"Accept":               "application/vnd.github+json",
	"X-GitHub-Api-Version": "2022-11-28",
}

// githubCollector lists completed workflow runs through the Actions REST API.
type githubCollector struct {
	src    config.Source
	client *http.Client
}

type githubRuns struct {
	TotalCount   int         `json:"total_count"`
	WorkflowRuns []githubRun `json:"workflow_runs"`
}

type githubRun struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	RunNumber    int        `json:"run_number"`
	RunAttempt   int        `json:"run_attempt"`
	HeadBranch   string     `json:"head_branch"`
	Status       string     `json:"status"`
	Conclusion   string     `json:"conclusion"`
	HTMLURL      string     `json:"html_url"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	RunStartedAt *time.Time `json:"run_started_at"`
}

func (c *githubCollector) Provider() string { return "github" }

func (c *githubCollector) Collect(ctx context.Context, since time.Time) ([]Build, error) {
	var out []Build
	for _, repo := range c.src.Repos {
		runs, err := c.listRuns(ctx, repo, since)
		if err != nil {
			return out, fmt.Errorf("github %s: %w", repo, err)
		}
		for _, r := range runs {
			if b, ok := githubBuild(repo, r); ok {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

func (c *githubCollector) listRuns(ctx context.Context, repo string, since time.Time) ([]githubRun, error) {
	var runs []githubRun
	for page := 1; page <= githubMaxPages; page++ {
		q := url.Values{}
		q.Set("status", "completed")
		q.Set("per_page", fmt.Sprint(githubPageSize))
		q.Set("page", fmt.Sprint(page))
		q.Set("created", ">="+since.UTC().Format(time.RFC3339))
		u := fmt.Sprintf("%s/repos/%s/actions/runs?%s", c.src.Endpoint, repo, q.Encode())

		var resp githubRuns
		if err := getJSON(ctx, c.client, u, &resp, githubHeaders); err != nil {
			return runs, err
		}
		runs = append(runs, resp.WorkflowRuns...)
		if len(resp.WorkflowRuns) < githubPageSize || len(runs) >= resp.TotalCount {
			break
		}
	}
	return runs, nil
}

// githubBuild converts a completed run. ok is false for runs that have not
// finished.
func githubBuild(repo string, r githubRun) (Build, bool) {
	if r.Status != "completed" || r.Conclusion == "" {
		return Build{}, false
	}

	started := r.CreatedAt
	if r.RunStartedAt != nil && !r.RunStartedAt.IsZero() {
		started = *r.RunStartedAt
	}
	completed := r.UpdatedAt
	if completed.Before(started) {
		completed = started
	}

	branch := r.HeadBranch
	if branch == "" {
		branch = "main"
	}
	attempt := r.RunAttempt
	if attempt == 0 {
		attempt = 1
	}

	return Build{
		Pipeline:        r.Name,
		Repo:            repo,
		Branch:          branch,
		Status:          githubStatus(r.Conclusion),
		StartedAt:       started.UTC(),
		CompletedAt:     completed.UTC(),
		DurationSeconds: seconds(completed.Sub(started)),
		URL:             r.HTMLURL,
		Logs:            fmt.Sprintf("GitHub Actions run #%d - %s", r.RunNumber, r.Conclusion),
		Key:             fmt.Sprintf("github:%s:%d:%d", strings.ToLower(repo), r.ID, attempt),
	}, true
}

func githubStatus(conclusion string) string {
	switch conclusion {
	case "success":
		return StatusSuccess
	case "cancelled", "skipped":
		return StatusCancelled
	default:
		return StatusFailure
	}
}
