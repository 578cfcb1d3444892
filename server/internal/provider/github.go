package provider

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildpulse/buildpulse/server/internal/build"
)

// GitHub normalizes GitHub Actions workflow_run webhook deliveries. Only the
// "completed" action produces a record; requested and in_progress deliveries
// are skipped.
type GitHub struct{}

const (
	githubDefaultPipeline = "unknown"
	githubDefaultRepo     = "unknown"
	githubDefaultBranch   = "main"
)

type githubPayload struct {
	Action      string             `json:"action"`
	WorkflowRun *githubWorkflowRun `json:"workflow_run"`
	Repository  struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type githubWorkflowRun struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	HeadBranch   string     `json:"head_branch"`
	RunNumber    int        `json:"run_number"`
	Conclusion   *string    `json:"conclusion"`
	HTMLURL      string     `json:"html_url"`
	CreatedAt    *time.Time `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at"`
	RunStartedAt *time.Time `json:"run_started_at"`
}

func (GitHub) Name() string { return "github" }

func (g GitHub) Normalize(raw []byte) (build.Record, error) {
	var p githubPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return build.Record{}, malformed(g.Name(), err)
	}
	if p.Action != "completed" {
		return build.Record{}, fmt.Errorf("github action %q: %w", p.Action, ErrSkipped)
	}
	run := p.WorkflowRun
	if run == nil {
		return build.Record{}, invalid(g.Name(), "workflow_run", "is required")
	}

	started := run.RunStartedAt
	if started == nil {
		started = run.CreatedAt
	}
	if started == nil {
		return build.Record{}, invalid(g.Name(), "workflow_run.run_started_at", "is required")
	}

	rec := build.Record{
		Provider:  g.Name(),
		Pipeline:  run.Name,
		Repo:      p.Repository.FullName,
		Branch:    run.HeadBranch,
		Status:    GitHubStatus(run.Conclusion),
		StartedAt: *started,
		URL:       run.HTMLURL,
		Logs:      fmt.Sprintf("GitHub Actions run #%d", run.RunNumber),
	}
	if rec.Pipeline == "" {
		rec.Pipeline = githubDefaultPipeline
	}
	if rec.Repo == "" {
		rec.Repo = githubDefaultRepo
	}
	if rec.Branch == "" {
		rec.Branch = githubDefaultBranch
	}
	if rec.Status.Terminal() && run.UpdatedAt != nil {
		rec.CompletedAt = run.UpdatedAt
	}
	return rec, nil
}

// GitHubStatus maps a workflow_run conclusion onto a build status. A run
// without a conclusion is still in progress.
func GitHubStatus(conclusion *string) build.Status {
	if conclusion == nil || *conclusion == "" {
		return build.StatusInProgress
	}
	switch *conclusion {
	case "success":
		return build.StatusSuccess
	case "cancelled", "skipped":
		return build.StatusCancelled
	default:
		// failure, timed_out, action_required, startup_failure, stale, neutral
		return build.StatusFailure
	}
}
