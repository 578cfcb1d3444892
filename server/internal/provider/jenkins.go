package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/buildpulse/buildpulse/server/internal/build"
)

// Jenkins normalizes job events sent by the Jenkins Notification plugin.
//
// The plugin emits one event per phase. QUEUED and FINALIZED are skipped so
// that a finished build yields one in_progress record (STARTED) and one
// terminal record (COMPLETED).
type Jenkins struct{}

type jenkinsPayload struct {
	Name  string        `json:"name"`
	Build *jenkinsBuild `json:"build"`

	// Generic-webhook jobs that forward a GitHub-shaped body instead of a
	// Notification plugin event.
	WorkflowRun *jenkinsRun `json:"workflow_run"`
	Repository  struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type jenkinsRun struct {
	Name       string     `json:"name"`
	RunNumber  int        `json:"run_number"`
	Conclusion string     `json:"conclusion"`
	HTMLURL    string     `json:"html_url"`
	CreatedAt  *time.Time `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at"`
}

type jenkinsBuild struct {
	FullURL   string `json:"full_url"`
	Number    int    `json:"number"`
	Phase     string `json:"phase"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"` // ms since epoch
	Duration  *int64 `json:"duration"`  // ms
	Log       string `json:"log"`
	SCM       struct {
		URL    string `json:"url"`
		Branch string `json:"branch"`
	} `json:"scm"`
}

const (
	jenkinsDefaultPipeline = "unknown"
	jenkinsDefaultRepo     = "unknown"
	jenkinsDefaultBranch   = "main"
)

func (Jenkins) Name() string { return "jenkins" }

func (j Jenkins) Normalize(raw []byte) (build.Record, error) {
	var p jenkinsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return build.Record{}, malformed(j.Name(), err)
	}
	b := p.Build
	if b == nil && p.WorkflowRun != nil {
		return j.fromRun(&p, time.Now().UTC()), nil
	}
	if b == nil {
		return build.Record{}, invalid(j.Name(), "build", "is required")
	}

	phase := strings.ToUpper(b.Phase)
	switch phase {
	case "QUEUED", "FINALIZED":
		return build.Record{}, fmt.Errorf("jenkins phase %q: %w", phase, ErrSkipped)
	}
	if b.Timestamp <= 0 {
		return build.Record{}, invalid(j.Name(), "build.timestamp", "is required")
	}

	status, ok := JenkinsStatus(b.Status)
	if !ok {
		return build.Record{}, invalid(j.Name(), "build.status", fmt.Sprintf("unknown result %q", b.Status))
	}
	if phase == "STARTED" {
		status = build.StatusInProgress
	}

	rec := build.Record{
		Provider:  j.Name(),
		Pipeline:  p.Name,
		Repo:      b.SCM.URL,
		Branch:    strings.TrimPrefix(b.SCM.Branch, "origin/"),
		Status:    status,
		StartedAt: time.UnixMilli(b.Timestamp).UTC(),
		URL:       b.FullURL,
		Logs:      b.Log,
	}
	if rec.Repo == "" {
		rec.Repo = jenkinsDefaultRepo
	}
	if rec.Branch == "" {
		rec.Branch = jenkinsDefaultBranch
	}
	if rec.Logs == "" {
		rec.Logs = fmt.Sprintf("Jenkins build #%d - %s", b.Number, strings.ToUpper(b.Status))
	}

	if status.Terminal() && b.Duration != nil && *b.Duration >= 0 {
		secs := float64(*b.Duration) / 1000
		completed := rec.StartedAt.Add(time.Duration(*b.Duration) * time.Millisecond)
		rec.DurationSeconds = &secs
		rec.CompletedAt = &completed
	}
	return rec, nil
}

// fromRun maps a workflow_run shaped body. Such bodies only describe finished
// builds: any conclusion other than success counts as a failure, and missing
// timestamps default to now.
func (j Jenkins) fromRun(p *jenkinsPayload, now time.Time) build.Record {
	run := p.WorkflowRun
	rec := build.Record{
		Provider: j.Name(),
		Pipeline: run.Name,
		Repo:     p.Repository.FullName,
		Branch:   jenkinsDefaultBranch,
		Status:   build.StatusFailure,
		URL:      run.HTMLURL,
		Logs:     fmt.Sprintf("Jenkins build #%d", run.RunNumber),
	}
	if run.Conclusion == "success" {
		rec.Status = build.StatusSuccess
	}
	if rec.Pipeline == "" {
		rec.Pipeline = jenkinsDefaultPipeline
	}
	if rec.Repo == "" {
		rec.Repo = jenkinsDefaultRepo
	}

	rec.StartedAt = now
	if run.CreatedAt != nil {
		rec.StartedAt = run.CreatedAt.UTC()
	}
	completed := now
	if run.UpdatedAt != nil {
		completed = run.UpdatedAt.UTC()
	}
	rec.CompletedAt = &completed
	return rec
}

// JenkinsStatus maps a Jenkins build result onto a build status. An empty
// result means the build has not finished. ok is false for results Jenkins
// does not define.
func JenkinsStatus(result string) (s build.Status, ok bool) {
	switch strings.ToUpper(result) {
	case "SUCCESS":
		return build.StatusSuccess, true
	case "FAILURE", "UNSTABLE":
		return build.StatusFailure, true
	case "ABORTED", "NOT_BUILT":
		return build.StatusCancelled, true
	case "":
		return build.StatusInProgress, true
	}
	return "", false
}
