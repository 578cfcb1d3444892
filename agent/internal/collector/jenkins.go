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

const jenkinsTree = "builds[number,url,result,building,timestamp,duration]{0,100}"

// jenkinsCollector lists finished builds through the Jenkins JSON API.
type jenkinsCollector struct {
	src    config.Source
	client *http.Client
}

type jenkinsJob struct {
	Builds []jenkinsBuild `json:"builds"`
}

type jenkinsBuild struct {
	Number    int    `json:"number"`
	URL       string `json:"url"`
	Result    string `json:"result"`
	Building  bool   `json:"building"`
	Timestamp int64  `json:"timestamp"` // ms since epoch
	Duration  int64  `json:"duration"`  // ms
}

func (c *jenkinsCollector) Provider() string { return "jenkins" }

func (c *jenkinsCollector) Collect(ctx context.Context, since time.Time) ([]Build, error) {
	var out []Build
	for _, job := range c.src.Jobs {
		u := fmt.Sprintf("%s%s/api/json?tree=%s", c.src.Endpoint, jobPath(job), url.QueryEscape(jenkinsTree))

		var resp jenkinsJob
		if err := getJSON(ctx, c.client, u, &resp, nil); err != nil {
			return out, fmt.Errorf("jenkins %s: %w", job, err)
		}
		for _, b := range resp.Builds {
			if build, ok := jenkinsToBuild(c.src.Endpoint, job, b, since); ok {
				out = append(out, build)
			}
		}
	}
	return out, nil
}

// jobPath maps "folder/job" onto Jenkins' nested /job/folder/job/job form.
func jobPath(job string) string {
	var sb strings.Builder
	for _, part := range strings.Split(strings.Trim(job, "/"), "/") {
		sb.WriteString("/job/")
		sb.WriteString(url.PathEscape(part))
	}
	return sb.String()
}

func jenkinsToBuild(endpoint, job string, b jenkinsBuild, since time.Time) (Build, bool) {
	if b.Building || b.Timestamp <= 0 {
		return Build{}, false
	}
	status, ok := jenkinsStatus(b.Result)
	if !ok {
		return Build{}, false
	}
	started := time.UnixMilli(b.Timestamp).UTC()
	if started.Before(since) {
		return Build{}, false
	}
	dur := time.Duration(b.Duration) * time.Millisecond
	if dur < 0 {
		dur = 0
	}

	return Build{
		Pipeline:        job,
		Repo:            "unknown",
		Branch:          "main",
		Status:          status,
		StartedAt:       started,
		CompletedAt:     started.Add(dur),
		DurationSeconds: seconds(dur),
		URL:             b.URL,
		Logs:            fmt.Sprintf("Jenkins build #%d - %s", b.Number, b.Result),
		Key:             fmt.Sprintf("jenkins:%s:%s:%d", endpoint, job, b.Number),
	}, true
}

func jenkinsStatus(result string) (string, bool) {
	switch strings.ToUpper(result) {
	case "SUCCESS":
		return StatusSuccess, true
	case "FAILURE", "UNSTABLE":
		return StatusFailure, true
	case "ABORTED", "NOT_BUILT":
		return StatusCancelled, true
	}
	return "", false
}
