package collector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/buildpulse/buildpulse/agent/internal/config"
)

const (
	defaultRequestTimeout = 15 * time.Second
	userAgent             = "buildpulse-agent/1"

	// maxErrorBody caps how much of a failed response ends up in an error.
	maxErrorBody = 512
)

// Build is one finished build in the server's canonical ingest shape.
type Build struct {
	Pipeline        string    `json:"pipeline"`
	Repo            string    `json:"repo"`
	Branch          string    `json:"branch"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	URL             string    `json:"url,omitempty"`
	Logs            string    `json:"logs,omitempty"`

	// Key identifies the provider run so it is shipped only once.
	Key string `json:"-"`
}

// Canonical build statuses.
const (
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusCancelled = "cancelled"
)

// Collector lists finished builds from one CI provider.
type Collector interface {
	// Provider is the server-side provider name builds are ingested under.
	Provider() string

	// Collect returns the finished builds that started at or after since.
	Collect(ctx context.Context, since time.Time) ([]Build, error)
}

// New returns the Collector for the given source configuration.
// It builds the HTTP client once and reuses it across polls.
func New(src config.Source) (Collector, error) {
	client, err := buildHTTPClient(src)
	if err != nil {
		return nil, fmt.Errorf("collector %q: build http client: %w", src.ID, err)
	}
	switch src.Type {
	case "github":
		return &githubCollector{src: src, client: client}, nil
	case "jenkins":
		return &jenkinsCollector{src: src, client: client}, nil
	default:
		return nil, fmt.Errorf("collector: unsupported type %q", src.Type)
	}
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", userAgent)
	switch t.auth.Mode {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req.SetBasicAuth(t.auth.Username, t.auth.Token())
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client for the source's auth and TLS settings.
func buildHTTPClient(src config.Source) (*http.Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}

	if src.Auth.Mode == "mtls" {
		cert, err := tls.LoadX509KeyPair(src.Auth.CertFile, src.Auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}

		if src.Auth.CAFile != "" {
			caPEM, err := os.ReadFile(src.Auth.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("no valid certs found in ca file %q", src.Auth.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
	}

	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment},
			auth: src.Auth,
		},
		Timeout: defaultRequestTimeout,
	}, nil
}

// getJSON performs a GET to url and decodes a 200 response into v.
func getJSON(ctx context.Context, client *http.Client, url string, v interface{}, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, val := range headers {
		req.Header.Set(k, val)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func seconds(d time.Duration) *float64 {
	s := d.Seconds()
	return &s
}
