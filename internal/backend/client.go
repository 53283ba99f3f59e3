// Package backend is the JSON-over-HTTP client for the collection backend.
// It covers the operations the collector workflow needs: listing and reading
// jobs, claiming, status and cooperative patches, the cooperative directory
// and token login.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kingrea/coleta/internal/collect"
	"github.com/kingrea/coleta/internal/faults"
	"github.com/kingrea/coleta/internal/httpx"
	"github.com/kingrea/coleta/internal/logging"
)

// Client talks to the backend API rooted at BaseURL.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	logger  logrus.FieldLogger
	names   collect.StatusNames
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the transport (tests use httptest clients).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithLogger attaches a logger for request diagnostics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithStatusNames replaces the status vocabulary used on the wire.
func WithStatusNames(names collect.StatusNames) Option {
	return func(cl *Client) {
		if len(names) > 0 {
			cl.names = names
		}
	}
}

// WithTimeout sets the per-request timeout of the default transport.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http = &http.Client{Timeout: d}
		}
	}
}

// New builds a client. The token may be empty for anonymous calls such as
// Login.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("backend: base url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	c := &Client{
		baseURL: parsed,
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: httpx.DefaultTimeout},
		logger:  logging.Discard(),
		names:   collect.DefaultStatusNames(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ListAvailable returns jobs open for collection. Jobs whose status the
// vocabulary cannot resolve are left out of the list.
func (c *Client) ListAvailable(ctx context.Context) ([]collect.Job, error) {
	var jobs []collect.Job
	if err := c.do(ctx, "list available jobs", http.MethodGet, "api/coletas/disponiveis/", nil, &jobs); err != nil {
		return nil, err
	}
	kept := jobs[:0]
	for _, job := range jobs {
		if !c.resolveStatus(&job) {
			c.logger.WithFields(logrus.Fields{"job_id": job.ID, "status": string(job.Status)}).Warn("backend.unknown_status_skipped")
			continue
		}
		kept = append(kept, job)
	}
	return kept, nil
}

// GetJob returns a job with its item list.
func (c *Client) GetJob(ctx context.Context, id int64) (collect.Job, error) {
	var job collect.Job
	path := fmt.Sprintf("api/coletas/%d/", id)
	if err := c.do(ctx, "get job", http.MethodGet, path, nil, &job); err != nil {
		return collect.Job{}, err
	}
	if !c.resolveStatus(&job) {
		c.logger.WithFields(logrus.Fields{"job_id": job.ID, "status": string(job.Status)}).Warn("backend.unknown_status")
	}
	return job, nil
}

// resolveStatus maps the backend's status name through the configured
// vocabulary, which wins over the built-in aliases. It reports whether the
// status is known.
func (c *Client) resolveStatus(job *collect.Job) bool {
	if job.RawStatus != "" {
		if status, ok := c.names.Decode(job.RawStatus); ok {
			job.Status = status
			return true
		}
	}
	return job.Status.Valid()
}

// Claim assigns the job to the authenticated collector.
func (c *Client) Claim(ctx context.Context, id int64) error {
	path := fmt.Sprintf("api/coletas/%d/aceitar/", id)
	return c.do(ctx, "claim job", http.MethodPost, path, nil, nil)
}

// PatchStatus sets the job status.
func (c *Client) PatchStatus(ctx context.Context, id int64, status collect.Status) error {
	if !status.Valid() {
		return fmt.Errorf("backend: invalid status %q", status)
	}
	path := fmt.Sprintf("api/coletas/%d/status/", id)
	body := map[string]string{"status": c.names.Encode(status)}
	return c.do(ctx, "patch status", http.MethodPatch, path, body, nil)
}

// PatchCooperative associates the job with a destination cooperative.
func (c *Client) PatchCooperative(ctx context.Context, id, cooperativeID int64) error {
	path := fmt.Sprintf("api/coletas/%d/cooperativa/", id)
	body := map[string]int64{"cooperative_id": cooperativeID}
	return c.do(ctx, "patch cooperative", http.MethodPatch, path, body, nil)
}

// ListCooperatives returns the cooperative directory.
func (c *Client) ListCooperatives(ctx context.Context) ([]collect.Cooperative, error) {
	var coops []collect.Cooperative
	if err := c.do(ctx, "list cooperatives", http.MethodGet, "api/cooperativas/", nil, &coops); err != nil {
		return nil, err
	}
	return coops, nil
}

// Session is the token pair returned by Login.
type Session struct {
	Access   string `json:"access"`
	Refresh  string `json:"refresh"`
	UserType string `json:"user_type"`
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var session Session
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "login", http.MethodPost, "api/login/", body, &session); err != nil {
		return Session{}, err
	}
	if session.Access == "" {
		return Session{}, faults.Rejected("login", http.StatusOK, "response carried no access token")
	}
	return session, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	endpoint := c.baseURL.JoinPath(path)
	// Backend routes require the trailing slash.
	if strings.HasSuffix(path, "/") && !strings.HasSuffix(endpoint.Path, "/") {
		endpoint.Path += "/"
	}
	headers := map[string]string{}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	err := httpx.DoJSON(ctx, c.http, httpx.Request{
		Method:  method,
		URL:     endpoint.String(),
		Body:    body,
		Headers: headers,
	}, out, c.logger.WithField("op", op))
	if err == nil {
		return nil
	}
	var statusErr *httpx.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Errorf("backend: %w", faults.Rejected(op, statusErr.Code, statusErr.Detail()))
	}
	return fmt.Errorf("backend: %w", faults.Network(op, err))
}
