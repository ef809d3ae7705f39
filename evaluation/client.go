// Package evaluation starts AI evaluation jobs on the JobGate backend and tracks
// them to a single terminal outcome.
package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jobgate/evalpulse/am"
	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/internal/httpclient"
	"github.com/jobgate/evalpulse/logger"
	"github.com/jobgate/evalpulse/pulse/poll"
	"github.com/jobgate/evalpulse/pulse/status"
	"github.com/jobgate/evalpulse/version"
)

const maxResponseBytes = 1 << 20

// Client talks to the evaluation endpoints of the backend.
// One Client and its rate limiter are shared by every tracked session.
type Client struct {
	http    *httpclient.SaferClient
	base    *url.URL
	cfg     am.BackendConfig
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// StartResponse is the backend's answer to a start request.
// Exactly one of JobID and Evaluation is expected to be set.
type StartResponse struct {
	JobID      poll.JobReference
	Evaluation json.RawMessage
}

// Immediate reports whether the backend returned an existing result instead of a job
func (r *StartResponse) Immediate() bool {
	return hasValue(r.Evaluation)
}

type startRequest struct {
	AnswerID          string `json:"answer_id"`
	ForceReevaluation bool   `json:"force_reevaluation"`
}

type startPayload struct {
	JobID      json.RawMessage `json:"job_id"`
	Evaluation json.RawMessage `json:"evaluation"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func (p errorPayload) text() string {
	for _, s := range []string{p.Error, p.Detail, p.Message} {
		if s != "" {
			return s
		}
	}
	return ""
}

// NewClient creates a backend client from configuration
func NewClient(cfg am.BackendConfig, log *zap.SugaredLogger) (*Client, error) {
	saferClient := httpclient.New(httpclient.Options{
		Timeout:             cfg.Timeout(),
		AllowPrivateNetwork: cfg.AllowPrivateNetwork,
	})
	return newClient(cfg, saferClient, log)
}

// NewClientWithHTTP creates a backend client around an existing http.Client.
// Private address checks are disabled, so this is meant for tests against httptest servers.
func NewClientWithHTTP(cfg am.BackendConfig, client *http.Client, log *zap.SugaredLogger) (*Client, error) {
	return newClient(cfg, httpclient.WrapClient(client), log)
}

func newClient(cfg am.BackendConfig, saferClient *httpclient.SaferClient, log *zap.SugaredLogger) (*Client, error) {
	if log == nil {
		log = logger.ComponentLogger("evaluation.client")
	}
	if cfg.StatusPath != "" && !strings.Contains(cfg.StatusPath, "{job_id}") {
		return nil, errors.NewInvalidRequestError("backend.status_path must contain {job_id}, got %q", cfg.StatusPath)
	}

	base, err := saferClient.ValidateURL(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "invalid backend.base_url %q", cfg.BaseURL),
			"set backend.allow_private_network = true for a local backend",
		)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		http:    saferClient,
		base:    base,
		cfg:     cfg,
		limiter: limiter,
		logger:  log,
	}, nil
}

// StartJob asks the backend to evaluate targetID.
// A 409 becomes a conflict error, 400/422 a validation error.
func (c *Client) StartJob(ctx context.Context, targetID string, force bool) (*StartResponse, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, errors.NewInvalidRequestError("target id is required")
	}

	body, err := json.Marshal(startRequest{AnswerID: targetID, ForceReevaluation: force})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode start request")
	}

	code, respBody, err := c.do(ctx, http.MethodPost, c.cfg.StartPath, body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start evaluation for %s", targetID)
	}
	if code < 200 || code > 299 {
		return nil, startError(code, respBody, targetID)
	}

	var payload startPayload
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, errors.Wrap(err, "failed to decode start response")
	}

	resp := &StartResponse{Evaluation: payload.Evaluation}
	if resp.Immediate() {
		return resp, nil
	}

	jobID, err := decodeJobID(payload.JobID)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, errors.Newf("start response for %s has neither job_id nor evaluation", targetID)
	}
	resp.JobID = poll.JobReference(jobID)
	resp.Evaluation = nil
	return resp, nil
}

// FetchStatus fetches the status of one job. Every backend failure is transient.
func (c *Client) FetchStatus(ctx context.Context, ref poll.JobReference) (*status.Snapshot, error) {
	if ref == "" || ref == "." || ref == ".." {
		return nil, errors.NewInvalidRequestError("invalid job reference %q", string(ref))
	}
	path := strings.ReplaceAll(c.cfg.StatusPath, "{job_id}", url.PathEscape(string(ref)))
	ctx = logger.WithJobID(ctx, string(ref))

	code, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, errors.MarkTransient(err)
	}
	if code < 200 || code > 299 {
		var p errorPayload
		_ = json.Unmarshal(body, &p)
		return nil, errors.MarkTransient(errors.Newf("status endpoint returned %d: %s", code, p.text()))
	}

	var snap status.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, errors.MarkTransient(errors.Wrap(err, "failed to decode status response"))
	}
	return &snap, nil
}

// BackendVersion returns the version reported by the backend
func (c *Client) BackendVersion(ctx context.Context) (string, error) {
	code, body, err := c.do(ctx, http.MethodGet, c.cfg.VersionPath, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to query backend version")
	}
	if code != http.StatusOK {
		return "", errors.Newf("version endpoint returned %d", code)
	}

	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", errors.Wrap(err, "failed to decode version response")
	}
	if v.Version == "" {
		return "", errors.New("version endpoint returned no version")
	}
	return v.Version, nil
}

// CheckCompatibility validates the backend version against backend.version_constraint
func (c *Client) CheckCompatibility(ctx context.Context) (string, error) {
	v, err := c.BackendVersion(ctx)
	if err != nil {
		return "", err
	}
	return v, version.CheckCompatible(v, c.cfg.VersionConstraint)
}

// do sends one request and returns the status code and the (bounded) body
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, errors.Wrap(err, "rate limiter")
		}
	}

	u := c.base.JoinPath(path)
	// JoinPath drops the trailing slash the backend routes require
	if strings.HasSuffix(path, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		if u.RawPath != "" {
			u.RawPath += "/"
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "failed to read response body")
	}

	logger.LoggerFromContext(ctx, c.logger).Debugw("Backend call",
		logger.FieldMethod, method,
		logger.FieldPath, u.Path,
		logger.FieldStatusCode, resp.StatusCode,
		logger.FieldDurationMS, time.Since(start).Milliseconds())

	return resp.StatusCode, respBody, nil
}

func startError(code int, body []byte, targetID string) error {
	var p errorPayload
	_ = json.Unmarshal(body, &p)
	msg := p.text()

	switch {
	case code == http.StatusConflict:
		if msg == "" {
			msg = "an evaluation already exists for " + targetID
		}
		return errors.WithHint(errors.NewConflictError("%s", msg), "pass --force to re-evaluate")
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		if msg == "" {
			msg = "backend rejected the request"
		}
		return errors.NewInvalidRequestError("%s", msg)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.WithHint(
			errors.Mark(errors.Newf("backend returned %d: %s", code, msg), errors.ErrUnauthorized),
			"check backend.token or EVALPULSE_BACKEND_TOKEN",
		)
	case code >= 500:
		return errors.Mark(errors.Newf("backend returned %d: %s", code, msg), errors.ErrServiceUnavailable)
	default:
		return errors.Newf("unexpected start response %d: %s", code, msg)
	}
}

// decodeJobID accepts a job id sent as a JSON string or number
func decodeJobID(raw json.RawMessage) (string, error) {
	if !hasValue(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", errors.Newf("job_id has unexpected type: %s", string(raw))
}

func hasValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
