// Package inference sends prompts, optionally with audio, to a remote
// generative model. Requests rotate across a credential pool: quota and auth
// denials move to the next credential at once, transient failures are
// retried locally first.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/api/googleapi"

	"lecnotes/credentials"
	"lecnotes/internal/retry"
)

// Default endpoints.
const (
	DefaultAPIBaseURL    = "https://generativelanguage.googleapis.com"
	DefaultCodeAssistURL = "https://cloudcode-pa.googleapis.com"
)

// Config holds request settings.
type Config struct {
	APIBaseURL    string
	CodeAssistURL string
	// RequestTimeout bounds each individual HTTP exchange.
	RequestTimeout time.Duration
	// MaxRetries and RetryDelay drive the local retry loop per credential.
	MaxRetries int
	RetryDelay time.Duration
	// UploadWait bounds how long uploaded media may stay PROCESSING.
	UploadWait time.Duration
	UploadPoll time.Duration
	// RequestsPerMinute spaces requests on one credential; zero disables.
	RequestsPerMinute float64
	UserAgent         string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:     DefaultAPIBaseURL,
		CodeAssistURL:  DefaultCodeAssistURL,
		RequestTimeout: 300 * time.Second,
		MaxRetries:     3,
		RetryDelay:     10 * time.Second,
		UploadWait:     2 * time.Minute,
		UploadPoll:     2 * time.Second,
		UserAgent:      "lecnotes/1.0",
	}
}

// CredentialSource is the subset of credentials.Pool the client needs.
type CredentialSource interface {
	Next(ctx context.Context, model string) (credentials.Credential, error)
	HasHardQuota(c credentials.Credential, model string) bool
	RecordUse(c credentials.Credential, model string) error
	MarkExhausted(c credentials.Credential, model string) error
	MarkInvalid(c credentials.Credential) error
}

// Request is one prompt.
type Request struct {
	Model  string
	Prompt string
	// System is an optional system instruction.
	System string
	Media  *Media
}

// Client talks to the model endpoints.
type Client struct {
	creds  CredentialSource
	cfg    Config
	http   *http.Client
	pacer  *pacer
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a client drawing credentials from creds. Zero fields of
// cfg take their DefaultConfig values.
func NewClient(creds CredentialSource, cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = def.APIBaseURL
	}
	if cfg.CodeAssistURL == "" {
		cfg.CodeAssistURL = def.CodeAssistURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.UploadWait <= 0 {
		cfg.UploadWait = def.UploadWait
	}
	if cfg.UploadPoll <= 0 {
		cfg.UploadPoll = def.UploadPoll
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	c := &Client{
		creds:  creds,
		cfg:    cfg,
		http:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		pacer:  newPacer(cfg.RequestsPerMinute),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ask sends req and returns the model's text. It keeps drawing credentials
// until one succeeds, the pool is empty (ErrNoCredentialAvailable), every
// remaining credential has already failed transiently
// (ErrTransientRequestFailure), or uploaded media is rejected
// (ErrMediaUploadFailure).
func (c *Client) Ask(ctx context.Context, req Request) (string, error) {
	tried := make(map[string]bool)
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		cred, err := c.creds.Next(ctx, req.Model)
		if err != nil {
			if errors.Is(err, credentials.ErrNoCredentialAvailable) && lastErr != nil {
				return "", &RequestError{Model: req.Model, Err: fmt.Errorf("%w (last error: %v)", err, lastErr)}
			}
			return "", &RequestError{Model: req.Model, Err: err}
		}
		id := cred.ID()
		if tried[cred.Identity()] {
			return "", &RequestError{Model: req.Model, Credential: id, Err: fmt.Errorf("%w: %v", ErrTransientRequestFailure, lastErr)}
		}

		hard := c.creds.HasHardQuota(cred, req.Model)
		if hard {
			if err := c.creds.RecordUse(cred, req.Model); err != nil {
				return "", err
			}
		}

		text, err := c.askWith(ctx, cred, req)
		if err == nil {
			if !hard {
				if err := c.creds.RecordUse(cred, req.Model); err != nil {
					c.logger.Warn("record usage failed", slog.String("credential", id), slog.String("error", err.Error()))
				}
			}
			return text, nil
		}
		lastErr = err

		var quota *QuotaError
		switch {
		case ctx.Err() != nil:
			return "", ctx.Err()
		case errors.Is(err, ErrMediaUploadFailure):
			return "", &RequestError{Model: req.Model, Credential: id, Err: err}
		case errors.As(err, &quota):
			c.logger.Info("quota exhausted, rotating credential",
				slog.String("credential", id), slog.String("model", req.Model))
			if err := c.creds.MarkExhausted(cred, req.Model); err != nil {
				return "", err
			}
		case isAuthDenied(err):
			c.logger.Warn("credential rejected, rotating",
				slog.String("credential", id), slog.String("error", err.Error()))
			if err := c.creds.MarkInvalid(cred); err != nil {
				return "", err
			}
		case isRetriesExhausted(err):
			c.logger.Warn("credential failed after retries, rotating",
				slog.String("credential", id), slog.String("error", err.Error()))
			tried[cred.Identity()] = true
		default:
			return "", &RequestError{Model: req.Model, Credential: id, Err: err}
		}
	}
}

// askWith runs the local retry loop for one credential.
func (c *Client) askWith(ctx context.Context, cred credentials.Credential, req Request) (string, error) {
	var (
		text     string
		uploaded *remoteFile
	)

	cfg := retry.Fixed(c.cfg.MaxRetries, c.cfg.RetryDelay)
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Info("retrying request",
			slog.String("credential", cred.ID()),
			slog.String("model", req.Model),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
	classify := func(err error) bool {
		return ctx.Err() == nil && isTransient(err)
	}

	err := retry.Do(ctx, cfg, classify, func(ctx context.Context) error {
		if err := c.pacer.Wait(ctx, cred.Identity()); err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		var media *part
		if req.Media != nil {
			if cred.Kind == credentials.KindOAuth {
				in, err := req.Media.inline()
				if err != nil {
					return retry.Permanent(err)
				}
				media = &part{InlineData: in}
			} else {
				if uploaded == nil {
					f, err := c.upload(rctx, cred, req.Media)
					if err != nil {
						return err
					}
					uploaded = f
				}
				media = &part{FileData: &fileData{MIMEType: uploaded.MIMEType, FileURI: uploaded.URI}}
			}
		}

		var err error
		text, err = c.generate(rctx, cred, req, media)
		return err
	})
	if uploaded != nil {
		c.deleteFile(cred, uploaded)
	}
	return text, err
}

// generate performs one streamed generation request.
func (c *Client) generate(ctx context.Context, cred credentials.Credential, req Request, media *part) (string, error) {
	gr := generateRequest{Contents: []content{{Role: "user"}}}
	if media != nil {
		gr.Contents[0].Parts = append(gr.Contents[0].Parts, *media)
	}
	gr.Contents[0].Parts = append(gr.Contents[0].Parts, part{Text: req.Prompt})
	if req.System != "" {
		gr.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}

	var (
		endpoint string
		body     any
	)
	if cred.Kind == credentials.KindOAuth {
		endpoint = c.cfg.CodeAssistURL + "/v1internal:streamGenerateContent?alt=sse"
		body = codeAssistRequest{Model: req.Model, Project: cred.ProjectID, Request: gr}
	} else {
		endpoint = c.cfg.APIBaseURL + "/v1beta/models/" + url.PathEscape(req.Model) + ":streamGenerateContent?alt=sse"
		body = gr
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("inference: encode request: %w", err))
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", retry.Permanent(err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	c.authorize(hreq, cred)

	resp, err := c.http.Do(hreq)
	if err != nil {
		return "", fmt.Errorf("inference: request: %w", err)
	}
	if err := c.check(resp, cred, req.Model); err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var text string
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "text/event-stream" {
		text, err = readSSE(resp.Body)
	} else {
		text, err = readJSON(resp.Body)
	}
	if statusCode(err) == http.StatusTooManyRequests {
		return "", &QuotaError{Credential: cred.ID(), Model: req.Model, Err: err}
	}
	return text, err
}

func (c *Client) authorize(req *http.Request, cred credentials.Credential) {
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if cred.Kind == credentials.KindOAuth {
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		return
	}
	req.Header.Set("x-goog-api-key", cred.Key)
}

// check turns a non-2xx response into an error, closing its body. A 429
// becomes a *QuotaError and defers the credential for any Retry-After.
func (c *Client) check(resp *http.Response, cred credentials.Credential, model string) error {
	err := googleapi.CheckResponse(resp)
	if err == nil {
		return nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := parseRetryAfter(resp.Header)
		c.pacer.Defer(cred.Identity(), wait)
		return &QuotaError{Credential: cred.ID(), Model: model, RetryAfter: wait, Err: err}
	}
	return err
}

func statusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func isAuthDenied(err error) bool {
	code := statusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func isRetriesExhausted(err error) bool {
	var re *retry.RetryableError
	return errors.As(err, &re)
}

// isTransient reports whether err may go away on a retry with the same
// credential: timeouts, transport errors, 5xx and empty responses.
func isTransient(err error) bool {
	var quota *QuotaError
	switch {
	case errors.As(err, &quota), errors.Is(err, ErrMediaUploadFailure), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errEmptyResponse):
		return true
	}
	if code := statusCode(err); code != 0 {
		return code >= 500
	}
	return retry.IsRetryable(err)
}
