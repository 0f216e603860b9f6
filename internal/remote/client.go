// Package remote talks to the institution's REST backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opensource-finance/folio/internal/domain"
)

var (
	// ErrTokenExpired is returned before a request is sent with a JWT whose
	// exp claim has passed.
	ErrTokenExpired = errors.New("bearer token has expired")

	// ErrUnavailable wraps transport failures.
	ErrUnavailable = errors.New("backend unavailable")
)

// StatusError is a request the backend answered with a failure.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend request failed: HTTP %d", e.Status)
	}
	return fmt.Sprintf("backend request failed: HTTP %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

// Client is a bearer-authenticated JSON client for the backend.
type Client struct {
	baseURL    string
	token      string
	healthPath string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg domain.RemoteConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote: base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		healthPath: cfg.HealthPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}, nil
}

// Do sends body as JSON and returns the data part of the response envelope.
func (c *Client) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if err := c.checkToken(); err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to read response: %w", err)
	}

	env, envErr := DecodeEnvelope(respBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Status: resp.StatusCode}
		if envErr == nil {
			se.Message = env.Message
		}
		return nil, se
	}
	if envErr != nil {
		return nil, envErr
	}
	if !env.Success {
		return nil, &StatusError{Status: resp.StatusCode, Message: env.failure()}
	}
	return env.Data, nil
}

// Ping probes the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	path := c.healthPath
	if path == "" {
		path = "/"
	}
	_, err := c.Do(ctx, http.MethodGet, path, nil)
	return err
}

// checkToken rejects JWTs that are already expired. Opaque tokens pass.
func (c *Client) checkToken() error {
	if c.token == "" {
		return nil
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !c.now().Before(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	return nil
}
