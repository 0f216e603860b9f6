package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/folio/internal/domain"
)

type captured struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

type backend struct {
	mu       sync.Mutex
	requests []captured
	status   int
	reply    string
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	c := captured{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &c.body)
	}

	b.mu.Lock()
	b.requests = append(b.requests, c)
	status, reply := b.status, b.reply
	b.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, reply)
}

func (b *backend) last(t *testing.T) captured {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.requests)
	return b.requests[len(b.requests)-1]
}

func newClient(t *testing.T, b *backend, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	c, err := NewClient(domain.RemoteConfig{BaseURL: srv.URL + "/", Token: token, HealthPath: "/api/health"})
	require.NoError(t, err)
	return c
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "agent",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		success bool
		data    string
		message string
	}{
		{"flat", `{"success":true,"data":{"id":"p-1"}}`, true, `{"id":"p-1"}`, ""},
		{"flat failure", `{"success":false,"message":"nope","errors":["name is required"]}`, false, "", "nope"},
		{"double wrapped", `{"data":{"success":true,"data":{"id":"p-2"},"message":"ok"}}`, true, `{"id":"p-2"}`, "ok"},
		{"double wrapped failure", `{"data":{"success":false,"message":"denied"}}`, false, "", "denied"},
		{"bare object", `{"id":"p-3"}`, true, `{"id":"p-3"}`, ""},
		{"bare data without flag", `{"data":{"id":"p-4"}}`, true, `{"data":{"id":"p-4"}}`, ""},
		{"bare array", `[1,2]`, true, `[1,2]`, ""},
		{"empty", ``, true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.success, env.Success)
			assert.Equal(t, tt.message, env.Message)
			if tt.data == "" {
				assert.Empty(t, env.Data)
			} else {
				assert.JSONEq(t, tt.data, string(env.Data))
			}
		})
	}

	_, err := DecodeEnvelope([]byte(`{"success":`))
	require.Error(t, err)
}

func TestClientDo(t *testing.T) {
	ctx := context.Background()

	t.Run("BearerAndData", func(t *testing.T) {
		b := &backend{reply: `{"success":true,"data":{"ok":1}}`}
		c := newClient(t, b, "opaque-token")

		data, err := c.Do(ctx, http.MethodPost, "/api/things", map[string]any{"a": 1})
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":1}`, string(data))

		req := b.last(t)
		assert.Equal(t, "Bearer opaque-token", req.auth)
		assert.Equal(t, "/api/things", req.path)
		assert.EqualValues(t, 1, req.body["a"])
	})

	t.Run("NonSuccessStatus", func(t *testing.T) {
		b := &backend{status: http.StatusUnprocessableEntity, reply: `{"success":false,"message":"invalid"}`}
		c := newClient(t, b, "")

		_, err := c.Do(ctx, http.MethodPut, "/api/things/1", map[string]any{})
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusUnprocessableEntity, se.Status)
		assert.Equal(t, "invalid", se.Message)
		assert.Empty(t, b.last(t).auth)
	})

	t.Run("SuccessFalseOn200", func(t *testing.T) {
		b := &backend{reply: `{"data":{"success":false,"errors":["a","b"]}}`}
		c := newClient(t, b, "")

		_, err := c.Do(ctx, http.MethodGet, "/api/things", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "a; b")
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		b := &backend{reply: `{"success":true}`}
		c := newClient(t, b, signed(t, time.Now().Add(-time.Minute)))

		_, err := c.Do(ctx, http.MethodGet, "/api/things", nil)
		require.ErrorIs(t, err, ErrTokenExpired)
		assert.Empty(t, b.requests)
	})

	t.Run("ValidToken", func(t *testing.T) {
		b := &backend{reply: `{"success":true}`}
		c := newClient(t, b, signed(t, time.Now().Add(time.Hour)))

		_, err := c.Do(ctx, http.MethodGet, "/api/things", nil)
		require.NoError(t, err)
	})

	t.Run("Unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c, err := NewClient(domain.RemoteConfig{BaseURL: url})
		require.NoError(t, err)
		require.ErrorIs(t, c.Ping(ctx), ErrUnavailable)
	})

	t.Run("Ping", func(t *testing.T) {
		b := &backend{reply: `{"success":true,"data":{"status":"up"}}`}
		c := newClient(t, b, "")
		require.NoError(t, c.Ping(ctx))
		assert.Equal(t, "/api/health", b.last(t).path)
	})
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(domain.RemoteConfig{})
	require.Error(t, err)
}

func TestResourceHandler(t *testing.T) {
	ctx := context.Background()
	rec := domain.NewRecord("p 1", map[string]any{"name": "Alpha"})
	rec.PendingSync = true

	t.Run("Create", func(t *testing.T) {
		b := &backend{reply: `{"success":true}`}
		h := NewResourceHandler(newClient(t, b, ""), "/api/portfolios")

		require.NoError(t, h.Create(ctx, domain.Create{Store: domain.CollectionPortfolios, Record: rec}))
		req := b.last(t)
		assert.Equal(t, http.MethodPost, req.method)
		assert.Equal(t, "/api/portfolios", req.path)
		assert.Equal(t, "Alpha", req.body["name"])
		assert.NotContains(t, req.body, domain.FieldPendingSync)
	})

	t.Run("Update", func(t *testing.T) {
		b := &backend{reply: `{"success":true}`}
		h := NewResourceHandler(newClient(t, b, ""), "/api/portfolios")

		require.NoError(t, h.Update(ctx, domain.Update{Store: domain.CollectionPortfolios, Record: rec}))
		req := b.last(t)
		assert.Equal(t, http.MethodPut, req.method)
		assert.Equal(t, "/api/portfolios/p 1", req.path)
	})

	t.Run("DeleteNotFoundIsSuccess", func(t *testing.T) {
		b := &backend{status: http.StatusNotFound, reply: `{"success":false,"message":"gone"}`}
		h := NewResourceHandler(newClient(t, b, ""), "/api/portfolios")

		require.NoError(t, h.Delete(ctx, domain.Delete{Store: domain.CollectionPortfolios, ID: "p-1"}))
		assert.Equal(t, http.MethodDelete, b.last(t).method)
	})

	t.Run("DeleteServerError", func(t *testing.T) {
		b := &backend{status: http.StatusInternalServerError}
		h := NewResourceHandler(newClient(t, b, ""), "/api/portfolios")

		require.Error(t, h.Delete(ctx, domain.Delete{Store: domain.CollectionPortfolios, ID: "p-1"}))
	})

	t.Run("Handlers", func(t *testing.T) {
		c, err := NewClient(domain.RemoteConfig{BaseURL: "http://localhost"})
		require.NoError(t, err)

		hs := Handlers(c, domain.DefaultRoutes())
		for _, name := range domain.DefaultCatalog().Names() {
			assert.Contains(t, hs, name)
		}
	})
}
