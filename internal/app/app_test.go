package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/opensource-finance/folio/internal/domain"
)

type backendCall struct {
	Method string
	Path   string
	Body   map[string]any
}

// fakeBackend accepts every request with a flat success envelope.
type fakeBackend struct {
	mu    sync.Mutex
	calls []backendCall
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	call := backendCall{Method: r.Method, Path: r.URL.Path}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &call.Body)
	}
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"success":true,"data":{}}`)
}

func (b *fakeBackend) Calls() []backendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backendCall(nil), b.calls...)
}

func testConfig(t *testing.T, backendURL string) *domain.Config {
	t.Helper()
	cfg := domain.DefaultConfig()
	cfg.Repository.SQLitePath = filepath.Join(t.TempDir(), "folio.db")
	cfg.Remote.BaseURL = backendURL
	cfg.Remote.ProbeInterval = 0
	cfg.Sync.Interval = 0
	cfg.Server.Port = 0
	return cfg
}

func newApp(t *testing.T, cfg *domain.Config, opts ...Option) *App {
	t.Helper()
	a, err := New(cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestOfflineCreateThenReconnect(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	a := newApp(t, testConfig(t, srv.URL))
	require.NoError(t, a.Init(ctx))
	require.False(t, a.Monitor.Online())

	_, err := a.Stores.Portfolios.Save(ctx, &domain.Portfolio{Meta: domain.Meta{ID: "p1"}, Name: "Test"}, true)
	require.NoError(t, err)

	rec, err := a.Repo.GetByID(ctx, domain.CollectionPortfolios, "p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.PendingSync)

	entries, err := a.Repo.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.CollectionPortfolios, entries[0].StoreName)
	assert.Equal(t, domain.OpUpdate, entries[0].Operation)
	var data map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Data, &data))
	assert.Equal(t, "p1", data["id"])

	res, err := a.Syncer.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Empty(t, backend.Calls())

	a.Monitor.Set(ctx, true)

	require.Eventually(t, func() bool {
		n, err := a.Repo.Count(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	rec, err = a.Repo.GetByID(ctx, domain.CollectionPortfolios, "p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.PendingSync)
	assert.Equal(t, "Test", rec.Fields["name"])

	calls := backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPut, calls[0].Method)
	assert.Equal(t, "/api/portfolios/p1", calls[0].Path)
	assert.Equal(t, "Test", calls[0].Body["name"])
	assert.NotContains(t, calls[0].Body, domain.FieldPendingSync)
}

func TestInitSweepsExpiredCacheItems(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "http://127.0.0.1:1")

	a := newApp(t, cfg)
	require.NoError(t, a.Connect(ctx))

	now := time.Now()
	require.NoError(t, a.Repo.SetCacheItem(ctx, &domain.CacheItem{Key: "old", Data: []byte("x"), CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, a.Repo.SetCacheItem(ctx, &domain.CacheItem{Key: "fresh", Data: []byte("y"), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

	require.NoError(t, a.Init(ctx))

	old, err := a.Repo.GetCacheItem(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, old)

	fresh, err := a.Repo.GetCacheItem(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
}

func TestReadiness(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, testConfig(t, "http://127.0.0.1:1"))

	assert.False(t, a.IsReady())
	assert.False(t, a.WaitReady(ctx, 20*time.Millisecond))

	done := make(chan bool, 1)
	go func() { done <- a.WaitReady(ctx, 5*time.Second) }()

	require.NoError(t, a.Init(ctx))
	assert.True(t, <-done)
	assert.True(t, a.IsReady())

	select {
	case <-a.Ready():
	default:
		t.Fatal("ready channel not closed")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	fresh := newApp(t, testConfig(t, "http://127.0.0.1:1"))
	assert.False(t, fresh.WaitReady(cancelled, time.Minute))
}

func TestWithHandlersAndClose(t *testing.T) {
	ctx := context.Background()
	handlers := make(map[string]domain.SyncHandler)
	for _, name := range domain.DefaultCatalog().Names() {
		handlers[name] = nopHandler{}
	}

	a := newApp(t, testConfig(t, "http://127.0.0.1:1"), WithHandlers(handlers), WithPinger(nopHandler{}), WithOnline(true))
	require.NoError(t, a.Init(ctx))

	_, err := a.Repo.Put(ctx, domain.CollectionCompanies, domain.NewRecord("c-1", map[string]any{"name": "Acme"}), true)
	require.NoError(t, err)

	res, err := a.Syncer.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Cache.Type = "memcached"
	_, err := New(cfg, zaptest.NewLogger(t))
	require.Error(t, err)

	cfg = testConfig(t, "")
	_, err = New(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
}

type nopHandler struct{}

func (nopHandler) Create(context.Context, domain.Create) error { return nil }
func (nopHandler) Update(context.Context, domain.Update) error { return nil }
func (nopHandler) Delete(context.Context, domain.Delete) error { return nil }
func (nopHandler) Ping(context.Context) error                  { return nil }
