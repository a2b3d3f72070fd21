package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pvoronin/giftwatch/internal/config"
	"github.com/pvoronin/giftwatch/internal/monitor"
	storagememory "github.com/pvoronin/giftwatch/internal/storage/memory"
)

type fakeManager struct {
	mu         sync.Mutex
	registered map[string]monitor.Source
	statuses   map[string]monitor.Status
	started    []string
	stopped    []string
	startErr   error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		registered: make(map[string]monitor.Source),
		statuses:   make(map[string]monitor.Status),
	}
}

func (f *fakeManager) Register(name, urlTemplate string, startIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.registered[name]; ok {
		return nil
	}
	f.registered[name] = monitor.Source{Name: name, URLTemplate: urlTemplate, StartIndex: startIndex}
	return nil
}

func (f *fakeManager) Start(_ context.Context, name string, mode monitor.Mode, _ monitor.Sink, _ monitor.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if _, ok := f.registered[name]; !ok {
		return monitor.ErrUnknownSource
	}
	if mode != monitor.ModeContinuous && mode != monitor.ModeRange {
		return monitor.ErrUnknownMode
	}
	f.started = append(f.started, name)
	return nil
}

func (f *fakeManager) Stop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
}

func (f *fakeManager) StopAll() {}

func (f *fakeManager) Status(name string) monitor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[name]; ok {
		return st
	}
	if _, ok := f.registered[name]; ok {
		return monitor.Status{State: monitor.StateStopped}
	}
	return monitor.Status{State: monitor.StateUnknown}
}

func newTestServer(t *testing.T, mgr Monitor, store *storagememory.Store, cfg config.Config) *httptest.Server {
	t.Helper()
	srv := NewServer(context.Background(), mgr, store, store, monitor.SinkFunc(func(context.Context, monitor.Item) error {
		return nil
	}), zap.NewNop(), cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRegisterSourceCreatesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	store := storagememory.NewStore()
	ts := newTestServer(t, mgr, store, config.Config{})

	req := map[string]any{"name": "plushpepe", "url_template": "https://t.me/nft/plushpepe-%d", "start_index": 1}
	resp := postJSON(t, ts.URL+"/v1/sources", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/sources", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "already registered", body["status"])

	recs, err := store.ListSources(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestRegisterSourceRejectsBadTemplate(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newFakeManager(), storagememory.NewStore(), config.Config{})

	resp := postJSON(t, ts.URL+"/v1/sources", map[string]any{
		"name": "bad", "url_template": "https://example.com/%s",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestStartUnknownSourceReturns404(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newFakeManager(), storagememory.NewStore(), config.Config{})

	resp := postJSON(t, ts.URL+"/v1/sources/missing/start", map[string]any{"mode": "continuous"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestStartRangeValidatesBounds(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	require.NoError(t, mgr.Register("plushpepe", "https://t.me/nft/plushpepe-%d", 1))
	ts := newTestServer(t, mgr, storagememory.NewStore(), config.Config{})

	resp := postJSON(t, ts.URL+"/v1/sources/plushpepe/start", map[string]any{"mode": "range", "start": 10, "end": 5})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/sources/plushpepe/start", map[string]any{"mode": "range", "start": 1, "end": 5})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestStopPersistsCursorAndDeactivates(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	require.NoError(t, mgr.Register("plushpepe", "https://t.me/nft/plushpepe-%d", 1))
	mgr.statuses["plushpepe"] = monitor.Status{
		State:        monitor.StateRunning,
		Mode:         monitor.ModeContinuous,
		Cursor:       57,
		LastQuantity: 1800,
	}

	store := storagememory.NewStore()
	require.NoError(t, store.AddSource(context.Background(), monitor.SourceRecord{
		Name:        "plushpepe",
		URLTemplate: "https://t.me/nft/plushpepe-%d",
		StartIndex:  1,
		Active:      true,
	}))

	ts := newTestServer(t, mgr, store, config.Config{})

	resp := postJSON(t, ts.URL+"/v1/sources/plushpepe/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	require.Equal(t, []string{"plushpepe"}, mgr.stopped)

	rec, err := store.GetSource(context.Background(), "plushpepe")
	require.NoError(t, err)
	require.Equal(t, 57, rec.Cursor)
	require.Equal(t, 1800, rec.LastQuantity)
	require.False(t, rec.Active)
}

func TestStopUnknownSourceReturns404(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newFakeManager(), storagememory.NewStore(), config.Config{})

	resp := postJSON(t, ts.URL+"/v1/sources/missing/stop", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestStatusReportsUnknownForUnregistered(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newFakeManager(), storagememory.NewStore(), config.Config{})

	resp, err := http.Get(ts.URL + "/v1/sources/missing/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "unknown", body["status"])
}

func TestItemsSearchAndStats(t *testing.T) {
	t.Parallel()

	store := storagememory.NewStore()
	qty := 500
	require.NoError(t, store.SaveItem(context.Background(), monitor.Item{
		SourceName: "plushpepe",
		Index:      12,
		Fields:     monitor.Fields{Owner: "alice", Model: "Gold", Quantity: &qty},
		SourceURL:  "https://t.me/nft/plushpepe-12",
	}))

	ts := newTestServer(t, newFakeManager(), store, config.Config{})

	resp, err := http.Get(ts.URL + "/v1/sources/plushpepe/items?limit=5")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Len(t, body["items"], 1)

	resp, err = http.Get(ts.URL + "/v1/sources/plushpepe/search?q=gold&field=model")
	require.NoError(t, err)
	body = decodeBody(t, resp)
	require.Len(t, body["items"], 1)

	resp, err = http.Get(ts.URL + "/v1/sources/plushpepe/search?field=model")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(ts.URL + "/v1/sources/plushpepe/stats")
	require.NoError(t, err)
	body = decodeBody(t, resp)
	require.EqualValues(t, 1, body["total"])
	require.EqualValues(t, 12, body["last_index"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekret"
	ts := newTestServer(t, newFakeManager(), storagememory.NewStore(), cfg)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}
