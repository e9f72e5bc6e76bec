package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wired-Square/WireTAP-sub002/internal/adapters/decoders/canbus"
	"github.com/Wired-Square/WireTAP-sub002/internal/adapters/storage/memory"
	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
	"github.com/Wired-Square/WireTAP-sub002/internal/infrastructure/config"
	"github.com/Wired-Square/WireTAP-sub002/internal/infrastructure/observability"
	"github.com/Wired-Square/WireTAP-sub002/internal/usecase"
)

type stubCodeErr struct{ code string }

func (e *stubCodeErr) Error() string       { return e.code }
func (e *stubCodeErr) BackendCode() string { return e.code }

// stubBackend satisfies the registry with canned responses; just enough
// for the HTTP layer to exercise open, control and transmit paths.
type stubBackend struct {
	mu       sync.Mutex
	caps     domain.Capabilities
	created  map[string]bool
	starts   int
	transmit int
	events   chan domain.BackendEvent
}

func newStubBackend(caps domain.Capabilities) *stubBackend {
	return &stubBackend{
		caps:    caps,
		created: make(map[string]bool),
		events:  make(chan domain.BackendEvent, 16),
	}
}

func (b *stubBackend) CreateSession(_ context.Context, sessionID string, _ domain.CreateSessionRequest) (domain.Capabilities, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created[sessionID] = true
	return b.caps, nil
}

func (b *stubBackend) CreateMultiSourceSession(_ context.Context, sessionID string, _ []domain.SourceSpec) (domain.Capabilities, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created[sessionID] = true
	return b.caps, nil
}

func (b *stubBackend) JoinSession(_ context.Context, sessionID string) (domain.JoinInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.created[sessionID] {
		return domain.JoinInfo{}, &stubCodeErr{code: usecase.CodeSessionNotFound}
	}
	return domain.JoinInfo{Capabilities: b.caps, RunState: domain.RunStateRunning, JoinerCount: 1}, nil
}

func (b *stubBackend) RegisterListener(context.Context, string, string) (domain.ListenerAck, error) {
	return domain.ListenerAck{IsOwner: true, ListenerCount: 1}, nil
}

func (b *stubBackend) UnregisterListener(context.Context, string, string) (int, error) { return 0, nil }

func (b *stubBackend) Heartbeat(context.Context, string, string) error { return nil }

func (b *stubBackend) Start(context.Context, string) (domain.RunState, error) {
	b.mu.Lock()
	b.starts++
	b.mu.Unlock()
	return domain.RunStateRunning, nil
}

func (b *stubBackend) Stop(context.Context, string) (domain.RunState, error) {
	return domain.RunStateStopped, nil
}

func (b *stubBackend) Pause(context.Context, string) (domain.RunState, error) {
	return domain.RunStatePaused, nil
}

func (b *stubBackend) Resume(context.Context, string) (domain.RunState, error) {
	return domain.RunStateRunning, nil
}

func (b *stubBackend) UpdateSpeed(context.Context, string, float64) error { return nil }

func (b *stubBackend) UpdateTimeRange(context.Context, string, *time.Time, *time.Time) error {
	return nil
}

func (b *stubBackend) Seek(context.Context, string, int64) error { return nil }

func (b *stubBackend) TransitionToBufferReader(context.Context, string, *float64) (domain.Capabilities, error) {
	return b.caps, nil
}

func (b *stubBackend) TransmitFrame(context.Context, string, domain.Frame) (domain.TransmitResult, error) {
	b.mu.Lock()
	b.transmit++
	b.mu.Unlock()
	return domain.TransmitResult{Accepted: true}, nil
}

func (b *stubBackend) Subscribe(context.Context, string) (<-chan domain.BackendEvent, func(), error) {
	return b.events, func() {}, nil
}

func benchCatalog() *domain.Catalog {
	src := uint32(0x00EF1200)
	return &domain.Catalog{
		Name:             "bench",
		Protocol:         domain.ProtocolCAN,
		DefaultByteOrder: domain.ByteOrderLittle,
		IDMask:           0x00FFFF00,
		HeaderFields: []domain.HeaderFieldDef{
			{Name: "sa", Format: "hex", Mask: 0xFF},
		},
		Frames: []*domain.FrameDef{
			{
				ID:   0x00EF1200,
				Name: "battery",
				Signals: []domain.SignalDef{
					{Name: "voltage", StartBit: 0, BitLength: 16, Factor: 0.1, Unit: "V"},
				},
			},
			{
				ID:       0x00EF8000,
				Name:     "batteryMirror",
				MirrorOf: &src,
				Signals: []domain.SignalDef{
					{Name: "voltage", StartBit: 0, BitLength: 16, Factor: 0.1, Unit: "V", Inherited: true},
				},
			},
			{
				ID:   0x00EE0000,
				Name: "chatter",
			},
		},
	}
}

type testEnv struct {
	deps    *Deps
	backend *stubBackend
	srv     *httptest.Server
}

func newTestEnv(t *testing.T, caps domain.Capabilities) *testEnv {
	t.Helper()
	log := zerolog.Nop()
	metrics := observability.NewMetrics()
	backend := newStubBackend(caps)
	reg := usecase.NewRegistry(backend, usecase.RegistryConfig{
		HeartbeatInterval: time.Hour,
		RPCTimeout:        time.Second,
		Throttle:          usecase.ThrottleConfig{BatchSize: 4, MinInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond},
	}, &log, metrics)

	cat := benchCatalog()
	dec := canbus.NewCatalogDecoder(cat)
	store := memory.NewStore(memory.Caps{}, nil)
	mirrors := usecase.NewMirrorValidator(cat, dec, usecase.MirrorConfig{}, nil)
	pipe := usecase.NewPipeline(dec, store, mirrors, &log, metrics)

	d := &Deps{
		Cfg:         config.Default(),
		Logger:      &log,
		Metrics:     metrics,
		Registry:    reg,
		Pipeline:    pipe,
		Store:       store,
		Live:        NewLiveHub(),
		CatalogName: cat.Name,
	}
	srv := httptest.NewServer(NewRouter(d))
	t.Cleanup(srv.Close)
	return &testEnv{deps: d, backend: backend, srv: srv}
}

func (e *testEnv) openSession(t *testing.T, id string) {
	t.Helper()
	_, err := e.deps.Registry.Open(context.Background(), id, "Bench", "ui-test",
		e.deps.Pipeline.Callbacks(), usecase.OpenOptions{})
	require.NoError(t, err)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, data
}

func decodeBody(t *testing.T, data []byte, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, out))
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t, domain.Capabilities{})

	prevDate := observability.Date
	observability.Date = "2026-08-30T10:00:00Z"
	t.Cleanup(func() { observability.Date = prevDate })

	resp, body := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, _ = env.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.get(t, "/api/version")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var ver map[string]any
	decodeBody(t, body, &ver)
	assert.Equal(t, "wiretapd", ver["name"])
	assert.Equal(t, "bench", ver["catalog"])
	assert.Equal(t, "2026-08-30T10:00:00Z", ver["built"])

	resp, _ = env.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyzReportsBackendDown(t *testing.T) {
	env := newTestEnv(t, domain.Capabilities{})
	env.deps.Ready = func() bool { return false }

	resp, body := env.get(t, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var e apiErrorBody
	decodeBody(t, body, &e)
	assert.Equal(t, "BACKEND_DOWN", e.Error.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, domain.Capabilities{})

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/sessions", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSessionListAndGet(t *testing.T) {
	env := newTestEnv(t, domain.Capabilities{Transmit: true})
	env.openSession(t, "bench-can0")

	resp, body := env.get(t, "/api/sessions")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Items []domain.Session `json:"items"`
		Total int              `json:"total"`
	}
	decodeBody(t, body, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "bench-can0", list.Items[0].ID)
	assert.Equal(t, domain.LifecycleConnected, list.Items[0].Lifecycle)

	resp, body = env.get(t, "/api/sessions/bench-can0")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var sess domain.Session
	decodeBody(t, body, &sess)
	assert.True(t, sess.Capabilities.Transmit)

	resp, body = env.get(t, "/api/sessions/ghost")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var e apiErrorBody
	decodeBody(t, body, &e)
	assert.Equal(t, "SESSION_NOT_FOUND", e.Error.Code)
}

func TestSessionControlRoutes(t *testing.T) {
	env := newTestEnv(t, domain.Capabilities{Speed: true, Transmit: true})
	env.openSession(t, "bench-can0")

	resp, body := env.post(t, "/api/sessions/bench-can0/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rs map[string]string
	decodeBody(t, body, &rs)
	assert.Equal(t, string(domain.RunStateStopped), rs["runState"])

	resp, _ = env.post(t, "/api/sessions/bench-can0/start", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// pause is not in the granted capabilities, so it is rejected locally
	resp, body = env.post(t, "/api/sessions/bench-can0/pause", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var e apiErrorBody
	decodeBody(t, body, &e)
	assert.Equal(t, "NOT_SUPPORTED", e.Error.Code)

	resp, body = env.post(t, "/api/sessions/bench-can0/speed", `{"speed": 2.5}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var sp map[string]float64
	decodeBody(t, body, &sp)
	assert.Equal(t, 2.5, sp["requestedSpeed"])

	resp, _ = env.post(t, "/api/sessions/bench-can0/speed", `{"speed": 0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.post(t, "/api/sessions/bench-can0/speed", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.post(t, "/api/sessions/bench-can0/warp", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	decodeBody(t, body, &e)
	assert.Equal(t, "UNKNOWN_OPERATION", e.Error.Code)
}

func TestTransmitParsesHexForms(t *testing.T) {
	env := newTestEnv(t, domain.Capabilities{Transmit: true})
	env.openSession(t, "bench-can0")

	resp, body := env.post(t, "/api/sessions/bench-can0/transmit",
		`{"id": "0x18EF1200", "data": "DE AD BE EF", "bus": "can0"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var res domain.TransmitResult
	decodeBody(t, body, &res)
	assert.True(t, res.Accepted)

	resp, _ = env.post(t, "/api/sessions/bench-can0/transmit", `{"id": "steering", "data": "00"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.post(t, "/api/sessions/bench-can0/transmit", `{"id": "0x1", "data": "XYZ"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func seedFrames(env *testEnv) {
	src17 := []domain.Frame{
		{ID: 0x18EF1217, Data: []byte{0x90, 0x01}, Timestamp: time.Now()},
		{ID: 0x18AA0099, Data: []byte{0xFF}, Timestamp: time.Now()},
	}
	env.deps.Pipeline.HandleFrames(src17)
}

func TestStateEndpoints(t *testing.T) {
	env := newTestEnv(t, domain.Capabilities{})
	seedFrames(env)

	resp, body := env.get(t, "/api/state/frames")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var frames struct {
		Items   []domain.DecodedFrame `json:"items"`
		Sources []uint32              `json:"sources"`
	}
	decodeBody(t, body, &frames)
	require.Len(t, frames.Items, 1)
	assert.Equal(t, "battery", frames.Items[0].Name)
	require.Len(t, frames.Items[0].Signals, 1)
	assert.Equal(t, 40.0, frames.Items[0].Signals[0].Value)
	assert.Equal(t, []uint32{0x17}, frames.Sources)

	resp, body = env.get(t, "/api/state/frames/0x00EF1200")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var one domain.DecodedFrame
	decodeBody(t, body, &one)
	assert.Equal(t, uint32(0x00EF1200), one.ID)

	resp, _ = env.get(t, "/api/state/frames/zzz")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.get(t, "/api/state/frames/0x999")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.get(t, "/api/state/frames?source=0x17")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var bySrc struct {
		Source uint32                `json:"source"`
		Items  []domain.DecodedFrame `json:"items"`
	}
	decodeBody(t, body, &bySrc)
	assert.Equal(t, uint32(0x17), bySrc.Source)
	require.Len(t, bySrc.Items, 1)

	resp, body = env.get(t, "/api/state/unmatched")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var unm struct {
		Items []domain.UnmatchedFrame `json:"items"`
	}
	decodeBody(t, body, &unm)
	require.Len(t, unm.Items, 1)
	assert.Equal(t, uint32(0x00AA0000), unm.Items[0].ID)

	resp, body = env.get(t, "/api/state/header-values")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var hv struct {
		Fields map[string][]domain.HeaderFieldValue `json:"fields"`
	}
	decodeBody(t, body, &hv)
	require.Contains(t, hv.Fields, "sa")

	resp, body = env.get(t, "/api/state/mirrors")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var mir struct {
		Items []domain.MirrorStatus `json:"items"`
	}
	decodeBody(t, body, &mir)
	require.Len(t, mir.Items, 1)
	assert.Nil(t, mir.Items[0].Valid, "single-sided mirror has no verdict")

	resp, body = env.get(t, "/api/state/version")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var ver struct {
		Version uint64        `json:"version"`
		Counts  memory.Counts `json:"counts"`
	}
	decodeBody(t, body, &ver)
	assert.Equal(t, uint64(1), ver.Version)
	assert.Equal(t, 1, ver.Counts.Frames)
	assert.Equal(t, 1, ver.Counts.Unmatched)

	resp, _ = env.get(t, "/api/state/nonsense")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFilterSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t, domain.Capabilities{})

	resp, body := env.get(t, "/api/settings/filter")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var f filterDTO
	decodeBody(t, body, &f)
	assert.False(t, f.Enabled)

	resp, body = env.post(t, "/api/settings/filter",
		`{"enabled": true, "mode": "include", "ids": ["0x00EE0000"]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, body, &f)
	assert.True(t, f.Enabled)
	assert.Equal(t, []string{"0xEE0000"}, f.IDs)

	// battery is not on the watchlist now, so it lands on the filtered
	// list instead of decoded state
	seedFrames(env)
	assert.Empty(t, env.deps.Store.Frames())
	filtered := env.deps.Store.Filtered()
	require.Len(t, filtered, 1)
	assert.Equal(t, "not on watchlist", filtered[0].Reason)

	resp, body = env.post(t, "/api/settings/filter", `{"enabled": false}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, body, &f)
	assert.False(t, f.Enabled)

	seedFrames(env)
	assert.Len(t, env.deps.Store.Frames(), 1, "disabled filter decodes again")

	resp, _ = env.post(t, "/api/settings/filter", `{"enabled": true, "mode": "sideways", "ids": ["1"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.post(t, "/api/settings/filter", `{"enabled": true, "ids": ["pump"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExportAttachment(t *testing.T) {
	env := newTestEnv(t, domain.Capabilities{})
	seedFrames(env)

	resp, body := env.get(t, "/api/export")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	var snap struct {
		Catalog string                `json:"catalog"`
		Version uint64                `json:"version"`
		Frames  []domain.DecodedFrame `json:"frames"`
	}
	decodeBody(t, body, &snap)
	assert.Equal(t, "bench", snap.Catalog)
	assert.Equal(t, uint64(1), snap.Version)
	require.Len(t, snap.Frames, 1)
}

func TestGzipOnLargeStateReads(t *testing.T) {
	env := newTestEnv(t, domain.Capabilities{})
	// enough decoded frames to cross the compression threshold
	frames := make([]domain.Frame, 0, 120)
	for i := 0; i < 120; i++ {
		frames = append(frames, domain.Frame{ID: 0x18EF1200, Data: []byte{byte(i), 0x01}, Timestamp: time.Now()})
	}
	env.deps.Pipeline.HandleFrames(frames)
	seedUnmatched := make([]domain.Frame, 0, 120)
	for i := 0; i < 120; i++ {
		seedUnmatched = append(seedUnmatched, domain.Frame{ID: uint32(0x18AA0000 + i*0x100), Data: []byte{byte(i)}, Timestamp: time.Now()})
	}
	env.deps.Pipeline.HandleFrames(seedUnmatched)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/state/unmatched", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
}

func TestLiveFeedOverWebsocket(t *testing.T) {
	env := newTestEnv(t, domain.Capabilities{})

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/live"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	// give the hub a beat to register the client
	require.Eventually(t, func() bool {
		env.deps.Live.mu.RLock()
		defer env.deps.Live.mu.RUnlock()
		return len(env.deps.Live.clients) == 1
	}, time.Second, 5*time.Millisecond)

	env.deps.Live.Broadcast(LiveEvent{Type: "stateVersion", Version: 7})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev LiveEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "stateVersion", ev.Type)
	assert.Equal(t, uint64(7), ev.Version)
}

func TestLiveHubInProcessSubscribers(t *testing.T) {
	hub := NewLiveHub()
	ch := hub.Subscribe()
	hub.Broadcast(LiveEvent{Type: "sessionState", SessionID: "s1"})

	select {
	case ev := <-ch:
		assert.Equal(t, "sessionState", ev.Type)
		assert.Equal(t, "s1", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	hub.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

var _ = bytes.MinRead // keep bytes import while the test surface grows
