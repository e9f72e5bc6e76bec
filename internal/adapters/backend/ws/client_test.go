package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// backendServer is a scripted backend speaking the envelope protocol over
// one websocket. Handlers are keyed by method; methods without a handler
// get an empty success response.
type backendServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	conn   *websocket.Conn
	params map[string][]json.RawMessage
	handle map[string]func(env envelope) (any, *wireError)
	silent map[string]bool
}

func newBackendServer(t *testing.T) *backendServer {
	t.Helper()
	s := &backendServer{
		params: make(map[string][]json.RawMessage),
		handle: make(map[string]func(env envelope) (any, *wireError)),
		silent: make(map[string]bool),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type != typeRequest {
				continue
			}
			s.mu.Lock()
			s.params[env.Method] = append(s.params[env.Method], env.Params)
			h := s.handle[env.Method]
			mute := s.silent[env.Method]
			s.mu.Unlock()
			if mute {
				continue
			}
			resp := envelope{Type: typeResponse, ID: env.ID}
			if h != nil {
				result, werr := h(env)
				if werr != nil {
					resp.Error = werr
				} else if result != nil {
					raw, merr := json.Marshal(result)
					if merr != nil {
						continue
					}
					resp.Result = raw
				}
			}
			s.write(resp)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *backendServer) on(method string, h func(env envelope) (any, *wireError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle[method] = h
}

func (s *backendServer) mute(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[method] = true
}

func (s *backendServer) write(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteJSON(v)
	}
}

func (s *backendServer) push(t *testing.T, sessionID, event string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	s.write(envelope{Type: typeEvent, SessionID: sessionID, Event: event, Payload: raw})
}

func (s *backendServer) calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.params[method])
}

func (s *backendServer) lastParams(t *testing.T, method string, out any) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	recorded := s.params[method]
	require.NotEmpty(t, recorded, "no %s call recorded", method)
	require.NoError(t, json.Unmarshal(recorded[len(recorded)-1], out))
}

func (s *backendServer) dropConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func dialTest(t *testing.T, s *backendServer) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, s.srv.URL, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func recvEvent(t *testing.T, events <-chan domain.BackendEvent) domain.BackendEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestCreateSessionRoundTrip(t *testing.T) {
	s := newBackendServer(t)
	s.on("createSession", func(env envelope) (any, *wireError) {
		return capabilitiesResult{Capabilities: domain.Capabilities{Pause: true, Transmit: true, Buses: []string{"can0"}}}, nil
	})
	c := dialTest(t, s)

	start := time.Date(2025, 5, 3, 10, 0, 0, 0, time.UTC)
	speed := 2.0
	caps, err := c.CreateSession(context.Background(), "sess-1", domain.CreateSessionRequest{
		ProfileID: "prof-a",
		StartTime: &start,
		Speed:     &speed,
		UseBuffer: true,
	})
	require.NoError(t, err)
	assert.True(t, caps.Pause)
	assert.True(t, caps.Transmit)
	assert.Equal(t, []string{"can0"}, caps.Buses)

	var got createSessionParams
	s.lastParams(t, "createSession", &got)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "prof-a", got.ProfileID)
	require.NotNil(t, got.StartTimeUs)
	assert.Equal(t, start.UnixMicro(), *got.StartTimeUs)
	assert.Nil(t, got.EndTimeUs)
	require.NotNil(t, got.Speed)
	assert.Equal(t, 2.0, *got.Speed)
	assert.True(t, got.UseBuffer)
}

func TestBackendErrorSurfacesCode(t *testing.T) {
	s := newBackendServer(t)
	s.on("joinSession", func(env envelope) (any, *wireError) {
		return nil, &wireError{Code: "SESSION_NOT_FOUND", Message: "no such session"}
	})
	c := dialTest(t, s)

	_, err := c.JoinSession(context.Background(), "missing")
	require.Error(t, err)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "SESSION_NOT_FOUND", be.Code)
	assert.Equal(t, be.Code, be.BackendCode())
	assert.Contains(t, be.Error(), "no such session")
}

func TestSubscribeDeliversDecodedEvents(t *testing.T) {
	s := newBackendServer(t)
	c := dialTest(t, s)

	events, cancel, err := c.Subscribe(context.Background(), "sess-1")
	require.NoError(t, err)
	defer cancel()

	var sub sessionParams
	s.lastParams(t, "subscribe", &sub)
	assert.Equal(t, "sess-1", sub.SessionID)

	ts := time.UnixMicro(1746266400123456).UTC()
	src := uint32(0x17)
	s.push(t, "sess-1", "frameBatch", frameBatchPayload{
		Frames: []wireFrame{
			{ID: 0x18EF1200, Data: []byte{0x01, 0x02}, TimestampUs: ts.UnixMicro(), Bus: "can0", SourceAddress: &src},
		},
		ActiveListenerIDs: []string{"ui-a"},
	})
	s.push(t, "sess-1", "stateChange", stateChangePayload{RunState: domain.RunStateRunning})
	s.push(t, "sess-1", "streamEnded", streamEndedPayload{
		BufferAvailable: true, BufferID: "buf-9", BufferKind: "memory", FrameCount: 42,
	})

	fb, ok := recvEvent(t, events).(domain.FrameBatchEvent)
	require.True(t, ok)
	require.Len(t, fb.Frames, 1)
	assert.Equal(t, uint32(0x18EF1200), fb.Frames[0].ID)
	assert.Equal(t, []byte{0x01, 0x02}, fb.Frames[0].Data)
	assert.True(t, fb.Frames[0].Timestamp.Equal(ts))
	assert.Equal(t, "can0", fb.Frames[0].Bus)
	require.NotNil(t, fb.Frames[0].SourceAddress)
	assert.Equal(t, uint32(0x17), *fb.Frames[0].SourceAddress)
	assert.Equal(t, []string{"ui-a"}, fb.ActiveListeners)

	sc, ok := recvEvent(t, events).(domain.StateChangeEvent)
	require.True(t, ok)
	assert.Equal(t, domain.RunStateRunning, sc.RunState)

	se, ok := recvEvent(t, events).(domain.StreamEndedEvent)
	require.True(t, ok)
	assert.Equal(t, domain.BufferInfo{Available: true, ID: "buf-9", Kind: "memory", Count: 42}, se.Buffer)
}

func TestUnknownEventsAreSkipped(t *testing.T) {
	s := newBackendServer(t)
	c := dialTest(t, s)

	events, cancel, err := c.Subscribe(context.Background(), "sess-1")
	require.NoError(t, err)
	defer cancel()

	s.push(t, "sess-1", "somethingNew", map[string]int{"x": 1})
	s.push(t, "sess-1", "speedChange", speedChangePayload{Speed: 0.5})

	ev := recvEvent(t, events)
	sp, ok := ev.(domain.SpeedChangeEvent)
	require.True(t, ok, "expected the speed change, got %T", ev)
	assert.Equal(t, 0.5, sp.Speed)
}

func TestEventsForOtherSessionsAreNotDelivered(t *testing.T) {
	s := newBackendServer(t)
	c := dialTest(t, s)

	events, cancel, err := c.Subscribe(context.Background(), "sess-1")
	require.NoError(t, err)
	defer cancel()

	s.push(t, "sess-2", "speedChange", speedChangePayload{Speed: 4})
	s.push(t, "sess-1", "listenerCount", listenerCountPayload{Count: 3})

	ev := recvEvent(t, events)
	lc, ok := ev.(domain.ListenerCountEvent)
	require.True(t, ok, "expected the listener count, got %T", ev)
	assert.Equal(t, 3, lc.Count)
}

func TestSubscribeSharesOneBackendSubscription(t *testing.T) {
	s := newBackendServer(t)
	c := dialTest(t, s)

	evA, cancelA, err := c.Subscribe(context.Background(), "sess-1")
	require.NoError(t, err)
	evB, cancelB, err := c.Subscribe(context.Background(), "sess-1")
	require.NoError(t, err)

	assert.Equal(t, 1, s.calls("subscribe"))

	s.push(t, "sess-1", "listenerCount", listenerCountPayload{Count: 2})
	_, ok := recvEvent(t, evA).(domain.ListenerCountEvent)
	require.True(t, ok)
	_, ok = recvEvent(t, evB).(domain.ListenerCountEvent)
	require.True(t, ok)

	cancelA()
	assert.Equal(t, 0, s.calls("unsubscribe"), "unsubscribe must wait for the last subscriber")
	select {
	case _, open := <-evA:
		assert.False(t, open, "cancelled subscription channel should close")
	case <-time.After(time.Second):
		t.Fatal("cancelled subscription channel did not close")
	}

	cancelB()
	assert.Equal(t, 1, s.calls("unsubscribe"))
	var unsub sessionParams
	s.lastParams(t, "unsubscribe", &unsub)
	assert.Equal(t, "sess-1", unsub.SessionID)
}

func TestCancelIsIdempotent(t *testing.T) {
	s := newBackendServer(t)
	c := dialTest(t, s)

	_, cancel, err := c.Subscribe(context.Background(), "sess-1")
	require.NoError(t, err)
	cancel()
	cancel()
	assert.Equal(t, 1, s.calls("unsubscribe"))
}

func TestConnectionLossSynthesizesSessionError(t *testing.T) {
	s := newBackendServer(t)
	c := dialTest(t, s)

	events, cancel, err := c.Subscribe(context.Background(), "sess-1")
	require.NoError(t, err)
	defer cancel()

	s.dropConn()

	ev := recvEvent(t, events)
	se, ok := ev.(domain.SessionErrorEvent)
	require.True(t, ok, "expected a session error, got %T", ev)
	assert.Contains(t, se.Message, "backend link lost")

	select {
	case _, open := <-events:
		assert.False(t, open, "subscription channel should close after the link drops")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel did not close")
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done did not close after the link drop")
	}
	require.Error(t, c.Err())

	_, err = c.JoinSession(context.Background(), "sess-1")
	require.Error(t, err, "calls after the link drop must fail fast")
}

func TestCloseDoesNotSynthesizeErrors(t *testing.T) {
	s := newBackendServer(t)
	c := dialTest(t, s)

	events, cancel, err := c.Subscribe(context.Background(), "sess-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, c.Close())

	select {
	case ev, open := <-events:
		require.False(t, open, "expected a plain close, got %T", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel did not close")
	}
}

func TestCallHonorsContext(t *testing.T) {
	s := newBackendServer(t)
	s.mute("start")
	c := dialTest(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Start(ctx, "sess-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The link is still usable for the next call.
	_, err = c.Stop(context.Background(), "sess-1")
	require.NoError(t, err)
}

func TestSeekAndTransmitWireShapes(t *testing.T) {
	s := newBackendServer(t)
	s.on("transmitFrame", func(env envelope) (any, *wireError) {
		return transmitAck{Accepted: true, Detail: "queued"}, nil
	})
	c := dialTest(t, s)

	require.NoError(t, c.Seek(context.Background(), "sess-1", 1746266400123456))
	var sk seekParams
	s.lastParams(t, "seek", &sk)
	assert.Equal(t, int64(1746266400123456), sk.TimestampUs)

	res, err := c.TransmitFrame(context.Background(), "sess-1", domain.Frame{ID: 0x321, Data: []byte{0xAA}})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "queued", res.Detail)

	var tx transmitParams
	s.lastParams(t, "transmitFrame", &tx)
	assert.Equal(t, uint32(0x321), tx.Frame.ID)
	assert.Equal(t, []byte{0xAA}, tx.Frame.Data)
	assert.Zero(t, tx.Frame.TimestampUs, "zero-time frames ride without a timestamp")
}

func TestDialRejectsUnreachableBackend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "http://127.0.0.1:1", zerolog.Nop())
	require.Error(t, err)
}
