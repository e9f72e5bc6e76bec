package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	cancelRPCTimeout = 5 * time.Second

	// Per-subscription buffer. Consumers that stall past this many events
	// start losing them rather than stalling every session on the link.
	subscriberBuffer = 256
)

// Client speaks the backend's JSON envelope protocol over a single
// websocket. Requests are correlated by sequence id; events fan out to
// per-session subscriptions. All methods are safe for concurrent use.
type Client struct {
	log  zerolog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan envelope
	subs    map[string]map[int]*subscription
	nextSub int
	closed  bool
	err     error

	done chan struct{}
}

type subscription struct {
	id int
	ch chan domain.BackendEvent
}

// Dial connects to the backend and starts the read loop. http and https
// URLs are accepted and rewritten to their websocket schemes.
func Dial(ctx context.Context, rawURL string, log zerolog.Logger) (*Client, error) {
	target := rawURL
	switch {
	case strings.HasPrefix(target, "http://"):
		target = "ws://" + strings.TrimPrefix(target, "http://")
	case strings.HasPrefix(target, "https://"):
		target = "wss://" + strings.TrimPrefix(target, "https://")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: handshakeTimeout}).DialContext,
	}
	conn, resp, err := dialer.DialContext(ctx, target, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial backend %s", target)
	}

	c := &Client{
		log:     log.With().Str("component", "backend").Logger(),
		conn:    conn,
		pending: make(map[uint64]chan envelope),
		subs:    make(map[string]map[int]*subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	c.log.Info().Str("url", target).Msg("backend connected")
	return c, nil
}

// Done closes when the backend link is gone, whether by Close or by a
// transport failure. The error cause is available via Err.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the link closed. Nil while the link is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	return c.err
}

// Close tears the link down. In-flight calls fail and every subscription
// channel is closed without a synthesized error event.
func (c *Client) Close() error {
	c.shutdown(errors.New("client closed"), false)
	return nil
}

func (c *Client) readLoop() {
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.shutdown(errors.Wrap(err, "backend read"), true)
			return
		}
		switch env.Type {
		case typeResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			c.mu.Unlock()
			if !ok {
				c.log.Warn().Uint64("id", env.ID).Msg("response for unknown request")
				continue
			}
			ch <- env
		case typeEvent:
			c.dispatchEvent(env)
		default:
			c.log.Warn().Str("type", env.Type).Msg("unexpected envelope type")
		}
	}
}

func (c *Client) dispatchEvent(env envelope) {
	ev, err := decodeEvent(env)
	if err != nil {
		c.log.Warn().Err(err).Str("event", env.Event).Str("session_id", env.SessionID).
			Msg("dropping undecodable event")
		return
	}
	if ev == nil {
		c.log.Debug().Str("event", env.Event).Msg("ignoring unknown event")
		return
	}

	// Sends stay under the lock so a concurrent cancel cannot close a
	// channel between snapshot and send. They never block.
	c.mu.Lock()
	for _, s := range c.subs[env.SessionID] {
		select {
		case s.ch <- ev:
		default:
			c.log.Warn().Str("session_id", env.SessionID).Str("event", env.Event).
				Msg("subscriber too slow, dropping event")
		}
	}
	c.mu.Unlock()
}

// call performs one request round trip. Backend-reported failures come
// back as *BackendError so callers can branch on the code.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return errors.Wrapf(err, "marshal %s params", method)
	}

	c.mu.Lock()
	if c.closed {
		cause := c.err
		c.mu.Unlock()
		return errors.Wrap(cause, "backend link lost")
	}
	c.seq++
	id := c.seq
	ch := make(chan envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	env := envelope{Type: typeRequest, ID: id, Method: method, Params: raw}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		c.shutdown(errors.Wrap(err, "backend write"), true)
		return errors.Wrapf(err, "send %s", method)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			cause := c.err
			c.mu.Unlock()
			return errors.Wrapf(cause, "%s: backend link lost", method)
		}
		if resp.Error != nil {
			return errors.Wrapf(&BackendError{Code: resp.Error.Code, Message: resp.Error.Message}, "%s", method)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return errors.Wrapf(err, "decode %s result", method)
			}
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return errors.Wrapf(ctx.Err(), "%s", method)
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// shutdown closes the link once. With notify set, every live subscription
// gets a synthesized session error before its channel closes, so session
// owners learn the backend is gone even if no request is in flight.
func (c *Client) shutdown(cause error, notify bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	pend := c.pending
	c.pending = make(map[uint64]chan envelope)
	subs := c.subs
	c.subs = make(map[string]map[int]*subscription)
	c.mu.Unlock()

	if notify {
		c.log.Warn().Err(cause).Msg("backend link lost")
	}

	_ = c.conn.Close()
	for _, ch := range pend {
		close(ch)
	}
	for _, bySub := range subs {
		for _, s := range bySub {
			if notify {
				select {
				case s.ch <- domain.SessionErrorEvent{Message: "backend link lost: " + cause.Error()}:
				default:
				}
			}
			close(s.ch)
		}
	}
	close(c.done)
}

// Subscribe opens the event feed for one session. The first subscription
// per session tells the backend to start pushing; later ones share the
// stream locally.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (<-chan domain.BackendEvent, func(), error) {
	c.mu.Lock()
	if c.closed {
		cause := c.err
		c.mu.Unlock()
		return nil, nil, errors.Wrap(cause, "backend link lost")
	}
	c.nextSub++
	s := &subscription{id: c.nextSub, ch: make(chan domain.BackendEvent, subscriberBuffer)}
	first := len(c.subs[sessionID]) == 0
	if first {
		c.subs[sessionID] = make(map[int]*subscription)
	}
	c.subs[sessionID][s.id] = s
	c.mu.Unlock()

	if first {
		if err := c.call(ctx, "subscribe", sessionParams{SessionID: sessionID}, nil); err != nil {
			c.removeSub(sessionID, s.id, false)
			return nil, nil, err
		}
	}

	cancel := func() { c.removeSub(sessionID, s.id, true) }
	return s.ch, cancel, nil
}

// removeSub detaches one subscription. The last one off a session sends
// a best-effort unsubscribe so the backend stops pushing.
func (c *Client) removeSub(sessionID string, id int, unsubscribe bool) {
	c.mu.Lock()
	bySub := c.subs[sessionID]
	s, ok := bySub[id]
	if ok {
		delete(bySub, id)
		if len(bySub) == 0 {
			delete(c.subs, sessionID)
		}
	}
	last := ok && len(bySub) == 0
	closed := c.closed
	c.mu.Unlock()

	if !ok {
		// Already torn down by shutdown.
		return
	}
	close(s.ch)

	if unsubscribe && last && !closed {
		ctx, cancel := context.WithTimeout(context.Background(), cancelRPCTimeout)
		defer cancel()
		if err := c.call(ctx, "unsubscribe", sessionParams{SessionID: sessionID}, nil); err != nil {
			c.log.Warn().Err(err).Str("session_id", sessionID).Msg("unsubscribe failed")
		}
	}
}

// Backend RPC surface.

func (c *Client) CreateSession(ctx context.Context, sessionID string, req domain.CreateSessionRequest) (domain.Capabilities, error) {
	params := createSessionParams{
		SessionID:       sessionID,
		ProfileID:       req.ProfileID,
		StartTimeUs:     timePtrToUs(req.StartTime),
		EndTimeUs:       timePtrToUs(req.EndTime),
		Speed:           req.Speed,
		Limit:           req.Limit,
		FilePath:        req.FilePath,
		UseBuffer:       req.UseBuffer,
		BusOverride:     req.BusOverride,
		FramingEncoding: req.FramingEncoding,
		Delimiter:       req.Delimiter,
		MinFrameLength:  req.MinFrameLength,
		MaxFrameLength:  req.MaxFrameLength,
		EmitRawBytes:    req.EmitRawBytes,
	}
	var res capabilitiesResult
	if err := c.call(ctx, "createSession", params, &res); err != nil {
		return domain.Capabilities{}, err
	}
	return res.Capabilities, nil
}

func (c *Client) CreateMultiSourceSession(ctx context.Context, sessionID string, sources []domain.SourceSpec) (domain.Capabilities, error) {
	var res capabilitiesResult
	err := c.call(ctx, "createMultiSourceSession", createMultiSourceParams{SessionID: sessionID, Sources: sources}, &res)
	if err != nil {
		return domain.Capabilities{}, err
	}
	return res.Capabilities, nil
}

func (c *Client) JoinSession(ctx context.Context, sessionID string) (domain.JoinInfo, error) {
	var res joinResult
	if err := c.call(ctx, "joinSession", sessionParams{SessionID: sessionID}, &res); err != nil {
		return domain.JoinInfo{}, err
	}
	return domain.JoinInfo{
		Capabilities: res.Capabilities,
		RunState:     res.RunState,
		JoinerCount:  res.JoinerCount,
		BufferID:     res.BufferID,
		BufferKind:   res.BufferKind,
	}, nil
}

func (c *Client) RegisterListener(ctx context.Context, sessionID, listenerID string) (domain.ListenerAck, error) {
	var res registerResult
	err := c.call(ctx, "registerListener", listenerParams{SessionID: sessionID, ListenerID: listenerID}, &res)
	if err != nil {
		return domain.ListenerAck{}, err
	}
	return domain.ListenerAck{IsOwner: res.IsOwner, ListenerCount: res.ListenerCount}, nil
}

func (c *Client) UnregisterListener(ctx context.Context, sessionID, listenerID string) (int, error) {
	var res unregisterResult
	err := c.call(ctx, "unregisterListener", listenerParams{SessionID: sessionID, ListenerID: listenerID}, &res)
	if err != nil {
		return 0, err
	}
	return res.ListenerCount, nil
}

func (c *Client) Heartbeat(ctx context.Context, sessionID, listenerID string) error {
	return c.call(ctx, "heartbeat", listenerParams{SessionID: sessionID, ListenerID: listenerID}, nil)
}

func (c *Client) Start(ctx context.Context, sessionID string) (domain.RunState, error) {
	return c.runStateCall(ctx, "start", sessionID)
}

func (c *Client) Stop(ctx context.Context, sessionID string) (domain.RunState, error) {
	return c.runStateCall(ctx, "stop", sessionID)
}

func (c *Client) Pause(ctx context.Context, sessionID string) (domain.RunState, error) {
	return c.runStateCall(ctx, "pause", sessionID)
}

func (c *Client) Resume(ctx context.Context, sessionID string) (domain.RunState, error) {
	return c.runStateCall(ctx, "resume", sessionID)
}

func (c *Client) runStateCall(ctx context.Context, method, sessionID string) (domain.RunState, error) {
	var res runStateResult
	if err := c.call(ctx, method, sessionParams{SessionID: sessionID}, &res); err != nil {
		return "", err
	}
	return res.RunState, nil
}

func (c *Client) UpdateSpeed(ctx context.Context, sessionID string, speed float64) error {
	return c.call(ctx, "updateSpeed", speedParams{SessionID: sessionID, Speed: speed}, nil)
}

func (c *Client) UpdateTimeRange(ctx context.Context, sessionID string, start, end *time.Time) error {
	params := timeRangeParams{
		SessionID:   sessionID,
		StartTimeUs: timePtrToUs(start),
		EndTimeUs:   timePtrToUs(end),
	}
	return c.call(ctx, "updateTimeRange", params, nil)
}

func (c *Client) Seek(ctx context.Context, sessionID string, timestampUs int64) error {
	return c.call(ctx, "seek", seekParams{SessionID: sessionID, TimestampUs: timestampUs}, nil)
}

func (c *Client) TransitionToBufferReader(ctx context.Context, sessionID string, speed *float64) (domain.Capabilities, error) {
	var res capabilitiesResult
	err := c.call(ctx, "transitionToBufferReader", transitionParams{SessionID: sessionID, Speed: speed}, &res)
	if err != nil {
		return domain.Capabilities{}, err
	}
	return res.Capabilities, nil
}

func (c *Client) TransmitFrame(ctx context.Context, sessionID string, frame domain.Frame) (domain.TransmitResult, error) {
	var res transmitAck
	err := c.call(ctx, "transmitFrame", transmitParams{SessionID: sessionID, Frame: frameToWire(frame)}, &res)
	if err != nil {
		return domain.TransmitResult{}, err
	}
	return domain.TransmitResult{Accepted: res.Accepted, Detail: res.Detail}, nil
}
