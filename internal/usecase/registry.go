package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
	"github.com/Wired-Square/WireTAP-sub002/internal/infrastructure/observability"
)

// ListenerCallbacks is the per-listener event sink. Nil fields are
// skipped. OnFrames receives throttled batches; the rest are delivered
// as the backend notifications arrive.
type ListenerCallbacks struct {
	OnFrames         func(frames []domain.Frame)
	OnRawBytes       func(chunks []domain.RawChunk)
	OnStateChange    func(state domain.RunState)
	OnSpeedChange    func(speed float64)
	OnListenerCount  func(count int)
	OnStreamEnded    func(buffer domain.BufferInfo)
	OnStreamComplete func()
	OnError          func(message string)
}

// OpenOptions selects how a session is created when no live one exists.
// Joining an existing session ignores everything except SessionID.
type OpenOptions struct {
	// SessionID overrides the default of using the profile id as the
	// shared session key.
	SessionID string

	StartTime *time.Time
	EndTime   *time.Time
	Speed     *float64
	Limit     *int

	FilePath    string
	UseBuffer   bool
	BusOverride string

	FramingEncoding string
	Delimiter       []byte
	MinFrameLength  int
	MaxFrameLength  int
	EmitRawBytes    bool

	// Sources switches creation to a multi-source session.
	Sources []domain.SourceSpec
}

// RegistryConfig carries the liveness and batching tunables. The
// heartbeat interval must stay materially shorter than the backend's
// listener timeout.
type RegistryConfig struct {
	HeartbeatInterval time.Duration
	RPCTimeout        time.Duration
	Throttle          ThrottleConfig
}

func (c RegistryConfig) normalized() RegistryConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 10 * time.Second
	}
	return c
}

type claimState int

const (
	claimPending claimState = iota
	claimReady
)

type sessionEntry struct {
	state     claimState
	readyCh   chan struct{} // closed when state leaves claimPending
	sess      domain.Session
	listeners map[string]ListenerCallbacks
	cancelSub func()
}

// Registry owns every shared capture session: creation, joining,
// listener reference counting, heartbeat liveness, event subscription
// and teardown. One instance per process, passed by handle.
type Registry struct {
	backend  Backend
	cfg      RegistryConfig
	throttle *Throttler
	log      *zerolog.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

func NewRegistry(backend Backend, cfg RegistryConfig, log *zerolog.Logger, metrics *observability.Metrics) *Registry {
	r := &Registry{
		backend:  backend,
		cfg:      cfg.normalized(),
		log:      log,
		metrics:  metrics,
		sessions: make(map[string]*sessionEntry),
	}
	r.throttle = NewThrottler(r.cfg.Throttle, r.deliver)
	return r
}

// Throttle exposes the registry's batching layer for tests and status.
func (r *Registry) Throttle() *Throttler { return r.throttle }

// Open attaches a listener to the shared session for profileID, creating
// or joining the backend session as needed. The claim of the local slot
// is synchronous; concurrent callers for the same id wait for the winner
// and then join its result.
func (r *Registry) Open(ctx context.Context, profileID, displayName, listenerID string, cb ListenerCallbacks, opts OpenOptions) (domain.Session, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = profileID
	}
	if sessionID == "" {
		return domain.Session{}, errors.New("open: profile id or session id required")
	}
	if listenerID == "" {
		return domain.Session{}, errors.New("open: listener id required")
	}

	for {
		r.mu.Lock()
		e, ok := r.sessions[sessionID]

		if ok && e.state == claimPending {
			ready := e.readyCh
			r.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return domain.Session{}, errors.Wrap(ctx.Err(), "open: waiting for concurrent setup")
			}
			// re-check: the winning caller may have failed
			continue
		}

		if ok && e.sess.Lifecycle == domain.LifecycleConnected {
			sess, retry, err := r.joinLocal(ctx, e, sessionID, listenerID, cb)
			if retry {
				continue
			}
			return sess, err
		}

		// absent or errored: claim the slot synchronously before any await
		if !ok {
			e = &sessionEntry{listeners: make(map[string]ListenerCallbacks)}
			r.sessions[sessionID] = e
			r.metrics.ActiveSessions.Inc()
		}
		oldCancel := e.cancelSub
		e.cancelSub = nil
		e.state = claimPending
		e.readyCh = make(chan struct{})
		e.sess = domain.Session{
			ID:          sessionID,
			ProfileID:   profileID,
			DisplayName: displayName,
			Lifecycle:   domain.LifecycleConnecting,
			RunState:    domain.RunStateStopped,
			Speed:       1,
		}
		// listeners carried over from an errored predecessor lost their
		// backend registrations with it; setup restores them
		var carried []string
		for lid := range e.listeners {
			if lid != listenerID {
				carried = append(carried, lid)
			}
		}
		e.listeners[listenerID] = cb
		r.mu.Unlock()

		if oldCancel != nil {
			// an errored predecessor may still hold its event feed
			oldCancel()
		}
		return r.setup(ctx, e, sessionID, listenerID, carried, opts)
	}
}

// joinLocal registers one more listener on an already-connected session.
// retry is true when the session died mid-registration and the caller
// should re-run the claim loop. Called with r.mu held; returns with it
// released.
func (r *Registry) joinLocal(ctx context.Context, e *sessionEntry, sessionID, listenerID string, cb ListenerCallbacks) (domain.Session, bool, error) {
	e.listeners[listenerID] = cb
	r.mu.Unlock()

	ack, err := r.backend.RegisterListener(ctx, sessionID, listenerID)
	if err != nil {
		r.mu.Lock()
		if cur, still := r.sessions[sessionID]; still && cur == e {
			delete(cur.listeners, listenerID)
		}
		r.mu.Unlock()
		r.metrics.BackendErrors.WithLabelValues("registerListener").Inc()
		return domain.Session{}, false, errors.Wrap(err, "register listener")
	}

	r.mu.Lock()
	cur, still := r.sessions[sessionID]
	if !still || cur != e {
		r.mu.Unlock()
		// the session was torn down while we registered; undo and retry
		uctx, cancel := context.WithTimeout(ctx, r.cfg.RPCTimeout)
		_, _ = r.backend.UnregisterListener(uctx, sessionID, listenerID)
		cancel()
		return domain.Session{}, true, nil
	}
	cur.sess.ListenerCount = ack.ListenerCount
	snap := cur.sess
	r.mu.Unlock()

	r.metrics.ActiveListeners.Inc()
	r.log.Info().Str("session", sessionID).Str("listener", listenerID).
		Int("listeners", ack.ListenerCount).Msg("listener joined session")
	return snap, false, nil
}

// setup performs the awaited part of an open under a held claim and
// finalizes the entry either way. carried holds listener ids surviving
// from an errored predecessor; each is re-registered with the recreated
// backend session so local and backend membership stay equal.
func (r *Registry) setup(ctx context.Context, e *sessionEntry, sessionID, listenerID string, carried []string, opts OpenOptions) (domain.Session, error) {
	sess, cancelSub, err := r.connect(ctx, e.sess.ProfileID, sessionID, listenerID, opts)

	if err != nil {
		r.mu.Lock()
		// the caller is not attached on failure; the errored entry stays
		// behind as a reclaimable tombstone
		delete(e.listeners, listenerID)
		e.state = claimReady
		e.sess.Lifecycle = domain.LifecycleError
		e.sess.Error = err.Error()
		snap := e.sess
		close(e.readyCh)
		r.mu.Unlock()
		r.log.Error().Err(err).Str("session", sessionID).Msg("session setup failed")
		return snap, err
	}

	for _, lid := range carried {
		ack, rerr := r.backend.RegisterListener(ctx, sessionID, lid)
		if rerr == nil {
			sess.ListenerCount = ack.ListenerCount
			continue
		}
		r.metrics.BackendErrors.WithLabelValues("registerListener").Inc()
		r.metrics.ActiveListeners.Dec()
		r.mu.Lock()
		cb := e.listeners[lid]
		delete(e.listeners, lid)
		r.mu.Unlock()
		r.log.Warn().Err(rerr).Str("session", sessionID).Str("listener", lid).
			Msg("carried listener re-registration failed, detaching")
		if cb.OnError != nil {
			cb.OnError("listener re-registration failed: " + rerr.Error())
		}
	}

	r.mu.Lock()
	sess.ProfileID = e.sess.ProfileID
	sess.DisplayName = e.sess.DisplayName
	sess.Lifecycle = domain.LifecycleConnected
	e.sess = sess
	e.state = claimReady
	e.cancelSub = cancelSub
	snap := e.sess
	close(e.readyCh)
	r.mu.Unlock()

	r.metrics.ActiveListeners.Inc()
	r.log.Info().Str("session", sessionID).Str("listener", listenerID).
		Str("runState", string(snap.RunState)).Msg("session ready")
	return snap, nil
}

// connect talks to the backend: join-or-create, subscribe before start so
// no frames are missed, register the listener, then auto-start created
// playback sessions. Buffer-mode sessions hold their data server-side and
// are never auto-started.
func (r *Registry) connect(ctx context.Context, profileID, sessionID, listenerID string, opts OpenOptions) (domain.Session, func(), error) {
	sess := domain.Session{ID: sessionID, RunState: domain.RunStateStopped, Speed: 1}
	if opts.Speed != nil {
		sess.Speed = *opts.Speed
	}

	created := false
	join, err := r.backend.JoinSession(ctx, sessionID)
	switch {
	case err == nil:
		applyJoin(&sess, join)
	case BackendCode(err) == CodeSessionNotFound:
		caps, cerr := r.create(ctx, sessionID, profileID, opts)
		switch {
		case cerr == nil:
			created = true
			sess.Capabilities = caps
		case BackendCode(cerr) == CodeProfileInUse:
			// lost the create race: someone owns it, join instead
			join, err = r.backend.JoinSession(ctx, sessionID)
			if err != nil {
				r.metrics.BackendErrors.WithLabelValues("joinSession").Inc()
				return sess, nil, errors.Wrap(err, "join after create conflict")
			}
			applyJoin(&sess, join)
		default:
			r.metrics.BackendErrors.WithLabelValues("createSession").Inc()
			return sess, nil, errors.Wrap(cerr, "create session")
		}
	default:
		r.metrics.BackendErrors.WithLabelValues("joinSession").Inc()
		return sess, nil, errors.Wrap(err, "join session")
	}

	events, cancelSub, err := r.backend.Subscribe(ctx, sessionID)
	if err != nil {
		r.metrics.BackendErrors.WithLabelValues("subscribe").Inc()
		return sess, nil, errors.Wrap(err, "subscribe session events")
	}

	ack, err := r.backend.RegisterListener(ctx, sessionID, listenerID)
	if err != nil {
		cancelSub()
		r.metrics.BackendErrors.WithLabelValues("registerListener").Inc()
		return sess, nil, errors.Wrap(err, "register listener")
	}
	sess.ListenerCount = ack.ListenerCount

	if created && !opts.UseBuffer {
		rs, serr := r.backend.Start(ctx, sessionID)
		if serr != nil {
			cancelSub()
			uctx, ucancel := context.WithTimeout(context.Background(), r.cfg.RPCTimeout)
			_, _ = r.backend.UnregisterListener(uctx, sessionID, listenerID)
			ucancel()
			r.metrics.BackendErrors.WithLabelValues("start").Inc()
			return sess, nil, errors.Wrap(serr, "start session")
		}
		sess.RunState = rs
	}

	go r.pump(sessionID, events)
	return sess, cancelSub, nil
}

func applyJoin(sess *domain.Session, join domain.JoinInfo) {
	sess.Capabilities = join.Capabilities
	sess.RunState = join.RunState
	sess.ListenerCount = join.JoinerCount
	if join.BufferID != "" {
		sess.Buffer = domain.BufferInfo{Available: true, ID: join.BufferID, Kind: join.BufferKind}
	}
}

func (r *Registry) create(ctx context.Context, sessionID, profileID string, opts OpenOptions) (domain.Capabilities, error) {
	if len(opts.Sources) > 0 {
		return r.backend.CreateMultiSourceSession(ctx, sessionID, opts.Sources)
	}
	return r.backend.CreateSession(ctx, sessionID, domain.CreateSessionRequest{
		ProfileID:       profileID,
		StartTime:       opts.StartTime,
		EndTime:         opts.EndTime,
		Speed:           opts.Speed,
		Limit:           opts.Limit,
		FilePath:        opts.FilePath,
		UseBuffer:       opts.UseBuffer,
		BusOverride:     opts.BusOverride,
		FramingEncoding: opts.FramingEncoding,
		Delimiter:       opts.Delimiter,
		MinFrameLength:  opts.MinFrameLength,
		MaxFrameLength:  opts.MaxFrameLength,
		EmitRawBytes:    opts.EmitRawBytes,
	})
}

// Leave unregisters one listener; callbacks and registration drop in the
// same step. The last listener out tears the local session down. The
// backend decrements its count as part of unregister, so the registry
// never decrements it separately.
func (r *Registry) Leave(ctx context.Context, sessionID, listenerID string) error {
	for {
		r.mu.Lock()
		e, ok := r.sessions[sessionID]
		if !ok {
			r.mu.Unlock()
			return ErrSessionNotFound
		}
		if e.state == claimPending {
			ready := e.readyCh
			r.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "leave: waiting for concurrent setup")
			}
			continue
		}
		if _, mine := e.listeners[listenerID]; !mine {
			r.mu.Unlock()
			return ErrNotAListener
		}

		delete(e.listeners, listenerID)
		last := len(e.listeners) == 0
		var cancelSub func()
		if last {
			delete(r.sessions, sessionID)
			cancelSub = e.cancelSub
			e.cancelSub = nil
		}
		r.mu.Unlock()

		remaining, err := r.backend.UnregisterListener(ctx, sessionID, listenerID)
		if err != nil {
			r.metrics.BackendErrors.WithLabelValues("unregisterListener").Inc()
			r.log.Warn().Err(err).Str("session", sessionID).Str("listener", listenerID).
				Msg("unregister listener failed")
		}
		r.metrics.ActiveListeners.Dec()

		if last {
			if cancelSub != nil {
				cancelSub()
			}
			r.throttle.Drop(sessionID)
			r.metrics.ActiveSessions.Dec()
			r.log.Info().Str("session", sessionID).Msg("last listener left, session closed")
			return nil
		}
		if err == nil {
			r.mutate(sessionID, func(s *domain.Session) { s.ListenerCount = remaining })
		}
		return nil
	}
}

// Reinitialize applies new options to a session the caller listens on.
// With other listeners attached only the time range is updated in place;
// as sole listener the session is torn down and recreated under a fresh
// claim, marked disconnected in between so no other path reopens it.
func (r *Registry) Reinitialize(ctx context.Context, sessionID, listenerID, profileID, displayName string, opts OpenOptions) (domain.Session, error) {
	for {
		r.mu.Lock()
		e, ok := r.sessions[sessionID]
		if !ok {
			r.mu.Unlock()
			return domain.Session{}, ErrSessionNotFound
		}
		if e.state == claimPending {
			ready := e.readyCh
			r.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return domain.Session{}, errors.Wrap(ctx.Err(), "reinitialize: waiting for concurrent setup")
			}
			continue
		}
		if _, mine := e.listeners[listenerID]; !mine {
			r.mu.Unlock()
			return domain.Session{}, ErrNotAListener
		}

		if len(e.listeners) > 1 {
			r.mu.Unlock()
			if err := r.backend.UpdateTimeRange(ctx, sessionID, opts.StartTime, opts.EndTime); err != nil {
				r.metrics.BackendErrors.WithLabelValues("updateTimeRange").Inc()
				return domain.Session{}, errors.Wrap(err, "update time range")
			}
			r.log.Info().Str("session", sessionID).
				Msg("session shared, narrowed reinitialize to time range update")
			sess, _ := r.Session(sessionID)
			return sess, nil
		}

		e.state = claimPending
		e.readyCh = make(chan struct{})
		e.sess.Lifecycle = domain.LifecycleDisconnected
		e.sess.Error = ""
		e.sess.ProfileID = profileID
		e.sess.DisplayName = displayName
		cancelSub := e.cancelSub
		e.cancelSub = nil
		r.mu.Unlock()

		if cancelSub != nil {
			cancelSub()
		}
		r.throttle.Drop(sessionID)
		uctx, ucancel := context.WithTimeout(ctx, r.cfg.RPCTimeout)
		if _, err := r.backend.UnregisterListener(uctx, sessionID, listenerID); err != nil {
			r.log.Warn().Err(err).Str("session", sessionID).Msg("unregister during reinitialize failed")
		}
		ucancel()
		r.metrics.ActiveListeners.Dec()

		return r.setup(ctx, e, sessionID, listenerID, nil, opts)
	}
}

// Session returns a snapshot of one session's cached state.
func (r *Registry) Session(id string) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		return e.sess, true
	}
	return domain.Session{}, false
}

// Sessions snapshots every session, ordered by id.
func (r *Registry) Sessions() []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run drives the heartbeat loop until ctx is cancelled. Heartbeats keep
// each (session, listener) pair alive backend-side; a failed beat is
// logged and retried next cycle, never torn down.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeatAll(ctx)
		}
	}
}

func (r *Registry) heartbeatAll(ctx context.Context) {
	type member struct{ sessionID, listenerID string }
	r.mu.Lock()
	var members []member
	for id, e := range r.sessions {
		if e.state != claimReady || e.sess.Lifecycle != domain.LifecycleConnected {
			continue
		}
		for lid := range e.listeners {
			members = append(members, member{id, lid})
		}
	}
	r.mu.Unlock()

	for _, m := range members {
		hctx, cancel := context.WithTimeout(ctx, r.cfg.RPCTimeout)
		err := r.backend.Heartbeat(hctx, m.sessionID, m.listenerID)
		cancel()
		if err != nil {
			r.metrics.HeartbeatMisses.Inc()
			r.log.Debug().Err(err).Str("session", m.sessionID).Str("listener", m.listenerID).
				Msg("heartbeat failed, retrying next cycle")
		}
	}
}

// pump drains one session's event feed until the channel closes.
func (r *Registry) pump(sessionID string, events <-chan domain.BackendEvent) {
	for ev := range events {
		r.handleEvent(sessionID, ev)
	}
	r.log.Debug().Str("session", sessionID).Msg("event feed closed")
}

func (r *Registry) handleEvent(sessionID string, ev domain.BackendEvent) {
	switch ev := ev.(type) {
	case domain.FrameBatchEvent:
		r.throttle.Accumulate(sessionID, ev.Frames, ev.ActiveListeners)

	case domain.ByteBatchEvent:
		r.fanOut(sessionID, func(cb ListenerCallbacks) {
			if cb.OnRawBytes != nil {
				cb.OnRawBytes(ev.Chunks)
			}
		})

	case domain.StateChangeEvent:
		r.mutate(sessionID, func(s *domain.Session) { s.RunState = ev.RunState })
		r.fanOut(sessionID, func(cb ListenerCallbacks) {
			if cb.OnStateChange != nil {
				cb.OnStateChange(ev.RunState)
			}
		})

	case domain.SpeedChangeEvent:
		r.mutate(sessionID, func(s *domain.Session) { s.Speed = ev.Speed })
		r.fanOut(sessionID, func(cb ListenerCallbacks) {
			if cb.OnSpeedChange != nil {
				cb.OnSpeedChange(ev.Speed)
			}
		})

	case domain.ListenerCountEvent:
		r.mutate(sessionID, func(s *domain.Session) { s.ListenerCount = ev.Count })
		r.fanOut(sessionID, func(cb ListenerCallbacks) {
			if cb.OnListenerCount != nil {
				cb.OnListenerCount(ev.Count)
			}
		})

	case domain.StreamEndedEvent:
		// tail frames must land before the terminal notification
		r.throttle.Flush(sessionID)
		r.mutate(sessionID, func(s *domain.Session) {
			s.RunState = domain.RunStateStopped
			s.Buffer = ev.Buffer
		})
		r.fanOut(sessionID, func(cb ListenerCallbacks) {
			if cb.OnStreamEnded != nil {
				cb.OnStreamEnded(ev.Buffer)
			}
		})

	case domain.StreamCompleteEvent:
		r.throttle.Flush(sessionID)
		r.fanOut(sessionID, func(cb ListenerCallbacks) {
			if cb.OnStreamComplete != nil {
				cb.OnStreamComplete()
			}
		})

	case domain.SessionErrorEvent:
		r.throttle.Flush(sessionID)
		r.mutate(sessionID, func(s *domain.Session) {
			s.Lifecycle = domain.LifecycleError
			s.Error = ev.Message
		})
		r.log.Warn().Str("session", sessionID).Str("error", ev.Message).Msg("session errored")
		r.fanOut(sessionID, func(cb ListenerCallbacks) {
			if cb.OnError != nil {
				cb.OnError(ev.Message)
			}
		})
	}
}

// deliver is the throttler sink: it resolves the eligible callbacks under
// the lock and invokes them outside it, in stable listener order.
func (r *Registry) deliver(sessionID string, frames []domain.Frame, targets map[string]struct{}, broadcast bool) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sinks := make([]func([]domain.Frame), 0, len(ids))
	for _, id := range ids {
		cb := e.listeners[id]
		if cb.OnFrames == nil {
			continue
		}
		if !broadcast && len(targets) > 0 {
			if _, want := targets[id]; !want {
				continue
			}
		}
		sinks = append(sinks, cb.OnFrames)
	}
	r.mu.Unlock()

	for _, fn := range sinks {
		fn(frames)
	}
}

func (r *Registry) fanOut(sessionID string, fn func(cb ListenerCallbacks)) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	cbs := make([]ListenerCallbacks, 0, len(e.listeners))
	for _, cb := range e.listeners {
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()
	for _, cb := range cbs {
		fn(cb)
	}
}

func (r *Registry) mutate(sessionID string, fn func(*domain.Session)) {
	r.mu.Lock()
	if e, ok := r.sessions[sessionID]; ok {
		fn(&e.sess)
	}
	r.mu.Unlock()
}
