package usecase

import (
	"sync"
	"time"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// ThrottleConfig tunes the dual flush trigger.
type ThrottleConfig struct {
	// BatchSize flushes early once this many frames are pending, provided
	// MinInterval has passed since the previous flush.
	BatchSize int
	// MinInterval caps the flush rate under sustained load.
	MinInterval time.Duration
	// MaxInterval bounds delivery latency for trickle streams.
	MaxInterval time.Duration
}

func (c ThrottleConfig) normalized() ThrottleConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 250
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 250 * time.Millisecond
	}
	return c
}

// FlushFunc receives one session's drained batch. Targets is the union of
// listener-id filters seen while accumulating; broadcast means at least
// one batch arrived unfiltered, so every listener is eligible.
type FlushFunc func(sessionID string, frames []domain.Frame, targets map[string]struct{}, broadcast bool)

// Throttler smooths per-session frame events into batches. Flushes are
// triggered by size once the rate cap allows, and by a latency timer
// otherwise; terminal session events force an immediate drain.
type Throttler struct {
	cfg   ThrottleConfig
	flush FlushFunc

	mu      sync.Mutex
	pending map[string]*pendingBatch
}

type pendingBatch struct {
	frames    []domain.Frame
	spare     []domain.Frame // recycled delivery buffer, nil while in flight
	targets   map[string]struct{}
	broadcast bool
	lastFlush time.Time

	timer     *time.Timer
	scheduled bool
	immediate bool

	// deliverMu serializes deliveries so overlapping timer and forced
	// flushes keep per-listener frame order. Always acquired under
	// Throttler.mu and released after it.
	deliverMu sync.Mutex
}

// NewThrottler wires the flush sink. The sink runs on timer goroutines
// with the session's delivery slot held and must not call back into the
// Throttler.
func NewThrottler(cfg ThrottleConfig, flush FlushFunc) *Throttler {
	return &Throttler{
		cfg:     cfg.normalized(),
		flush:   flush,
		pending: make(map[string]*pendingBatch),
	}
}

// Accumulate appends frames to the session's pending batch and applies
// the dual trigger. An empty activeListeners slice widens the pending
// batch to a broadcast.
func (t *Throttler) Accumulate(sessionID string, frames []domain.Frame, activeListeners []string) {
	if len(frames) == 0 {
		return
	}
	t.mu.Lock()
	pb := t.pending[sessionID]
	if pb == nil {
		pb = &pendingBatch{targets: make(map[string]struct{})}
		t.pending[sessionID] = pb
	}
	pb.frames = append(pb.frames, frames...)
	if len(activeListeners) == 0 {
		pb.broadcast = true
	} else {
		for _, id := range activeListeners {
			pb.targets[id] = struct{}{}
		}
	}

	if len(pb.frames) >= t.cfg.BatchSize && time.Since(pb.lastFlush) >= t.cfg.MinInterval {
		// next tick, not synchronously: same-tick arrivals still coalesce
		t.scheduleLocked(sessionID, pb, 0, true)
	} else if !pb.scheduled {
		t.scheduleLocked(sessionID, pb, t.cfg.MaxInterval, false)
	}
	t.mu.Unlock()
}

func (t *Throttler) scheduleLocked(sessionID string, pb *pendingBatch, d time.Duration, immediate bool) {
	if pb.scheduled {
		if pb.immediate || !immediate {
			return
		}
		pb.timer.Stop()
	}
	pb.scheduled = true
	pb.immediate = immediate
	pb.timer = time.AfterFunc(d, func() { t.Flush(sessionID) })
}

// Flush drains the session's pending batch now. Pending state is cleared
// before the sink runs, so a sink that accumulates more frames neither
// deadlocks nor loses them. Safe to call with nothing pending.
func (t *Throttler) Flush(sessionID string) {
	t.mu.Lock()
	pb := t.pending[sessionID]
	if pb == nil {
		t.mu.Unlock()
		return
	}
	if pb.timer != nil {
		pb.timer.Stop()
	}
	pb.scheduled = false
	pb.immediate = false
	if len(pb.frames) == 0 {
		t.mu.Unlock()
		return
	}

	frames := pb.frames
	if pb.spare != nil {
		pb.frames = pb.spare[:0]
		pb.spare = nil
	} else {
		pb.frames = nil
	}
	targets := pb.targets
	broadcast := pb.broadcast
	pb.targets = make(map[string]struct{})
	pb.broadcast = false
	pb.lastFlush = time.Now()
	// claim the delivery slot before releasing the state lock: a flush
	// racing in behind this one must queue behind it, not overtake it
	pb.deliverMu.Lock()
	t.mu.Unlock()

	t.flush(sessionID, frames, targets, broadcast)
	pb.deliverMu.Unlock()

	// the buffer is only reusable once its delivery has returned
	t.mu.Lock()
	if cur := t.pending[sessionID]; cur == pb && pb.spare == nil {
		pb.spare = frames[:0]
	}
	t.mu.Unlock()
}

// Drop discards any pending state for a torn-down session.
func (t *Throttler) Drop(sessionID string) {
	t.mu.Lock()
	if pb := t.pending[sessionID]; pb != nil && pb.timer != nil {
		pb.timer.Stop()
	}
	delete(t.pending, sessionID)
	t.mu.Unlock()
}

// Pending reports the number of undelivered frames for a session.
func (t *Throttler) Pending(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pb := t.pending[sessionID]; pb != nil {
		return len(pb.frames)
	}
	return 0
}
