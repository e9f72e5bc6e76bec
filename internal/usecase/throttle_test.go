package usecase

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]domain.Frame
	targets []map[string]struct{}
	bcasts  []bool
}

func (f *flushRecorder) fn(_ string, frames []domain.Frame, targets map[string]struct{}, broadcast bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]domain.Frame, len(frames))
	copy(cp, frames)
	f.batches = append(f.batches, cp)
	f.targets = append(f.targets, targets)
	f.bcasts = append(f.bcasts, broadcast)
}

func (f *flushRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *flushRecorder) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *flushRecorder) batch(i int) []domain.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func frames(ids ...uint32) []domain.Frame {
	out := make([]domain.Frame, len(ids))
	for i, id := range ids {
		out[i] = domain.Frame{ID: id, Data: []byte{byte(id)}, Timestamp: time.Now()}
	}
	return out
}

func TestThrottleSizeTriggerFlushes(t *testing.T) {
	rec := &flushRecorder{}
	th := NewThrottler(ThrottleConfig{BatchSize: 3, MinInterval: time.Millisecond, MaxInterval: time.Hour}, rec.fn)

	th.Accumulate("s1", frames(1, 2, 3), nil)

	// MaxInterval of an hour proves the size trigger did this
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 3, rec.total())
	assert.Zero(t, th.Pending("s1"))
}

func TestThrottleRateCapDefersSizeFlush(t *testing.T) {
	rec := &flushRecorder{}
	th := NewThrottler(ThrottleConfig{BatchSize: 1, MinInterval: 500 * time.Millisecond, MaxInterval: 40 * time.Millisecond}, rec.fn)

	th.Accumulate("s1", frames(1), nil)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	// batch size is satisfied but the rate cap is not, so the latency
	// timer has to carry this one
	th.Accumulate("s1", frames(2), nil)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, rec.count())
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, rec.total())
}

func TestThrottleMaxIntervalFlushesTrickle(t *testing.T) {
	rec := &flushRecorder{}
	th := NewThrottler(ThrottleConfig{BatchSize: 1000, MinInterval: time.Millisecond, MaxInterval: 15 * time.Millisecond}, rec.fn)

	th.Accumulate("s1", frames(1, 2), nil)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []uint32{1, 2}, frameIDs(rec.batch(0)))
}

func TestThrottleFlushDrainsAndClears(t *testing.T) {
	rec := &flushRecorder{}
	th := NewThrottler(ThrottleConfig{BatchSize: 1000, MinInterval: time.Millisecond, MaxInterval: time.Hour}, rec.fn)

	th.Accumulate("s1", frames(1, 2), nil)
	require.Equal(t, 2, th.Pending("s1"))

	th.Flush("s1")
	require.Equal(t, 1, rec.count())
	require.Zero(t, th.Pending("s1"))

	// nothing pending: no empty delivery
	th.Flush("s1")
	require.Equal(t, 1, rec.count())
}

func TestThrottleSequentialFlushesKeepContent(t *testing.T) {
	rec := &flushRecorder{}
	th := NewThrottler(ThrottleConfig{BatchSize: 1000, MinInterval: time.Millisecond, MaxInterval: time.Hour}, rec.fn)

	th.Accumulate("s1", frames(1), nil)
	th.Flush("s1")
	th.Accumulate("s1", frames(2, 3), nil)
	th.Flush("s1")

	require.Equal(t, 2, rec.count())
	assert.Equal(t, []uint32{1}, frameIDs(rec.batch(0)))
	assert.Equal(t, []uint32{2, 3}, frameIDs(rec.batch(1)))
}

func TestThrottleDropDiscardsPending(t *testing.T) {
	rec := &flushRecorder{}
	th := NewThrottler(ThrottleConfig{BatchSize: 1000, MinInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond}, rec.fn)

	th.Accumulate("s1", frames(1, 2), nil)
	th.Drop("s1")

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, rec.count())
	assert.Zero(t, th.Pending("s1"))
}

func TestThrottleTargetsUnionAndBroadcast(t *testing.T) {
	rec := &flushRecorder{}
	th := NewThrottler(ThrottleConfig{BatchSize: 1000, MinInterval: time.Millisecond, MaxInterval: time.Hour}, rec.fn)

	th.Accumulate("s1", frames(1), []string{"a"})
	th.Accumulate("s1", frames(2), []string{"b"})
	th.Flush("s1")

	require.Equal(t, 1, rec.count())
	assert.False(t, rec.bcasts[0])
	assert.Equal(t, map[string]struct{}{"a": {}, "b": {}}, rec.targets[0])

	// one unfiltered batch widens the next flush to everyone
	th.Accumulate("s1", frames(3), []string{"a"})
	th.Accumulate("s1", frames(4), nil)
	th.Flush("s1")

	require.Equal(t, 2, rec.count())
	assert.True(t, rec.bcasts[1])
}

func TestThrottleOverlappingFlushesKeepOrder(t *testing.T) {
	rec := &flushRecorder{}
	th := NewThrottler(ThrottleConfig{BatchSize: 8, MinInterval: time.Microsecond, MaxInterval: time.Millisecond}, rec.fn)

	// forced flushes race the size and latency timers; every delivered
	// batch must still land in accumulation order
	const total = 2000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for id := uint32(1); id <= total; id += 2 {
			th.Accumulate("s1", frames(id, id+1), nil)
		}
	}()
producing:
	for {
		select {
		case <-done:
			break producing
		default:
			th.Flush("s1")
		}
	}
	th.Flush("s1")

	require.Eventually(t, func() bool { return rec.total() == total }, 5*time.Second, time.Millisecond)
	rec.mu.Lock()
	var got []uint32
	for _, b := range rec.batches {
		got = append(got, frameIDs(b)...)
	}
	rec.mu.Unlock()
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i], "delivery order inverted at index %d", i)
	}
}

func TestThrottleSessionsAreIndependent(t *testing.T) {
	rec := &flushRecorder{}
	th := NewThrottler(ThrottleConfig{BatchSize: 2, MinInterval: time.Millisecond, MaxInterval: time.Hour}, rec.fn)

	th.Accumulate("s1", frames(1, 2), nil)
	th.Accumulate("s2", frames(3), nil)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint32{1, 2}, frameIDs(rec.batch(0)))
	assert.Equal(t, 1, th.Pending("s2"))
}

func frameIDs(fs []domain.Frame) []uint32 {
	ids := make([]uint32, len(fs))
	for i, f := range fs {
		ids[i] = f.ID
	}
	return ids
}
