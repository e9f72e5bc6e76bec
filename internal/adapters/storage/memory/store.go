// Package memory holds the bounded, mutate-in-place decoded state. The
// containers are sized once and recycled; the only full replacement
// happens on Reset when the active profile changes.
package memory

import (
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// Caps fixes the container sizes. Zero or negative values fall back to
// the defaults.
type Caps struct {
	Frames          int
	SourceFrames    int
	Unmatched       int
	Filtered        int
	ValuesPerHeader int
}

const (
	defaultFrameCap       = 1024
	defaultSourceFrameCap = 4096
	defaultListCap        = 512
	defaultHeaderValueCap = 64
)

func (c Caps) normalized() Caps {
	if c.Frames <= 0 {
		c.Frames = defaultFrameCap
	}
	if c.SourceFrames <= 0 {
		c.SourceFrames = defaultSourceFrameCap
	}
	if c.Unmatched <= 0 {
		c.Unmatched = defaultListCap
	}
	if c.Filtered <= 0 {
		c.Filtered = defaultListCap
	}
	if c.ValuesPerHeader <= 0 {
		c.ValuesPerHeader = defaultHeaderValueCap
	}
	return c
}

// SourceKey addresses a decoded frame within one sender's view.
type SourceKey struct {
	Source  uint32
	FrameID uint32
}

type frameEntry struct {
	frame  domain.DecodedFrame
	sigIdx map[string]int // MergeKey -> position in frame.Signals
}

// Counts is a point-in-time size snapshot of every container.
type Counts struct {
	Frames       int `json:"frames"`
	SourceFrames int `json:"sourceFrames"`
	Unmatched    int `json:"unmatched"`
	Filtered     int `json:"filtered"`
}

// Store owns all decoded capture state. Writers mutate retained entries
// in place; readers get copies. Merge bumps LRU recency, read accessors
// use Peek so that UI polling does not fight eviction.
type Store struct {
	mu      sync.RWMutex
	caps    Caps
	frames  *lru.Cache[uint32, *frameEntry]
	source  *lru.Cache[SourceKey, *frameEntry]
	unm     *ring[domain.UnmatchedFrame]
	fil     *ring[domain.FilteredFrame]
	headers map[string]*seenValues

	version atomic.Uint64
	onEvict func(container string)
}

// NewStore builds a store with the given capacities. onEvict, if non-nil,
// is called with the container name whenever a bounded container drops an
// entry.
func NewStore(caps Caps, onEvict func(container string)) *Store {
	s := &Store{caps: caps.normalized(), onEvict: onEvict}
	s.allocate()
	return s
}

func (s *Store) allocate() {
	s.frames, _ = lru.NewWithEvict[uint32, *frameEntry](s.caps.Frames, func(uint32, *frameEntry) {
		s.evicted("frames")
	})
	s.source, _ = lru.NewWithEvict[SourceKey, *frameEntry](s.caps.SourceFrames, func(SourceKey, *frameEntry) {
		s.evicted("sourceFrames")
	})
	s.unm = newRing[domain.UnmatchedFrame](s.caps.Unmatched)
	s.fil = newRing[domain.FilteredFrame](s.caps.Filtered)
	s.headers = make(map[string]*seenValues)
}

func (s *Store) evicted(container string) {
	if s.onEvict != nil {
		s.onEvict(container)
	}
}

// Merge folds one fresh decode into the retained global entry and, when a
// source address is known, into that sender's independent entry. Signals
// merge by stable key so values from an inactive mux case survive until
// the case recurs.
func (s *Store) Merge(update *domain.DecodedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.frames.Get(update.ID)
	if !ok {
		e = newFrameEntry(update.ID)
		s.frames.Add(update.ID, e)
	}
	mergeInto(e, update)

	if update.SourceAddress == nil {
		return
	}
	key := SourceKey{Source: *update.SourceAddress, FrameID: update.ID}
	se, ok := s.source.Get(key)
	if !ok {
		se = newFrameEntry(update.ID)
		s.source.Add(key, se)
	}
	mergeInto(se, update)
}

func newFrameEntry(id uint32) *frameEntry {
	return &frameEntry{
		frame:  domain.DecodedFrame{ID: id},
		sigIdx: make(map[string]int, 8),
	}
}

func mergeInto(e *frameEntry, u *domain.DecodedFrame) {
	f := &e.frame
	if u.Name != "" {
		f.Name = u.Name
	}
	f.Bytes = append(f.Bytes[:0], u.Bytes...)
	f.Selectors = append(f.Selectors[:0], u.Selectors...)
	f.LastSeen = u.LastSeen
	if u.SourceAddress != nil {
		f.SourceAddress = u.SourceAddress
	}
	f.Header = mergeHeader(f.Header, u.Header)
	for _, sig := range u.Signals {
		key := sig.MergeKey()
		if i, ok := e.sigIdx[key]; ok {
			f.Signals[i] = sig
			continue
		}
		e.sigIdx[key] = len(f.Signals)
		f.Signals = append(f.Signals, sig)
	}
}

func mergeHeader(dst, src []domain.HeaderFieldValue) []domain.HeaderFieldValue {
	for _, hv := range src {
		replaced := false
		for i := range dst {
			if dst[i].Name == hv.Name {
				dst[i] = hv
				replaced = true
				break
			}
		}
		if !replaced {
			dst = append(dst, hv)
		}
	}
	return dst
}

// AddUnmatched records a frame with no catalog definition. The payload is
// copied into the recycled ring slot.
func (s *Store) AddUnmatched(rec domain.UnmatchedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, dropped := s.unm.slot()
	keep := slot.Bytes
	*slot = rec
	slot.Bytes = append(keep[:0], rec.Bytes...)
	if dropped {
		s.evicted("unmatched")
	}
}

// AddFiltered records a matched frame excluded by policy.
func (s *Store) AddFiltered(rec domain.FilteredFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, dropped := s.fil.slot()
	keep := slot.Bytes
	*slot = rec
	slot.Bytes = append(keep[:0], rec.Bytes...)
	if dropped {
		s.evicted("filtered")
	}
}

// ObserveHeader accumulates distinct header-field values up to the
// per-field cap. Once a field is full, new values are ignored.
func (s *Store) ObserveHeader(vals []domain.HeaderFieldValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hv := range vals {
		sv, ok := s.headers[hv.Name]
		if !ok {
			sv = newSeenValues(s.caps.ValuesPerHeader)
			s.headers[hv.Name] = sv
		}
		sv.observe(hv)
	}
}

// Frame returns a copy of one retained frame without touching recency.
func (s *Store) Frame(id uint32) (domain.DecodedFrame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.frames.Peek(id)
	if !ok {
		return domain.DecodedFrame{}, false
	}
	return cloneFrame(&e.frame), true
}

// Frames returns copies of every retained frame, ordered by identifier.
func (s *Store) Frames() []domain.DecodedFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DecodedFrame, 0, s.frames.Len())
	for _, e := range s.frames.Values() {
		out = append(out, cloneFrame(&e.frame))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SourceAddresses returns every sender with retained per-source state.
func (s *Store) SourceAddresses() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[uint32]struct{}{}
	for _, k := range s.source.Keys() {
		seen[k.Source] = struct{}{}
	}
	out := make([]uint32, 0, len(seen))
	for src := range seen {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FramesBySource returns copies of one sender's frames, ordered by id.
func (s *Store) FramesBySource(src uint32) []domain.DecodedFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DecodedFrame
	for _, k := range s.source.Keys() {
		if k.Source != src {
			continue
		}
		if e, ok := s.source.Peek(k); ok {
			out = append(out, cloneFrame(&e.frame))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unmatched returns the retained unmatched frames, oldest first.
func (s *Store) Unmatched() []domain.UnmatchedFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.unm.snapshot()
	for i := range out {
		out[i].Bytes = append([]byte(nil), out[i].Bytes...)
	}
	return out
}

// Filtered returns the retained filtered frames, oldest first.
func (s *Store) Filtered() []domain.FilteredFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.fil.snapshot()
	for i := range out {
		out[i].Bytes = append([]byte(nil), out[i].Bytes...)
	}
	return out
}

// HeaderValues returns the seen-values catalog: per field name, the
// distinct values in first-seen order.
func (s *Store) HeaderValues() map[string][]domain.HeaderFieldValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]domain.HeaderFieldValue, len(s.headers))
	for name, sv := range s.headers {
		out[name] = append([]domain.HeaderFieldValue(nil), sv.order...)
	}
	return out
}

// Counts reports current container sizes.
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counts{
		Frames:       s.frames.Len(),
		SourceFrames: s.source.Len(),
		Unmatched:    s.unm.len(),
		Filtered:     s.fil.len(),
	}
}

// Version returns the monotonic change counter.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// BumpVersion advances the change counter after a batch of mutations and
// returns the new value.
func (s *Store) BumpVersion() uint64 {
	return s.version.Add(1)
}

// Reset discards all state and replaces the containers with fresh ones at
// their configured capacity. Used on profile switch and explicit clear.
func (s *Store) Reset() {
	s.mu.Lock()
	s.allocate()
	s.mu.Unlock()
	s.version.Add(1)
}

func cloneFrame(f *domain.DecodedFrame) domain.DecodedFrame {
	out := *f
	out.Signals = append([]domain.DecodedSignal(nil), f.Signals...)
	out.Bytes = append([]byte(nil), f.Bytes...)
	out.Header = append([]domain.HeaderFieldValue(nil), f.Header...)
	out.Selectors = append([]domain.MuxSelectorValue(nil), f.Selectors...)
	if f.SourceAddress != nil {
		v := *f.SourceAddress
		out.SourceAddress = &v
	}
	return out
}
