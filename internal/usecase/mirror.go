package usecase

import (
	"sort"
	"sync"
	"time"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// MirrorConfig tunes cross-validation of mirror frames.
type MirrorConfig struct {
	// DefaultFuzzWindow pairs sightings when the frame declares no
	// interval of its own; declared intervals use interval*2.
	DefaultFuzzWindow time.Duration
	// MismatchThreshold is the consecutive-mismatch count needed before
	// validity flips to false. Matching once resets the streak.
	MismatchThreshold int
}

func (c MirrorConfig) normalized() MirrorConfig {
	if c.DefaultFuzzWindow <= 0 {
		c.DefaultFuzzWindow = 500 * time.Millisecond
	}
	if c.MismatchThreshold <= 0 {
		c.MismatchThreshold = 3
	}
	return c
}

// MirrorValidator cross-checks each mirror frame's inherited bytes
// against its declared source. Entries live for the lifetime of the
// catalog, bounded by its size, and are rebuilt on profile switch.
type MirrorValidator struct {
	cfg    MirrorConfig
	onFlip func() // invoked when a pairing first crosses into Mismatch

	mu       sync.Mutex
	byMirror map[uint32]*mirrorEntry
	bySource map[uint32][]*mirrorEntry
}

type mirrorEntry struct {
	mirrorID  uint32
	sourceID  uint32
	inherited []int
	fuzz      time.Duration

	mirrorBytes []byte
	sourceBytes []byte
	mirrorSeen  time.Time
	sourceSeen  time.Time
	mirrorOK    bool
	sourceOK    bool

	mismatched  []int
	consecutive int
	valid       *bool
}

// NewMirrorValidator builds entries for every mirror definition in the
// catalog. dec supplies the inherited byte indices; onFlip, if non-nil,
// fires each time a pairing crosses into Mismatch.
func NewMirrorValidator(cat *domain.Catalog, dec Decoder, cfg MirrorConfig, onFlip func()) *MirrorValidator {
	v := &MirrorValidator{cfg: cfg.normalized(), onFlip: onFlip}
	v.rebuild(cat, dec)
	return v
}

// Reset rebuilds all entries for a new catalog, dropping prior state.
func (v *MirrorValidator) Reset(cat *domain.Catalog, dec Decoder) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rebuildLocked(cat, dec)
}

func (v *MirrorValidator) rebuild(cat *domain.Catalog, dec Decoder) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rebuildLocked(cat, dec)
}

func (v *MirrorValidator) rebuildLocked(cat *domain.Catalog, dec Decoder) {
	v.byMirror = make(map[uint32]*mirrorEntry)
	v.bySource = make(map[uint32][]*mirrorEntry)
	if cat == nil {
		return
	}
	for _, def := range cat.MirrorDefs() {
		fuzz := v.cfg.DefaultFuzzWindow
		if def.IntervalMs > 0 {
			fuzz = 2 * time.Duration(def.IntervalMs) * time.Millisecond
		}
		e := &mirrorEntry{
			mirrorID:  def.ID,
			sourceID:  *def.MirrorOf,
			inherited: dec.InheritedBytes(def),
			fuzz:      fuzz,
		}
		v.byMirror[def.ID] = e
		v.bySource[e.sourceID] = append(v.bySource[e.sourceID], e)
	}
}

// Observe feeds one decoded frame's bytes into every pairing it belongs
// to. A frame that is a source for several mirrors fans out to each
// entry independently.
func (v *MirrorValidator) Observe(frameID uint32, data []byte, ts time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e, ok := v.byMirror[frameID]; ok {
		e.mirrorBytes = append(e.mirrorBytes[:0], data...)
		e.mirrorSeen = ts
		e.mirrorOK = true
		v.compare(e)
	}
	for _, e := range v.bySource[frameID] {
		e.sourceBytes = append(e.sourceBytes[:0], data...)
		e.sourceSeen = ts
		e.sourceOK = true
		v.compare(e)
	}
}

func (v *MirrorValidator) compare(e *mirrorEntry) {
	if !e.mirrorOK || !e.sourceOK {
		return
	}
	delta := e.mirrorSeen.Sub(e.sourceSeen)
	if delta < 0 {
		delta = -delta
	}
	// stale pairings never invalidate an earlier verdict
	if delta > e.fuzz {
		return
	}

	e.mismatched = e.mismatched[:0]
	for _, idx := range e.inherited {
		if idx >= len(e.mirrorBytes) || idx >= len(e.sourceBytes) {
			continue
		}
		if e.mirrorBytes[idx] != e.sourceBytes[idx] {
			e.mismatched = append(e.mismatched, idx)
		}
	}

	if len(e.mismatched) == 0 {
		e.consecutive = 0
		e.valid = boolPtr(true)
		return
	}
	e.consecutive++
	if e.consecutive >= v.cfg.MismatchThreshold {
		if e.valid == nil || *e.valid {
			if v.onFlip != nil {
				v.onFlip()
			}
		}
		e.valid = boolPtr(false)
	}
}

// Status snapshots every pairing, ordered by mirror id.
func (v *MirrorValidator) Status() []domain.MirrorStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.MirrorStatus, 0, len(v.byMirror))
	for _, e := range v.byMirror {
		st := domain.MirrorStatus{
			MirrorID:    e.mirrorID,
			SourceID:    e.sourceID,
			Consecutive: e.consecutive,
			LastMirror:  e.mirrorSeen,
			LastSource:  e.sourceSeen,
		}
		if e.valid != nil {
			st.Valid = boolPtr(*e.valid)
		}
		if len(e.mismatched) > 0 {
			st.Mismatched = append([]int(nil), e.mismatched...)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MirrorID < out[j].MirrorID })
	return out
}

func boolPtr(b bool) *bool { return &b }
