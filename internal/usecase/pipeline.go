package usecase

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
	"github.com/Wired-Square/WireTAP-sub002/internal/infrastructure/observability"
)

// FrameFilter reports whether a matched definition is excluded by policy,
// and why. Filtered frames are recorded but never decoded.
type FrameFilter func(frameID uint32, def *domain.FrameDef) (reason string, exclude bool)

// Pipeline drains throttled frame batches into decoded state: header
// extraction, classification, body decode, store merge and mirror
// cross-check, then one version bump per batch.
type Pipeline struct {
	log     *zerolog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	dec      Decoder
	store    StateStore
	mirrors  *MirrorValidator
	filter   FrameFilter
	onUpdate func(version uint64)
}

func NewPipeline(dec Decoder, store StateStore, mirrors *MirrorValidator, log *zerolog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		log:     log,
		metrics: metrics,
		dec:     dec,
		store:   store,
		mirrors: mirrors,
	}
}

// SetFilter installs or clears the exclusion policy.
func (p *Pipeline) SetFilter(f FrameFilter) {
	p.mu.Lock()
	p.filter = f
	p.mu.Unlock()
}

// OnUpdate registers the change hook invoked with the store version after
// each processed batch. It runs outside the pipeline lock.
func (p *Pipeline) OnUpdate(fn func(version uint64)) {
	p.mu.Lock()
	p.onUpdate = fn
	p.mu.Unlock()
}

// Callbacks returns the listener callback set that feeds this pipeline.
func (p *Pipeline) Callbacks() ListenerCallbacks {
	return ListenerCallbacks{OnFrames: p.HandleFrames}
}

// Mirrors exposes the validator for status reads.
func (p *Pipeline) Mirrors() *MirrorValidator {
	return p.mirrors
}

// HandleFrames processes one delivered batch. Batches from concurrent
// session flushes serialize here; within a batch, frames keep arrival
// order.
func (p *Pipeline) HandleFrames(frames []domain.Frame) {
	if len(frames) == 0 {
		return
	}
	p.mu.Lock()
	for i := range frames {
		p.handleFrame(&frames[i])
	}
	version := p.store.BumpVersion()
	onUpdate := p.onUpdate
	p.mu.Unlock()

	p.metrics.BatchesFlushed.Inc()
	if onUpdate != nil {
		onUpdate(version)
	}
}

func (p *Pipeline) handleFrame(f *domain.Frame) {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	header, src := p.dec.DecodeHeader(f.ID, f.Data)
	if src == nil {
		src = f.SourceAddress
	}
	if len(header) > 0 {
		p.store.ObserveHeader(header)
	}

	frameID, def := p.dec.Lookup(f.ID)
	if def == nil {
		p.store.AddUnmatched(domain.UnmatchedFrame{
			ID:            frameID,
			Bytes:         f.Data,
			Timestamp:     ts,
			SourceAddress: src,
		})
		p.metrics.FramesTotal.WithLabelValues("unmatched").Inc()
		return
	}

	if p.filter != nil {
		if reason, drop := p.filter(frameID, def); drop {
			p.store.AddFiltered(domain.FilteredFrame{
				ID:            frameID,
				Bytes:         f.Data,
				Timestamp:     ts,
				SourceAddress: src,
				Reason:        reason,
			})
			p.metrics.FramesTotal.WithLabelValues("filtered").Inc()
			return
		}
	}

	signals, selectors := p.dec.DecodeBody(def, f.Data, ts)
	p.store.Merge(&domain.DecodedFrame{
		ID:            frameID,
		Name:          def.Name,
		Signals:       signals,
		Bytes:         f.Data,
		Header:        header,
		SourceAddress: src,
		Selectors:     selectors,
		LastSeen:      ts,
	})
	p.mirrors.Observe(frameID, f.Data, ts)
	p.metrics.FramesTotal.WithLabelValues("decoded").Inc()
}

// Reset swaps in a new catalog: decoded state is cleared and mirror
// entries rebuilt. This is the one place full container replacement is
// paid for.
func (p *Pipeline) Reset(cat *domain.Catalog, dec Decoder) {
	p.mu.Lock()
	p.dec = dec
	p.store.Reset()
	p.mirrors.Reset(cat, dec)
	p.mu.Unlock()
	p.log.Info().Str("catalog", cat.Name).Msg("pipeline reset for new catalog")
}
