package usecase

import (
	"time"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// Decoder is the catalog-bound signal decoder port. Implementations are
// pure over (frame, catalog) and safe for concurrent use.
type Decoder interface {
	// Lookup masks the raw identifier and resolves its definition, nil
	// when the catalog has none.
	Lookup(rawID uint32) (frameID uint32, def *domain.FrameDef)
	// DecodeHeader extracts header fields and the source address without
	// decoding the body.
	DecodeHeader(rawID uint32, data []byte) ([]domain.HeaderFieldValue, *uint32)
	// DecodeBody extracts plain and multiplexed signals of a matched
	// definition.
	DecodeBody(def *domain.FrameDef, data []byte, ts time.Time) ([]domain.DecodedSignal, []domain.MuxSelectorValue)
	// InheritedBytes lists the payload byte indices a mirror definition
	// inherits from its source.
	InheritedBytes(def *domain.FrameDef) []int
}

// StateStore is the bounded, mutate-in-place sink for decoded state.
type StateStore interface {
	Merge(update *domain.DecodedFrame)
	AddUnmatched(rec domain.UnmatchedFrame)
	AddFiltered(rec domain.FilteredFrame)
	ObserveHeader(vals []domain.HeaderFieldValue)
	BumpVersion() uint64
	Reset()
}
