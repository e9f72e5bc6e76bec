package memory

import "github.com/Wired-Square/WireTAP-sub002/internal/domain"

// seenValues tracks the distinct values observed for one header field,
// capped so a field carrying effectively random payload cannot grow the
// catalog without bound. The first rendering of a value wins.
type seenValues struct {
	order []domain.HeaderFieldValue
	seen  map[uint64]struct{}
	cap   int
}

func newSeenValues(capacity int) *seenValues {
	return &seenValues{
		seen: make(map[uint64]struct{}, capacity),
		cap:  capacity,
	}
}

func (s *seenValues) observe(v domain.HeaderFieldValue) {
	if _, ok := s.seen[v.Value]; ok {
		return
	}
	if len(s.order) >= s.cap {
		return
	}
	s.seen[v.Value] = struct{}{}
	s.order = append(s.order, v)
}
