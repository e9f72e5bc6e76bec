package domain

import (
	"strconv"
	"time"
)

// DecodedSignal is one extracted, scaled signal value.
type DecodedSignal struct {
	Name      string    `json:"name"`
	RawValue  int64     `json:"rawValue"`
	Value     float64   `json:"value"`
	Display   string    `json:"display,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Format    string    `json:"format,omitempty"`
	MuxValue  *uint64   `json:"muxValue,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// MergeKey is the stable identity used when folding a fresh decode into a
// retained frame. Multiplexed signals keep one slot per selector value, so
// values from inactive cases survive until that case recurs.
func (s DecodedSignal) MergeKey() string {
	if s.MuxValue != nil {
		return strconv.FormatUint(*s.MuxValue, 10) + ":" + s.Name
	}
	return s.Name
}

// MuxSelectorValue records a selector extraction, including selectors that
// matched no case.
type MuxSelectorValue struct {
	Name        string  `json:"name,omitempty"`
	Value       uint64  `json:"value"`
	MatchedCase *string `json:"matchedCase,omitempty"`
	StartBit    int     `json:"startBit"`
	BitLength   int     `json:"bitLength"`
}

// HeaderFieldValue is one extracted header field with its rendered form.
type HeaderFieldValue struct {
	Name    string `json:"name"`
	Value   uint64 `json:"value"`
	Display string `json:"display"`
	Format  string `json:"format,omitempty"`
}

// DecodedFrame is the retained, in-place-updated state for one identifier.
type DecodedFrame struct {
	ID            uint32             `json:"id"`
	Name          string             `json:"name,omitempty"`
	Signals       []DecodedSignal    `json:"signals"`
	Bytes         []byte             `json:"bytes"`
	Header        []HeaderFieldValue `json:"header,omitempty"`
	SourceAddress *uint32            `json:"sourceAddress,omitempty"`
	Selectors     []MuxSelectorValue `json:"selectors,omitempty"`
	LastSeen      time.Time          `json:"lastSeen"`
}

// UnmatchedFrame is a frame whose masked identifier had no definition.
type UnmatchedFrame struct {
	ID            uint32    `json:"id"`
	Bytes         []byte    `json:"bytes"`
	Timestamp     time.Time `json:"ts"`
	SourceAddress *uint32   `json:"sourceAddress,omitempty"`
}

// FilteredFrame is a matched frame excluded by an active filter.
type FilteredFrame struct {
	ID            uint32    `json:"id"`
	Bytes         []byte    `json:"bytes"`
	Timestamp     time.Time `json:"ts"`
	SourceAddress *uint32   `json:"sourceAddress,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// MirrorStatus is the current verdict for one mirror/source pairing.
// Valid stays nil until both sides have been observed inside the pairing
// window.
type MirrorStatus struct {
	MirrorID    uint32    `json:"mirrorId"`
	SourceID    uint32    `json:"sourceId"`
	Valid       *bool     `json:"valid"`
	Mismatched  []int     `json:"mismatched,omitempty"`
	Consecutive int       `json:"consecutive"`
	LastMirror  time.Time `json:"lastMirror,omitempty"`
	LastSource  time.Time `json:"lastSource,omitempty"`
}
