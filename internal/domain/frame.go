package domain

import "time"

// Frame is one unit of bus traffic as delivered by the capture backend:
// an identifier plus up to a handful of payload bytes. For framed serial
// captures the identifier is whatever the backend's framer extracted.
type Frame struct {
	ID            uint32    `json:"id"`
	Data          []byte    `json:"data"`
	Timestamp     time.Time `json:"ts"`
	Bus           string    `json:"bus,omitempty"`
	SourceAddress *uint32   `json:"sourceAddress,omitempty"`
}

// RawChunk is an undecoded byte run from a serial capture with raw
// passthrough enabled.
type RawChunk struct {
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"ts"`
}
