package domain

import (
	"strings"
	"sync"
)

// ByteOrder selects the bit-walk direction for signal extraction.
type ByteOrder string

const (
	ByteOrderLittle ByteOrder = "little"
	ByteOrderBig    ByteOrder = "big"
)

// Protocol identifies how identifiers and header fields are laid out.
type Protocol string

const (
	ProtocolCAN    Protocol = "can"
	ProtocolSerial Protocol = "serial"
)

// Catalog is the parsed frame/signal definition set for one profile. The
// engine consumes it as data; authoring and file-format concerns live in
// the catalog tooling.
type Catalog struct {
	Name             string           `json:"name"`
	Protocol         Protocol         `json:"protocol"`
	DefaultByteOrder ByteOrder        `json:"defaultByteOrder,omitempty"`
	IDMask           uint32           `json:"idMask,omitempty"`
	HeaderFields     []HeaderFieldDef `json:"headerFields,omitempty"`
	Frames           []*FrameDef      `json:"frames"`

	once    sync.Once
	byID    map[uint32]*FrameDef
	mirrors map[uint32][]*FrameDef
}

// FrameDef describes one frame identifier. The ID is stored post-mask.
type FrameDef struct {
	ID         uint32      `json:"id"`
	Name       string      `json:"name"`
	IntervalMs int         `json:"intervalMs,omitempty"`
	MirrorOf   *uint32     `json:"mirrorOf,omitempty"`
	Signals    []SignalDef `json:"signals,omitempty"`
	Mux        *MuxDef     `json:"mux,omitempty"`
}

// SignalDef is a bit-addressed value inside a frame payload. A zero Factor
// is treated as 1 so sparse catalogs stay terse.
type SignalDef struct {
	Name      string            `json:"name"`
	StartBit  int               `json:"startBit"`
	BitLength int               `json:"bitLength"`
	ByteOrder ByteOrder         `json:"byteOrder,omitempty"`
	Signed    bool              `json:"signed,omitempty"`
	Factor    float64           `json:"factor,omitempty"`
	Offset    float64           `json:"offset,omitempty"`
	Unit      string            `json:"unit,omitempty"`
	Format    string            `json:"format,omitempty"` // "hex" | "binary" | "" for decimal
	Enum      map[uint64]string `json:"enum,omitempty"`
	Inherited bool              `json:"inherited,omitempty"`
}

// MuxDef is a selector field plus the cases it switches between. Cases may
// nest further muxes.
type MuxDef struct {
	Name      string    `json:"name,omitempty"`
	StartBit  int       `json:"startBit"`
	BitLength int       `json:"bitLength"`
	ByteOrder ByteOrder `json:"byteOrder,omitempty"`
	Cases     []MuxCase `json:"cases"`
}

// MuxCase keys accept single values, comma lists and inclusive ranges:
// "5", "1,3,7", "0-3", "0x10-0x1f".
type MuxCase struct {
	Key     string      `json:"key"`
	Signals []SignalDef `json:"signals,omitempty"`
	Mux     *MuxDef     `json:"mux,omitempty"`
}

// HeaderFieldDef names a slice of the frame header. On CAN profiles the
// value comes from the raw identifier via Mask and Shift; on serial
// profiles it comes from a payload byte range, masked afterwards.
type HeaderFieldDef struct {
	Name   string `json:"name"`
	Format string `json:"format,omitempty"`

	Mask  uint64 `json:"mask,omitempty"`
	Shift *uint  `json:"shift,omitempty"` // nil: trailing-zero count of Mask

	ByteOffset int       `json:"byteOffset,omitempty"`
	ByteLength int       `json:"byteLength,omitempty"`
	ByteOrder  ByteOrder `json:"byteOrder,omitempty"`
}

var sourceAddressNames = map[string]struct{}{
	"sa":             {},
	"src":            {},
	"source":         {},
	"sourceaddress":  {},
	"source_address": {},
	"source address": {},
}

// IsSourceAddress reports whether this header field carries the sender
// address, matched by conventional field names.
func (f HeaderFieldDef) IsSourceAddress() bool {
	_, ok := sourceAddressNames[strings.ToLower(f.Name)]
	return ok
}

// MaskID collapses a raw identifier onto its catalog lookup key.
func (c *Catalog) MaskID(id uint32) uint32 {
	if c.IDMask != 0 {
		return id & c.IDMask
	}
	return id
}

// Lookup returns the definition for a masked identifier, or nil. When a
// mask collapses several definitions onto one key the first one listed
// wins, so repeated lookups stay deterministic.
func (c *Catalog) Lookup(id uint32) *FrameDef {
	c.once.Do(c.buildIndex)
	return c.byID[id]
}

// MirrorsOf returns every definition declaring sourceID as its origin.
func (c *Catalog) MirrorsOf(sourceID uint32) []*FrameDef {
	c.once.Do(c.buildIndex)
	return c.mirrors[sourceID]
}

// MirrorDefs returns every definition that mirrors another frame.
func (c *Catalog) MirrorDefs() []*FrameDef {
	c.once.Do(c.buildIndex)
	var out []*FrameDef
	for _, def := range c.Frames {
		if def.MirrorOf != nil {
			out = append(out, def)
		}
	}
	return out
}

func (c *Catalog) buildIndex() {
	c.byID = make(map[uint32]*FrameDef, len(c.Frames))
	c.mirrors = make(map[uint32][]*FrameDef)
	for _, def := range c.Frames {
		if _, taken := c.byID[def.ID]; !taken {
			c.byID[def.ID] = def
		}
		if def.MirrorOf != nil {
			c.mirrors[*def.MirrorOf] = append(c.mirrors[*def.MirrorOf], def)
		}
	}
}

// Order resolves a per-signal byte order against the catalog default.
func (c *Catalog) Order(o ByteOrder) ByteOrder {
	if o != "" {
		return o
	}
	if c.DefaultByteOrder != "" {
		return c.DefaultByteOrder
	}
	return ByteOrderLittle
}
