// Package canbus decodes raw bus and framed-serial payloads against a
// signal catalog: identifier masking, header field extraction, bit-level
// signal extraction and recursive multiplexing.
package canbus

import (
	"sort"
	"strconv"
	"time"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// Result is the outcome of decoding a single frame.
type Result struct {
	RawID         uint32
	FrameID       uint32 // identifier after the catalog mask
	Def           *domain.FrameDef
	Header        []domain.HeaderFieldValue
	SourceAddress *uint32
	Signals       []domain.DecodedSignal
	Selectors     []domain.MuxSelectorValue
}

// Matched reports whether the masked identifier had a catalog definition.
func (r Result) Matched() bool { return r.Def != nil }

// Decode runs one frame through the catalog. Header fields are extracted
// from the raw identifier (or payload, for serial profiles) whether or not
// the frame matches a definition; signals and muxes only apply on a match.
func Decode(rawID uint32, data []byte, ts time.Time, cat *domain.Catalog) Result {
	res := Result{RawID: rawID, FrameID: cat.MaskID(rawID)}
	res.Header, res.SourceAddress = DecodeHeader(rawID, data, cat)

	def := cat.Lookup(res.FrameID)
	if def == nil {
		return res
	}
	res.Def = def
	res.Signals, res.Selectors = DecodeBody(def, data, ts, cat)
	return res
}

// DecodeHeader extracts only the header fields and source address. Callers
// classifying frames as filtered use this to avoid decoding bodies that
// will be discarded.
func DecodeHeader(rawID uint32, data []byte, cat *domain.Catalog) ([]domain.HeaderFieldValue, *uint32) {
	return extractHeader(rawID, data, cat)
}

// DecodeBody decodes the plain signals and the mux tree of one matched
// definition.
func DecodeBody(def *domain.FrameDef, data []byte, ts time.Time, cat *domain.Catalog) ([]domain.DecodedSignal, []domain.MuxSelectorValue) {
	var res Result
	for _, sig := range def.Signals {
		if ds, ok := decodeSignal(sig, data, ts, cat, nil); ok {
			res.Signals = append(res.Signals, ds)
		}
	}
	if def.Mux != nil {
		decodeMux(def.Mux, data, ts, cat, &res)
	}
	return res.Signals, res.Selectors
}

// decodeMux extracts a selector, records it, and decodes the signals of
// the matching case. Nested muxes recurse; their signals carry the inner
// selector's value.
func decodeMux(mux *domain.MuxDef, data []byte, ts time.Time, cat *domain.Catalog, res *Result) {
	big := cat.Order(mux.ByteOrder) == domain.ByteOrderBig
	raw, ok := extractBits(data, mux.StartBit, mux.BitLength, big)
	if !ok {
		return
	}
	sel := domain.MuxSelectorValue{
		Name:      mux.Name,
		Value:     raw,
		StartBit:  mux.StartBit,
		BitLength: mux.BitLength,
	}
	c := matchCase(mux.Cases, raw)
	if c == nil {
		res.Selectors = append(res.Selectors, sel)
		return
	}
	sel.MatchedCase = &c.Key
	res.Selectors = append(res.Selectors, sel)

	for _, sig := range c.Signals {
		if ds, ok := decodeSignal(sig, data, ts, cat, &raw); ok {
			res.Signals = append(res.Signals, ds)
		}
	}
	if c.Mux != nil {
		decodeMux(c.Mux, data, ts, cat, res)
	}
}

func decodeSignal(def domain.SignalDef, data []byte, ts time.Time, cat *domain.Catalog, muxVal *uint64) (domain.DecodedSignal, bool) {
	big := cat.Order(def.ByteOrder) == domain.ByteOrderBig
	raw, ok := extractBits(data, def.StartBit, def.BitLength, big)
	if !ok {
		return domain.DecodedSignal{}, false
	}

	rawVal := int64(raw)
	if def.Signed {
		rawVal = signExtend(raw, def.BitLength)
	}
	factor := def.Factor
	if factor == 0 {
		factor = 1
	}
	value := float64(rawVal)*factor + def.Offset

	ds := domain.DecodedSignal{
		Name:      def.Name,
		RawValue:  rawVal,
		Value:     value,
		Unit:      def.Unit,
		Format:    def.Format,
		Timestamp: ts,
	}
	if muxVal != nil {
		mv := *muxVal
		ds.MuxValue = &mv
	}
	if label, ok := def.Enum[raw]; ok {
		ds.Display = label
	} else {
		ds.Display = displaySignal(raw, value, def.Format)
	}
	return ds, true
}

func displaySignal(raw uint64, value float64, format string) string {
	switch format {
	case "hex":
		return "0x" + strconv.FormatUint(raw, 16)
	case "binary":
		return "0b" + strconv.FormatUint(raw, 2)
	default:
		return strconv.FormatFloat(value, 'g', -1, 64)
	}
}

func formatValue(raw uint64, format string) string {
	switch format {
	case "hex":
		return "0x" + strconv.FormatUint(raw, 16)
	case "binary":
		return "0b" + strconv.FormatUint(raw, 2)
	default:
		return strconv.FormatUint(raw, 10)
	}
}

// InheritedBytes returns the sorted payload byte indices covered by a
// definition's inherited signals, including those inside mux cases. Mirror
// validation compares only these bytes.
func InheritedBytes(def *domain.FrameDef, cat *domain.Catalog) []int {
	seen := map[int]struct{}{}
	collectInherited(def.Signals, cat, seen)
	collectInheritedMux(def.Mux, cat, seen)
	if len(seen) == 0 {
		return nil
	}
	out := make([]int, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func collectInherited(sigs []domain.SignalDef, cat *domain.Catalog, seen map[int]struct{}) {
	for _, s := range sigs {
		if !s.Inherited {
			continue
		}
		big := cat.Order(s.ByteOrder) == domain.ByteOrderBig
		lo, hi := byteSpan(s.StartBit, s.BitLength, big)
		for i := lo; i <= hi; i++ {
			seen[i] = struct{}{}
		}
	}
}

func collectInheritedMux(mux *domain.MuxDef, cat *domain.Catalog, seen map[int]struct{}) {
	if mux == nil {
		return
	}
	for _, c := range mux.Cases {
		collectInherited(c.Signals, cat, seen)
		collectInheritedMux(c.Mux, cat, seen)
	}
}

