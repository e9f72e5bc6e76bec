package canbus

import (
	"math/bits"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// extractHeader lifts the catalog's header fields out of one frame and
// returns the first field named as a source address, if any. Bus profiles
// slice the raw (pre-mask) identifier; serial profiles slice payload
// bytes. Fields whose byte range exceeds the payload are skipped.
func extractHeader(rawID uint32, data []byte, cat *domain.Catalog) ([]domain.HeaderFieldValue, *uint32) {
	if len(cat.HeaderFields) == 0 {
		return nil, nil
	}
	vals := make([]domain.HeaderFieldValue, 0, len(cat.HeaderFields))
	var src *uint32
	for _, f := range cat.HeaderFields {
		var raw uint64
		if cat.Protocol == domain.ProtocolSerial {
			v, ok := payloadField(data, f, cat.Order(f.ByteOrder))
			if !ok {
				continue
			}
			raw = v
		} else {
			raw = idField(rawID, f)
		}
		vals = append(vals, domain.HeaderFieldValue{
			Name:    f.Name,
			Value:   raw,
			Display: formatValue(raw, f.Format),
			Format:  f.Format,
		})
		if src == nil && f.IsSourceAddress() {
			s := uint32(raw)
			src = &s
		}
	}
	if len(vals) == 0 {
		return nil, src
	}
	return vals, src
}

func idField(id uint32, f domain.HeaderFieldDef) uint64 {
	v := uint64(id) & f.Mask
	shift := uint(bits.TrailingZeros64(f.Mask))
	if f.Shift != nil {
		shift = *f.Shift
	}
	if shift >= 64 {
		return 0
	}
	return v >> shift
}

func payloadField(data []byte, f domain.HeaderFieldDef, order domain.ByteOrder) (uint64, bool) {
	if f.ByteLength <= 0 || f.ByteLength > 8 || f.ByteOffset < 0 {
		return 0, false
	}
	if f.ByteOffset+f.ByteLength > len(data) {
		return 0, false
	}
	var v uint64
	chunk := data[f.ByteOffset : f.ByteOffset+f.ByteLength]
	if order == domain.ByteOrderBig {
		for _, b := range chunk {
			v = v<<8 | uint64(b)
		}
	} else {
		for i := len(chunk) - 1; i >= 0; i-- {
			v = v<<8 | uint64(chunk[i])
		}
	}
	if f.Mask != 0 {
		v &= f.Mask
	}
	return v, true
}
