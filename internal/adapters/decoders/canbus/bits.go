package canbus

// extractBits reads length bits out of data starting at startBit. It
// reports false when the run extends past the payload, and the caller
// skips that field rather than zero-filling.
//
// Little endian counts positions upward from the LSB of byte zero. Big
// endian starts at the given bit and walks MSB-first, descending within a
// byte and wrapping to bit 7 of the next (DBC-style numbering).
func extractBits(data []byte, startBit, bitLength int, bigEndian bool) (uint64, bool) {
	if startBit < 0 || bitLength <= 0 || bitLength > 64 {
		return 0, false
	}
	if bigEndian {
		return extractBigEndian(data, startBit, bitLength)
	}
	return extractLittleEndian(data, startBit, bitLength)
}

func extractLittleEndian(data []byte, start, length int) (uint64, bool) {
	if (start+length+7)/8 > len(data) {
		return 0, false
	}
	var v uint64
	for i := 0; i < length; i++ {
		pos := start + i
		bit := (data[pos/8] >> uint(pos%8)) & 1
		v |= uint64(bit) << uint(i)
	}
	return v, true
}

func extractBigEndian(data []byte, start, length int) (uint64, bool) {
	byteIdx := start / 8
	bitIdx := start % 8
	var v uint64
	for i := 0; i < length; i++ {
		if byteIdx >= len(data) {
			return 0, false
		}
		v = v<<1 | uint64((data[byteIdx]>>uint(bitIdx))&1)
		if bitIdx == 0 {
			bitIdx = 7
			byteIdx++
		} else {
			bitIdx--
		}
	}
	return v, true
}

// signExtend reinterprets the low bits of v as a two's-complement value.
func signExtend(v uint64, bits int) int64 {
	if bits <= 0 || bits >= 64 {
		return int64(v)
	}
	if v&(1<<uint(bits-1)) != 0 {
		v |= ^uint64(0) << uint(bits)
	}
	return int64(v)
}

// byteSpan returns the inclusive payload byte range a bit run touches.
func byteSpan(startBit, bitLength int, bigEndian bool) (lo, hi int) {
	lo = startBit / 8
	if bigEndian {
		// MSB-first walk consumes startBit%8+1 bits of the first byte,
		// then whole bytes after it.
		rest := bitLength - (startBit%8 + 1)
		hi = lo
		if rest > 0 {
			hi += (rest + 7) / 8
		}
		return lo, hi
	}
	return lo, (startBit + bitLength - 1) / 8
}
