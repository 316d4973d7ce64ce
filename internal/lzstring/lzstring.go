package lzstring

import "unicode/utf16"

// Reserved codes in the compressed stream.
const (
	codeLiteral8  = 0
	codeLiteral16 = 1
	codeEnd       = 2
)

// resetValue is the bit mask for the most significant bit of a 16-bit unit.
const resetValue = 1 << 15

// DecompressFromUint8Array decodes a stream produced by lz-string's
// compressToUint8Array. Each pair of bytes forms one big-endian 16-bit unit;
// a trailing odd byte is ignored.
//
// Malformed input yields an empty string rather than an error.
func DecompressFromUint8Array(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	units := make([]uint16, len(data)/2)
	for i := range units {
		units[i] = uint16(data[i*2])<<8 | uint16(data[i*2+1])
	}
	return Decompress(units)
}

// Decompress decodes a sequence of 16-bit units holding a raw lz-string
// bit stream.
func Decompress(units []uint16) string {
	if len(units) == 0 {
		return ""
	}
	out, ok := decode(units)
	if !ok {
		return ""
	}
	return string(utf16.Decode(out))
}

// bitReader yields bits least-significant first within each code, taken from
// the units most-significant bit first. Reads past the end return zero bits.
type bitReader struct {
	units    []uint16
	val      uint16
	position uint16
	index    int
}

func newBitReader(units []uint16) *bitReader {
	return &bitReader{units: units, val: units[0], position: resetValue, index: 1}
}

func (r *bitReader) next(index int) uint16 {
	if index < len(r.units) {
		return r.units[index]
	}
	return 0
}

func (r *bitReader) read(numBits int) int {
	bits := 0
	for power := 0; power < numBits; power++ {
		resb := r.val & r.position
		r.position >>= 1
		if r.position == 0 {
			r.position = resetValue
			r.val = r.next(r.index)
			r.index++
		}
		if resb > 0 {
			bits |= 1 << power
		}
	}
	return bits
}

// exhausted reports whether the reader has moved beyond the input, which the
// reference decoder treats as a truncated stream.
func (r *bitReader) exhausted() bool {
	return r.index > len(r.units)
}

func decode(units []uint16) ([]uint16, bool) {
	r := newBitReader(units)

	// Entries 0..2 stand in for the reserved codes and are never looked up.
	dictionary := make([][]uint16, 3, 64)
	enlargeIn := 4
	numBits := 3

	var c []uint16
	switch r.read(2) {
	case codeLiteral8:
		c = []uint16{uint16(r.read(8))}
	case codeLiteral16:
		c = []uint16{uint16(r.read(16))}
	default:
		return nil, false
	}
	dictionary = append(dictionary, c)
	w := c
	result := append([]uint16(nil), c...)

	for {
		if r.exhausted() {
			return nil, false
		}

		code := r.read(numBits)
		switch code {
		case codeLiteral8:
			dictionary = append(dictionary, []uint16{uint16(r.read(8))})
			code = len(dictionary) - 1
			enlargeIn--
		case codeLiteral16:
			dictionary = append(dictionary, []uint16{uint16(r.read(16))})
			code = len(dictionary) - 1
			enlargeIn--
		case codeEnd:
			return result, true
		}

		if enlargeIn == 0 {
			enlargeIn = 1 << numBits
			numBits++
		}

		var entry []uint16
		switch {
		case code < len(dictionary):
			entry = dictionary[code]
		case code == len(dictionary):
			entry = append(append([]uint16(nil), w...), w[0])
		default:
			return nil, false
		}
		result = append(result, entry...)

		next := make([]uint16, len(w)+1)
		copy(next, w)
		next[len(w)] = entry[0]
		dictionary = append(dictionary, next)
		enlargeIn--

		w = entry

		if enlargeIn == 0 {
			enlargeIn = 1 << numBits
			numBits++
		}
	}
}
