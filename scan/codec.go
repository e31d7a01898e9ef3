package scan

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"unicode/utf16"
)

// The codec interprets raw byte spans as the scan data types. All decoding
// is little-endian. Float comparisons are NaN-aware: a NaN never orders
// against anything.

// decodePattern hex-decodes a caller-supplied pattern and converts it to
// the raw bytes the scanner matches: UTF-8 text for string, UTF-16 LE for
// string16, raw bytes otherwise. Fixed-width types must decode to exactly
// their width.
func decodePattern(t DataType, pattern string) ([]byte, error) {
	raw, err := hex.DecodeString(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	switch t {
	case TypeString16:
		return encodeUTF16LE(string(raw)), nil
	case TypeBytes, TypeString, TypeRegex:
		return raw, nil
	default:
		if w := t.Width(); w > 0 && len(raw) != w {
			return nil, fmt.Errorf("%w: %s pattern must be %d bytes, got %d", ErrInvalidPattern, t, w, len(raw))
		}
		return raw, nil
	}
}

// encodeUTF16LE converts UTF-8 text to its UTF-16 little-endian bytes
func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}

// decodeInt sign-extends a little-endian signed integer of width w
func decodeInt(b []byte, w int) int64 {
	switch w {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return int64(binary.LittleEndian.Uint64(b))
	}
}

// decodeUint reads a little-endian unsigned integer of width w
func decodeUint(b []byte, w int) uint64 {
	switch w {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

// compareValues decodes a and b as t and returns their ordering
// (-1, 0, +1). ok is false when either buffer is shorter than the type
// width or either float decodes to NaN; such values never order.
func compareValues(t DataType, a, b []byte) (cmp int, ok bool) {
	w := t.Width()
	if w == 0 || len(a) < w || len(b) < w {
		return 0, false
	}

	switch t {
	case TypeFloat:
		fa := math.Float32frombits(binary.LittleEndian.Uint32(a))
		fb := math.Float32frombits(binary.LittleEndian.Uint32(b))
		if fa != fa || fb != fb { // NaN
			return 0, false
		}
		return cmpFloat(float64(fa), float64(fb)), true

	case TypeDouble:
		fa := math.Float64frombits(binary.LittleEndian.Uint64(a))
		fb := math.Float64frombits(binary.LittleEndian.Uint64(b))
		if math.IsNaN(fa) || math.IsNaN(fb) {
			return 0, false
		}
		return cmpFloat(fa, fb), true

	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		va, vb := decodeInt(a, w), decodeInt(b, w)
		return cmpOrdered(va, vb), true

	default: // unsigned
		va, vb := decodeUint(a, w), decodeUint(b, w)
		return cmpOrdered(va, vb), true
	}
}

// isNaN reports whether b decodes to a NaN under t. Non-float types are
// never NaN. A short buffer reports true so range checks reject it.
func isNaN(t DataType, b []byte) bool {
	switch t {
	case TypeFloat:
		if len(b) < 4 {
			return true
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(b))
		return f != f
	case TypeDouble:
		if len(b) < 8 {
			return true
		}
		return math.IsNaN(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	default:
		return false
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpOrdered[T int64 | uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// FormatValue renders value bytes for display as the given type; falls back
// to hex for variable-width types.
func FormatValue(t DataType, b []byte) string {
	w := t.Width()
	if w == 0 || len(b) < w {
		return hex.EncodeToString(b)
	}
	switch t {
	case TypeFloat:
		return fmt.Sprintf("%g", math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case TypeDouble:
		return fmt.Sprintf("%g", math.Float64frombits(binary.LittleEndian.Uint64(b)))
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return fmt.Sprintf("%d", decodeInt(b, w))
	default:
		return fmt.Sprintf("%d", decodeUint(b, w))
	}
}
