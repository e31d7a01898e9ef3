package scan

import (
	"bytes"
)

// Passes is the single predicate used by every scan and filter path, both
// in-memory and disk-backed. Semantics:
//
//	exact            new == pattern (byte equality)
//	range            min <= new <= max as dataType; NaN fails
//	greater_or_equal new >= pattern as dataType
//	less_than        new < pattern as dataType
//	changed          new != old (byte inequality)
//	unchanged        new == old (byte equality)
//	increased        new > old as dataType
//	decreased        new < old as dataType
//
// A buffer shorter than the type width is a hard false, never a panic.
// NaN never satisfies an ordered comparison.
func Passes(method FilterMethod, t DataType, newB, oldB, pattern, patternMax []byte) bool {
	switch method {
	case FilterExact:
		return len(newB) == len(pattern) && bytes.Equal(newB, pattern)

	case FilterRange:
		if isNaN(t, newB) {
			return false
		}
		lo, ok := compareValues(t, newB, pattern)
		if !ok || lo < 0 {
			return false
		}
		hi, ok := compareValues(t, newB, patternMax)
		return ok && hi <= 0

	case FilterGreaterOrEqual:
		cmp, ok := compareValues(t, newB, pattern)
		return ok && cmp >= 0

	case FilterLessThan:
		cmp, ok := compareValues(t, newB, pattern)
		return ok && cmp < 0

	case FilterChanged:
		return !bytes.Equal(newB, oldB)

	case FilterUnchanged:
		return bytes.Equal(newB, oldB)

	case FilterIncreased:
		cmp, ok := compareValues(t, newB, oldB)
		return ok && cmp > 0

	case FilterDecreased:
		cmp, ok := compareValues(t, newB, oldB)
		return ok && cmp < 0

	default:
		return false
	}
}

// matchMasked reports whether data matches pattern under mask, where a zero
// mask byte is a wildcard. Lengths of pattern and mask must agree; data may
// be longer.
func matchMasked(data, pattern, mask []byte) bool {
	if len(data) < len(pattern) {
		return false
	}
	for i := range pattern {
		if mask[i] == 0 {
			continue
		}
		if data[i]&mask[i] != pattern[i]&mask[i] {
			return false
		}
	}
	return true
}
