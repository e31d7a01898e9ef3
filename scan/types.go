// Package scan implements the incremental scan/filter engine: an initial
// parallel sweep of a target's address space for values or patterns,
// followed by repeated narrowing passes against fresh memory reads. Large
// "unknown value" candidate sets spill to compressed region dump files on
// disk; everything else lives in an in-memory candidate table keyed by
// scan id.
package scan

import (
	"fmt"
)

// DataType names the interpretation of candidate bytes
type DataType string

const (
	TypeInt8     DataType = "int8"
	TypeUint8    DataType = "uint8"
	TypeInt16    DataType = "int16"
	TypeUint16   DataType = "uint16"
	TypeInt32    DataType = "int32"
	TypeUint32   DataType = "uint32"
	TypeInt64    DataType = "int64"
	TypeUint64   DataType = "uint64"
	TypeFloat    DataType = "float"
	TypeDouble   DataType = "double"
	TypeBytes    DataType = "bytes"
	TypeString   DataType = "string"   // UTF-8
	TypeString16 DataType = "string16" // UTF-16 LE
	TypeRegex    DataType = "regex"
	TypeUnknown  DataType = "unknown"
)

// Width returns the fixed byte width of t, or 0 for variable-width types
// (bytes, strings, regex, unknown).
func (t DataType) Width() int {
	switch t {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat:
		return 4
	case TypeInt64, TypeUint64, TypeDouble:
		return 8
	default:
		return 0
	}
}

// IsNumeric reports whether t supports ordered comparisons
func (t DataType) IsNumeric() bool {
	return t.Width() > 0
}

// IsFloat reports whether t decodes to a floating point value
func (t DataType) IsFloat() bool {
	return t == TypeFloat || t == TypeDouble
}

func (t DataType) Valid() bool {
	switch t {
	case TypeInt8, TypeUint8, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeFloat, TypeDouble, TypeBytes, TypeString,
		TypeString16, TypeRegex, TypeUnknown:
		return true
	}
	return false
}

// FindType selects the initial scan comparison
type FindType string

const (
	FindExact          FindType = "exact"
	FindRange          FindType = "range"
	FindGreaterOrEqual FindType = "greater_or_equal"
	FindLessThan       FindType = "less_than"
	// FindUnknown tracks every aligned value; the type is not yet known and
	// the candidate set is narrowed by later filter passes.
	FindUnknown FindType = "unknown"
)

func (f FindType) Valid() bool {
	switch f {
	case FindExact, FindRange, FindGreaterOrEqual, FindLessThan, FindUnknown:
		return true
	}
	return false
}

// FilterMethod selects how a filter pass narrows an existing candidate set
type FilterMethod string

const (
	FilterExact          FilterMethod = "exact"
	FilterRange          FilterMethod = "range"
	FilterGreaterOrEqual FilterMethod = "greater_or_equal"
	FilterLessThan       FilterMethod = "less_than"
	FilterChanged        FilterMethod = "changed"
	FilterUnchanged      FilterMethod = "unchanged"
	FilterIncreased      FilterMethod = "increased"
	FilterDecreased      FilterMethod = "decreased"
)

func (m FilterMethod) Valid() bool {
	switch m {
	case FilterExact, FilterRange, FilterGreaterOrEqual, FilterLessThan,
		FilterChanged, FilterUnchanged, FilterIncreased, FilterDecreased:
		return true
	}
	return false
}

// needsPattern reports whether the method compares against a caller pattern
// rather than the previously stored value.
func (m FilterMethod) needsPattern() bool {
	switch m {
	case FilterExact, FilterRange, FilterGreaterOrEqual, FilterLessThan:
		return true
	}
	return false
}

// AddressRange is a half-open [Start, End) byte interval of the target's
// address space.
type AddressRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

func (r AddressRange) Size() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r AddressRange) String() string {
	return fmt.Sprintf("0x%X-0x%X", r.Start, r.End)
}

// Candidate is one surviving scan result: an address and the value bytes
// observed there on the most recent pass.
type Candidate struct {
	Address uint64
	Value   []byte
}

// ScanOptions describes an initial scan request
type ScanOptions struct {
	ScanID     string
	Ranges     []AddressRange
	DataType   DataType
	FindType   FindType
	Pattern    string // hex-encoded primary bound
	PatternMax string // hex-encoded range upper bound, FindRange only
	Mask       string // hex-encoded wildcard mask for bytes patterns (00 = any)
	Alignment  int    // 0 means the data type's width (or 1)
	DoSuspend  bool
	// KeepSuspended leaves the target stopped after the pass instead of
	// resuming it.
	KeepSuspended bool
}

// FilterOptions describes a narrowing pass over an existing scan
type FilterOptions struct {
	ScanID        string
	Method        FilterMethod
	DataType      DataType
	Pattern       string
	PatternMax    string
	DoSuspend     bool
	KeepSuspended bool
}
