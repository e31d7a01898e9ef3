package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscan/process"
	"memscan/process/proctest"
)

// scanExact runs a synchronous exact scan and returns the engine
func scanExact(t *testing.T, fb *proctest.FakeBackend, mem []byte, dt DataType, pattern string) *Engine {
	t.Helper()
	e := newTestEngine(t, fb, testConfig())
	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: dt,
		FindType: FindExact,
		Pattern:  pattern,
	}))
	waitDone(t, e.Registry(), "s1")
	return e
}

func runFilterPass(t *testing.T, e *Engine, opts FilterOptions) Progress {
	t.Helper()
	key, err := e.StartFilter(opts)
	require.NoError(t, err)
	return waitDone(t, e.Registry(), key)
}

func TestFilterRangeNarrows(t *testing.T) {
	mem := make([]byte, 4096)
	mem[8] = 0x18
	mem[9] = 0x30

	fb := proctest.New(testBase, mem)
	e := newTestEngine(t, fb, testConfig())

	// Catch both values first, then narrow by range
	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: TypeUint8,
		FindType: FindGreaterOrEqual,
		Pattern:  "01",
	}))
	waitDone(t, e.Registry(), "s1")

	_, total, err := e.Registry().LookupResults("s1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(2), total)

	p := runFilterPass(t, e, FilterOptions{
		ScanID:     "s1",
		Method:     FilterRange,
		DataType:   TypeUint8,
		Pattern:    "10",
		PatternMax: "20",
	})
	assert.Equal(t, "complete", p.Phase)

	results, total, err := e.Registry().LookupResults("s1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), total)
	assert.Equal(t, testBase+8, results[0].Address)
	assert.Equal(t, []byte{0x18}, results[0].Value)
}

func TestFilterIncreased(t *testing.T) {
	mem := make([]byte, 4096)
	putUint32(mem, 16, 10)
	putUint32(mem, 64, 10)

	fb := proctest.New(testBase, mem)
	e := scanExact(t, fb, mem, TypeUint32, "0a000000")

	_, total, err := e.Registry().LookupResults("s1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(2), total)

	// One candidate grows, the other stays put
	fb.Poke(testBase+16, u32le(20))

	runFilterPass(t, e, FilterOptions{ScanID: "s1", Method: FilterIncreased, DataType: TypeUint32})

	results, total, err := e.Registry().LookupResults("s1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), total)
	assert.Equal(t, testBase+16, results[0].Address)
	// The stored value is refreshed to the new reading
	assert.Equal(t, u32le(20), results[0].Value)

	// Unchanged since the last pass keeps it; decreased drops it
	p := runFilterPass(t, e, FilterOptions{ScanID: "s1", Method: FilterUnchanged, DataType: TypeUint32})
	assert.Equal(t, "complete", p.Phase)
	_, total, _ = e.Registry().LookupResults("s1", 0, 10)
	assert.Equal(t, uint64(1), total)

	runFilterPass(t, e, FilterOptions{ScanID: "s1", Method: FilterDecreased, DataType: TypeUint32})
	_, total, _ = e.Registry().LookupResults("s1", 0, 10)
	assert.Equal(t, uint64(0), total)
}

func TestFilterNeverAddsAddresses(t *testing.T) {
	mem := make([]byte, 4096)
	mem[100] = 0x42
	mem[200] = 0x42
	mem[300] = 0x42

	fb := proctest.New(testBase, mem)
	e := scanExact(t, fb, mem, TypeUint8, "42")

	before, total, err := e.Registry().LookupResults("s1", 0, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(3), total)

	// A new occurrence appears after the scan; filtering must not pick it up
	fb.Poke(testBase+400, []byte{0x42})
	beforeAddrs := resultAddrs(before)

	runFilterPass(t, e, FilterOptions{ScanID: "s1", Method: FilterExact, DataType: TypeUint8, Pattern: "42"})

	after, total, err := e.Registry().LookupResults("s1", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), total)
	assert.Subset(t, beforeAddrs, resultAddrs(after))
}

func TestFilterDropsUnreadableCandidates(t *testing.T) {
	mem := make([]byte, 4096)
	mem[100] = 0x42
	mem[200] = 0x42

	fb := proctest.New(testBase, mem)
	e := scanExact(t, fb, mem, TypeUint8, "42")

	fb.FailAt[testBase+200] = true

	runFilterPass(t, e, FilterOptions{ScanID: "s1", Method: FilterUnchanged, DataType: TypeUint8})

	results, total, err := e.Registry().LookupResults("s1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), total)
	assert.Equal(t, testBase+100, results[0].Address)
}

func TestFilterValidation(t *testing.T) {
	mem := make([]byte, 64)
	fb := proctest.New(testBase, mem)
	e := newTestEngine(t, fb, testConfig())

	_, err := e.StartFilter(FilterOptions{ScanID: "nope", Method: FilterExact, DataType: TypeUint8, Pattern: "00"})
	assert.ErrorIs(t, err, ErrScanNotFound)

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: TypeUint8,
		FindType: FindExact,
		Pattern:  "00",
	}))
	waitDone(t, e.Registry(), "s1")

	_, err = e.StartFilter(FilterOptions{ScanID: "s1", Method: FilterExact, DataType: TypeUint8, Pattern: "xx"})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = e.StartFilter(FilterOptions{ScanID: "s1", Method: "sideways", DataType: TypeUint8, Pattern: "00"})
	assert.Error(t, err)

	_, err = e.StartFilter(FilterOptions{ScanID: "s1", Method: FilterExact, DataType: TypeUnknown, Pattern: "00"})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = e.StartFilter(FilterOptions{ScanID: "s1", Method: FilterRange, DataType: TypeUint8, Pattern: "10", PatternMax: ""})
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

// gatedBackend holds every read until the gate opens, pinning a pass
// in its read phase.
type gatedBackend struct {
	process.Backend
	gate chan struct{}
}

func (b *gatedBackend) ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	<-b.gate
	return b.Backend.ReadMemory(addr, size)
}

func TestFilterWhilePassRunning(t *testing.T) {
	mem := make([]byte, 4096)
	gate := make(chan struct{})
	backend := &gatedBackend{Backend: proctest.New(testBase, mem), gate: gate}

	reg := NewRegistry(t.TempDir())
	e := NewEngine(backend, reg, testConfig())

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: TypeUint8,
		FindType: FindExact,
		Pattern:  "2a",
	}))

	// The scan is stuck reading; a filter on the same id must refuse
	_, err := e.StartFilter(FilterOptions{ScanID: "s1", Method: FilterExact, DataType: TypeUint8, Pattern: "2a"})
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(gate)
	p := waitDone(t, reg, "s1")
	assert.Equal(t, "complete", p.Phase)

	// Once the pass settles the same request goes through
	key, err := e.StartFilter(FilterOptions{ScanID: "s1", Method: FilterExact, DataType: TypeUint8, Pattern: "2a"})
	require.NoError(t, err)
	waitDone(t, reg, key)
}

func TestFilterSuspendBracketsReads(t *testing.T) {
	mem := make([]byte, 4096)
	mem[10] = 0x42

	fb := proctest.New(testBase, mem)
	e := scanExact(t, fb, mem, TypeUint8, "42")

	runFilterPass(t, e, FilterOptions{
		ScanID:    "s1",
		Method:    FilterUnchanged,
		DataType:  TypeUint8,
		DoSuspend: true,
	})
	assert.Equal(t, 1, fb.SuspendCalls)
	assert.Equal(t, 1, fb.ResumeCalls)
	assert.False(t, fb.Suspended())

	runFilterPass(t, e, FilterOptions{
		ScanID:        "s1",
		Method:        FilterUnchanged,
		DataType:      TypeUint8,
		DoSuspend:     true,
		KeepSuspended: true,
	})
	assert.True(t, fb.Suspended())
}
