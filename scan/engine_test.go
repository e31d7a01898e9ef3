package scan

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscan/process"
	"memscan/process/proctest"
)

const testBase = uint64(0x10000000)

// testConfig keeps chunks small so a few kilobytes of fake memory span
// multiple chunks and sub-regions.
func testConfig() ReaderConfig {
	return ReaderConfig{
		ChunkSize:     4096,
		SubRegionSize: 64 << 10,
		Workers:       2,
		HighWater:     8,
	}
}

func newTestEngine(t *testing.T, fb *proctest.FakeBackend, cfg ReaderConfig) *Engine {
	t.Helper()
	return NewEngine(fb, NewRegistry(t.TempDir()), cfg)
}

// waitDone polls the progress record under key until the pass terminates
func waitDone(t *testing.T, reg *Registry, key string) Progress {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		p, ok := reg.Progress.Snapshot(key)
		if ok && !p.Running {
			return p
		}
		if time.Now().After(deadline) {
			t.Fatalf("pass %q did not finish", key)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func putUint32(mem []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(mem[off:], v)
}

func wholeRange(mem []byte) []AddressRange {
	return []AddressRange{{Start: testBase, End: testBase + uint64(len(mem))}}
}

func TestExactScanFindsAllOccurrences(t *testing.T) {
	mem := make([]byte, 1<<20)
	putUint32(mem, 100, 0xDEADBEEF)
	putUint32(mem, 500000, 0xDEADBEEF)

	fb := proctest.New(testBase, mem)
	e := newTestEngine(t, fb, testConfig())

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: TypeUint32,
		FindType: FindExact,
		Pattern:  "efbeadde",
	}))

	p := waitDone(t, e.Registry(), "s1")
	assert.Equal(t, "complete", p.Phase)
	assert.Equal(t, float64(100), p.Percent)

	results, total, err := e.Registry().LookupResults("s1", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)
	require.Len(t, results, 2)
	assert.Equal(t, testBase+100, results[0].Address)
	assert.Equal(t, testBase+500000, results[1].Address)
	assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, results[0].Value)
}

func TestExactScanAcrossChunkBoundary(t *testing.T) {
	mem := make([]byte, 16<<10)
	// Pattern straddles the first 4 KiB chunk edge
	copy(mem[4094:], []byte("goldcoin"))

	fb := proctest.New(testBase, mem)
	e := newTestEngine(t, fb, testConfig())

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: TypeString,
		FindType: FindExact,
		Pattern:  hex.EncodeToString([]byte("goldcoin")),
	}))
	waitDone(t, e.Registry(), "s1")

	results, total, err := e.Registry().LookupResults("s1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), total)
	assert.Equal(t, testBase+4094, results[0].Address)
	assert.Equal(t, []byte("goldcoin"), results[0].Value)
}

func TestRangeScan(t *testing.T) {
	mem := make([]byte, 4096)
	mem[8] = 0x18  // inside [0x10, 0x20]
	mem[9] = 0x30  // outside
	mem[10] = 0x10 // inclusive lower bound
	mem[11] = 0x20 // inclusive upper bound

	fb := proctest.New(testBase, mem)
	e := newTestEngine(t, fb, testConfig())

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:     "s1",
		Ranges:     wholeRange(mem),
		DataType:   TypeUint8,
		FindType:   FindRange,
		Pattern:    "10",
		PatternMax: "20",
	}))
	waitDone(t, e.Registry(), "s1")

	results, total, err := e.Registry().LookupResults("s1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), total)
	addrs := resultAddrs(results)
	assert.Equal(t, []uint64{testBase + 8, testBase + 10, testBase + 11}, addrs)
}

func TestMaskedBytesScan(t *testing.T) {
	mem := make([]byte, 4096)
	copy(mem[64:], []byte{0xDE, 0x11, 0xBE, 0xEF})
	copy(mem[128:], []byte{0xDE, 0x99, 0xBE, 0xEF})
	copy(mem[256:], []byte{0xDE, 0x11, 0xBE, 0xEE}) // last byte breaks the match

	fb := proctest.New(testBase, mem)
	e := newTestEngine(t, fb, testConfig())

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: TypeBytes,
		FindType: FindExact,
		Pattern:  "de00beef",
		Mask:     "ff00ffff",
	}))
	waitDone(t, e.Registry(), "s1")

	_, total, err := e.Registry().LookupResults("s1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)
}

func TestRegexScan(t *testing.T) {
	mem := make([]byte, 4096)
	copy(mem[10:], []byte("score=1234;"))
	copy(mem[900:], []byte("score=77;"))

	fb := proctest.New(testBase, mem)
	e := newTestEngine(t, fb, testConfig())

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: TypeRegex,
		FindType: FindExact,
		Pattern:  hex.EncodeToString([]byte(`score=[0-9]+`)),
	}))
	waitDone(t, e.Registry(), "s1")

	results, total, err := e.Registry().LookupResults("s1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(2), total)
	assert.Equal(t, []byte("score=1234"), results[0].Value)
	assert.Equal(t, []byte("score=77"), results[1].Value)
}

func TestScanRejectsBadPatterns(t *testing.T) {
	fb := proctest.New(testBase, make([]byte, 64))
	e := newTestEngine(t, fb, testConfig())

	opts := ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(make([]byte, 64)),
		DataType: TypeUint32,
		FindType: FindExact,
		Pattern:  "zz",
	}
	assert.ErrorIs(t, e.StartScan(opts), ErrInvalidPattern)

	// A malformed regex aborts before any session exists
	opts.DataType = TypeRegex
	opts.Pattern = hex.EncodeToString([]byte("missing(paren"))
	assert.ErrorIs(t, e.StartScan(opts), ErrInvalidPattern)

	opts.DataType = TypeBytes
	opts.Pattern = "deadbeef"
	opts.Mask = "ff"
	assert.ErrorIs(t, e.StartScan(opts), ErrInvalidPattern)

	// Bound scans need a type that orders
	opts.Mask = ""
	opts.DataType = TypeBytes
	opts.FindType = FindGreaterOrEqual
	assert.ErrorIs(t, e.StartScan(opts), ErrInvalidPattern)

	_, ok := e.Registry().Get("s1")
	assert.False(t, ok, "failed validation must not register a session")
}

func TestScanSkipsUnreadableChunks(t *testing.T) {
	mem := make([]byte, 16<<10)
	putUint32(mem, 100, 0xCAFEBABE)
	putUint32(mem, 9000, 0xCAFEBABE) // third chunk, will fail to read

	fb := proctest.New(testBase, mem)
	fb.FailAt[testBase+9000] = true
	e := newTestEngine(t, fb, testConfig())

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: TypeUint32,
		FindType: FindExact,
		Pattern:  "bebafeca",
	}))
	p := waitDone(t, e.Registry(), "s1")
	assert.Equal(t, "complete", p.Phase)

	_, total, err := e.Registry().LookupResults("s1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), total)
}

// stopAfterRead flips a stop callback after the first successful read, so
// a scan can be cancelled deterministically mid-pass.
type stopAfterRead struct {
	process.Backend
	once sync.Once
	stop func()
}

func (b *stopAfterRead) ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	data, err := b.Backend.ReadMemory(addr, size)
	b.once.Do(b.stop)
	return data, err
}

func TestScanStopsCooperatively(t *testing.T) {
	mem := make([]byte, 16<<10)
	putUint32(mem, 16, 0xDEADBEEF)    // first chunk
	putUint32(mem, 12000, 0xDEADBEEF) // later chunk, never scanned

	reg := NewRegistry(t.TempDir())
	backend := &stopAfterRead{Backend: proctest.New(testBase, mem)}
	backend.stop = func() {
		if s, ok := reg.Get("s1"); ok {
			s.stop.Store(true)
		}
	}

	cfg := testConfig()
	cfg.Workers = 1
	e := NewEngine(backend, reg, cfg)

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: TypeUint32,
		FindType: FindExact,
		Pattern:  "efbeadde",
	}))

	p := waitDone(t, reg, "s1")
	assert.Equal(t, "stopped", p.Phase)

	// Only the in-flight chunk completed; later matches were never seen
	_, total, err := reg.LookupResults("s1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), total)
}

func TestScanSuspendResume(t *testing.T) {
	mem := make([]byte, 4096)
	fb := proctest.New(testBase, mem)
	e := newTestEngine(t, fb, testConfig())

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:    "s1",
		Ranges:    wholeRange(mem),
		DataType:  TypeUint8,
		FindType:  FindExact,
		Pattern:   "2a",
		DoSuspend: true,
	}))
	waitDone(t, e.Registry(), "s1")

	assert.Equal(t, 1, fb.SuspendCalls)
	assert.Equal(t, 1, fb.ResumeCalls)
	assert.False(t, fb.Suspended())

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:        "s2",
		Ranges:        wholeRange(mem),
		DataType:      TypeUint8,
		FindType:      FindExact,
		Pattern:       "2a",
		DoSuspend:     true,
		KeepSuspended: true,
	}))
	waitDone(t, e.Registry(), "s2")

	assert.Equal(t, 2, fb.SuspendCalls)
	assert.Equal(t, 1, fb.ResumeCalls)
	assert.True(t, fb.Suspended())
}

func TestRescanReplacesSession(t *testing.T) {
	mem := make([]byte, 4096)
	mem[5] = 0x11
	mem[6] = 0x22

	fb := proctest.New(testBase, mem)
	e := newTestEngine(t, fb, testConfig())

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: TypeUint8,
		FindType: FindExact,
		Pattern:  "11",
	}))
	waitDone(t, e.Registry(), "s1")

	// Same id again with a different pattern starts from scratch
	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: TypeUint8,
		FindType: FindExact,
		Pattern:  "22",
	}))
	waitDone(t, e.Registry(), "s1")

	results, total, err := e.Registry().LookupResults("s1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), total)
	assert.Equal(t, testBase+6, results[0].Address)
}

func TestClearScan(t *testing.T) {
	mem := make([]byte, 4096)
	fb := proctest.New(testBase, mem)
	e := newTestEngine(t, fb, testConfig())

	require.NoError(t, e.StartScan(ScanOptions{
		ScanID:   "s1",
		Ranges:   wholeRange(mem),
		DataType: TypeUint8,
		FindType: FindExact,
		Pattern:  "00",
	}))
	waitDone(t, e.Registry(), "s1")

	require.NoError(t, e.Registry().Clear("s1"))

	_, _, err := e.Registry().LookupResults("s1", 0, 10)
	assert.ErrorIs(t, err, ErrScanNotFound)
	_, ok := e.Registry().Progress.Snapshot("s1")
	assert.False(t, ok)

	// Clearing an id that never existed is fine
	assert.NoError(t, e.Registry().Clear("never-was"))
}

func resultAddrs(results []Candidate) []uint64 {
	addrs := make([]uint64, len(results))
	for i, c := range results {
		addrs[i] = c.Address
	}
	return addrs
}
