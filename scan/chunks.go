package scan

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"memscan/process"
)

const (
	// MiB in bytes
	mib = uint64(1) << 20

	localChunkSize  = 16 * mib
	remoteChunkSize = 4 * mib
	subRegionSize   = 64 * mib

	remoteWorkerCap = 8

	// highWaterMark is the per-worker candidate count above which local
	// matches are flushed into the shared store to bound peak memory.
	highWaterMark = 256 << 10
)

// ReaderConfig sizes the chunked parallel reads of a scan or filter pass
type ReaderConfig struct {
	// ChunkSize is the largest single memory read issued to the backend
	ChunkSize uint64
	// SubRegionSize is the span covered by one region dump file in
	// unknown-type scans
	SubRegionSize uint64
	// Workers bounds parallel reads
	Workers int
	// HighWater is the per-worker flush threshold
	HighWater int
}

// LocalConfig sizes reads for the in-process debugger bridge
func LocalConfig() ReaderConfig {
	return ReaderConfig{
		ChunkSize:     localChunkSize,
		SubRegionSize: subRegionSize,
		Workers:       runtime.NumCPU(),
		HighWater:     highWaterMark,
	}
}

// RemoteConfig sizes reads for a network memory-read API: smaller reads,
// bounded fan-out. The per-read timeout lives in the remote backend itself.
func RemoteConfig() ReaderConfig {
	workers := runtime.NumCPU()
	if workers > remoteWorkerCap {
		workers = remoteWorkerCap
	}
	return ReaderConfig{
		ChunkSize:     remoteChunkSize,
		SubRegionSize: subRegionSize,
		Workers:       workers,
		HighWater:     highWaterMark,
	}
}

func (c ReaderConfig) withDefaults() ReaderConfig {
	def := LocalConfig()
	if c.ChunkSize == 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.SubRegionSize == 0 {
		c.SubRegionSize = def.SubRegionSize
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.HighWater <= 0 {
		c.HighWater = def.HighWater
	}
	return c
}

// chunk is one bounded read within a range. limit is the end of the
// enclosing range, so readers can extend past size for patterns straddling
// a chunk edge without leaving the range.
type chunk struct {
	start uint64
	size  uint64
	limit uint64
}

// splitRanges partitions address ranges into read chunks of at most
// chunkSize bytes.
func splitRanges(ranges []AddressRange, chunkSize uint64) []chunk {
	var chunks []chunk
	for _, r := range ranges {
		for start := r.Start; start < r.End; start += chunkSize {
			size := chunkSize
			if start+size > r.End {
				size = r.End - start
			}
			chunks = append(chunks, chunk{start: start, size: size, limit: r.End})
		}
	}
	return chunks
}

// forEachChunk reads chunks in parallel, bounded by cfg.Workers, and hands
// each successfully read chunk to fn. A failed read skips that chunk: a
// debuggee legitimately has unmapped and protected pages. The stop flag is
// checked once per chunk; in-flight chunks complete. data may extend
// overlap bytes past c.size (clamped to the range) so straddling matches
// are not lost; fn must only record matches below c.size.
//
// fn runs concurrently across chunks and must synchronize its own writes.
// Its error aborts the remaining work.
func forEachChunk(backend process.Backend, cfg ReaderConfig, chunks []chunk, overlap uint64, stop *atomic.Bool, fn func(c chunk, data []byte) error) error {
	var g errgroup.Group
	g.SetLimit(cfg.Workers)

	for _, c := range chunks {
		if stop.Load() {
			break
		}

		g.Go(func() error {
			if stop.Load() {
				return nil
			}

			readSize := c.size + overlap
			if c.start+readSize > c.limit {
				readSize = c.limit - c.start
			}

			data, err := backend.ReadMemory(process.ProcessMemoryAddress(c.start), process.ProcessMemorySize(readSize))
			if err != nil {
				// Tolerated: this chunk contributes no matches
				return nil
			}

			return fn(c, data)
		})
	}

	return g.Wait()
}
