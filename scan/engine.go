package scan

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"memscan/process"
)

// Engine runs scan and filter passes against one memory backend. Both the
// local debugger bridge and the remote memory-read API satisfy
// process.Backend, so the engine is written once.
type Engine struct {
	backend process.Backend
	reg     *Registry
	cfg     ReaderConfig
	log     *logger.Logger
}

// NewEngine creates an engine over backend, registering sessions in reg.
// Zero fields of cfg take local defaults.
func NewEngine(backend process.Backend, reg *Registry, cfg ReaderConfig) *Engine {
	return &Engine{
		backend: backend,
		reg:     reg,
		cfg:     cfg.withDefaults(),
		log:     logger.NewLogger(coloransi.Color(coloransi.ColorLimeGreen, coloransi.ColorOrange, "scan-engine")),
	}
}

// Registry returns the engine's session registry
func (e *Engine) Registry() *Registry { return e.reg }

// scanSpec is the decoded, validated form of a scan request
type scanSpec struct {
	pattern    []byte
	patternMax []byte
	mask       []byte
	re         *regexp.Regexp
	doSuspend  bool
	keepPaused bool
}

// StartScan validates opts and launches the initial scan asynchronously.
// Progress is polled from the registry under the scan id. Pattern and
// structural errors abort the request here; no partial scan is started.
func (e *Engine) StartScan(opts ScanOptions) error {
	if e.backend == nil {
		return ErrNotAttached
	}

	spec, err := e.decodeScanSpec(opts)
	if err != nil {
		return err
	}

	s, err := e.reg.Create(opts)
	if err != nil {
		return err
	}

	var total uint64
	for _, r := range opts.Ranges {
		total += r.Size()
	}

	ps := e.reg.Progress.Begin(s.ID, total, "scanning")
	s.running.Store(true)

	e.log.Infoln("Starting scan", s.ID, "over", len(opts.Ranges), "ranges,", total, "bytes")

	go e.runScan(s, spec, ps)
	return nil
}

func (e *Engine) decodeScanSpec(opts ScanOptions) (scanSpec, error) {
	spec := scanSpec{
		doSuspend:  opts.DoSuspend,
		keepPaused: opts.KeepSuspended,
	}

	switch opts.FindType {
	case FindUnknown:
		return spec, nil

	case FindExact:
		if opts.DataType == TypeRegex {
			raw, err := hex.DecodeString(opts.Pattern)
			if err != nil {
				return spec, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
			}
			re, err := regexp.Compile(string(raw))
			if err != nil {
				// A malformed pattern aborts the whole scan, never a
				// partial result
				return spec, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
			}
			spec.re = re
			return spec, nil
		}

		pat, err := decodePattern(opts.DataType, opts.Pattern)
		if err != nil {
			return spec, err
		}
		spec.pattern = pat

		if opts.Mask != "" {
			if opts.DataType != TypeBytes {
				return spec, fmt.Errorf("%w: masks only apply to bytes patterns", ErrInvalidPattern)
			}
			mask, err := hex.DecodeString(opts.Mask)
			if err != nil {
				return spec, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
			}
			if len(mask) != len(pat) {
				return spec, fmt.Errorf("%w: mask length (%d) doesn't match pattern length (%d)",
					ErrInvalidPattern, len(mask), len(pat))
			}
			spec.mask = mask
		}
		return spec, nil

	case FindRange:
		if !opts.DataType.IsNumeric() {
			return spec, fmt.Errorf("%w: range scans need a numeric type", ErrInvalidPattern)
		}
		pat, err := decodePattern(opts.DataType, opts.Pattern)
		if err != nil {
			return spec, err
		}
		max, err := decodePattern(opts.DataType, opts.PatternMax)
		if err != nil {
			return spec, err
		}
		spec.pattern, spec.patternMax = pat, max
		return spec, nil

	case FindGreaterOrEqual, FindLessThan:
		if !opts.DataType.IsNumeric() {
			return spec, fmt.Errorf("%w: bound scans need a numeric type", ErrInvalidPattern)
		}
		pat, err := decodePattern(opts.DataType, opts.Pattern)
		if err != nil {
			return spec, err
		}
		spec.pattern = pat
		return spec, nil

	default:
		return spec, fmt.Errorf("unknown find type %q", opts.FindType)
	}
}

// runScan is the asynchronous body of a scan pass
func (e *Engine) runScan(s *Session, spec scanSpec, ps *progressState) {

	if spec.doSuspend {
		if err := e.backend.Suspend(); err != nil {
			e.log.Warn("Failed to suspend target: ", err)
		} else if !spec.keepPaused {
			// Resume unconditionally, success or error
			defer e.backend.Resume()
		}
	}

	var err error
	if s.IsUnknown() {
		err = e.runUnknownScan(s, ps)
	} else {
		err = e.runKnownScan(s, spec, ps)
	}

	s.running.Store(false)

	if err != nil {
		e.log.Warn("Scan ", s.ID, " failed: ", err)
		ps.fail(err)
		return
	}

	if s.stop.Load() {
		ps.setPhase("stopped")
	} else {
		ps.setPhase("complete")
	}
	ps.finish()
}

// runKnownScan builds the in-memory candidate set for every find type
// except unknown.
func (e *Engine) runKnownScan(s *Session, spec scanSpec, ps *progressState) error {
	chunks := splitRanges(s.Ranges, e.cfg.ChunkSize)

	var overlap uint64
	if n := len(spec.pattern); n > 1 {
		overlap = uint64(n - 1)
	}

	var mu sync.Mutex
	var results []Candidate

	err := forEachChunk(e.backend, e.cfg, chunks, overlap, &s.stop, func(c chunk, data []byte) error {
		local := make([]Candidate, 0, 64)
		flush := func() {
			if len(local) == 0 {
				return
			}
			mu.Lock()
			results = append(results, local...)
			mu.Unlock()
			local = local[:0]
		}
		emit := func(addr uint64, val []byte) {
			local = append(local, Candidate{Address: addr, Value: bytes.Clone(val)})
			if len(local) >= e.cfg.HighWater {
				flush()
			}
		}

		e.matchChunk(s, spec, c, data, emit)
		flush()
		ps.add(c.size)
		return nil
	})
	if err != nil {
		return err
	}

	// Swap the finished set in unless a clear raced us
	if e.reg.registered(s) {
		s.setResults(results, false)
		e.log.Infoln("Scan", s.ID, "complete:", len(results), "candidates")
	}
	return nil
}

// matchChunk applies the session's find type to one chunk. data may extend
// past c.size for boundary overlap; matches are only recorded below c.size.
func (e *Engine) matchChunk(s *Session, spec scanSpec, c chunk, data []byte, emit func(addr uint64, val []byte)) {
	switch {
	case spec.re != nil:
		for _, m := range spec.re.FindAllIndex(data, -1) {
			if uint64(m[0]) >= c.size {
				break
			}
			emit(c.start+uint64(m[0]), data[m[0]:m[1]])
		}

	case s.FindType == FindExact && spec.mask == nil:
		e.matchExact(s, spec.pattern, c, data, emit)

	case s.FindType == FindExact:
		// Masked byte pattern: sliding comparison, wildcards where the mask
		// byte is zero
		w := len(spec.pattern)
		for off := alignedStart(c.start, s.Alignment); off+uint64(w) <= uint64(len(data)) && off < c.size; off += uint64(s.Alignment) {
			if matchMasked(data[off:], spec.pattern, spec.mask) {
				emit(c.start+off, data[off:off+uint64(w)])
			}
		}

	default:
		// range / greater_or_equal / less_than share the filter predicate
		method := FilterMethod(s.FindType)
		w := s.DataType.Width()
		for off := alignedStart(c.start, s.Alignment); off+uint64(w) <= uint64(len(data)) && off < c.size; off += uint64(s.Alignment) {
			val := data[off : off+uint64(w)]
			if Passes(method, s.DataType, val, nil, spec.pattern, spec.patternMax) {
				emit(c.start+off, val)
			}
		}
	}
}

// matchExact runs a byte-string search over the chunk, keeping
// alignment-aligned positions.
func (e *Engine) matchExact(s *Session, pattern []byte, c chunk, data []byte, emit func(addr uint64, val []byte)) {
	from := 0
	for {
		idx := bytes.Index(data[from:], pattern)
		if idx < 0 {
			return
		}
		off := uint64(from + idx)
		if off >= c.size {
			return
		}
		if (c.start+off)%uint64(s.Alignment) == 0 {
			emit(c.start+off, data[off:off+uint64(len(pattern))])
		}
		from += idx + 1
	}
}

// alignedStart returns the first offset within a chunk at base whose
// absolute address is alignment-aligned.
func alignedStart(base uint64, align int) uint64 {
	return alignUp(base, uint64(align)) - base
}

// runUnknownScan dumps every readable chunk into compressed region files,
// one file per sub-region. Read failures skip the chunk; a dump-file IO
// failure aborts the remaining work for this scan id.
func (e *Engine) runUnknownScan(s *Session, ps *progressState) error {
	store := s.unknown

	var regions []AddressRange
	for _, r := range s.Ranges {
		for start := r.Start; start < r.End; start += e.cfg.SubRegionSize {
			end := start + e.cfg.SubRegionSize
			if end > r.End {
				end = r.End
			}
			regions = append(regions, AddressRange{Start: start, End: end})
		}
	}

	for _, region := range regions {
		if s.stop.Load() {
			return nil
		}

		f, err := store.createRegion(region, stateRaw)
		if err != nil {
			return fmt.Errorf("failed to create dump file for %s: %w", region, err)
		}

		chunks := splitRanges([]AddressRange{region}, e.cfg.ChunkSize)

		// Blocks within one file must land in address order, so reads fan
		// out but writes are serialized under a mutex per file.
		var wmu sync.Mutex
		pending := make(map[uint64][]byte, len(chunks))
		next := 0

		err = forEachChunk(e.backend, e.cfg, chunks, 0, &s.stop, func(c chunk, data []byte) error {
			wmu.Lock()
			defer wmu.Unlock()

			pending[c.start] = data
			for next < len(chunks) {
				buf, ok := pending[chunks[next].start]
				if !ok {
					break
				}
				delete(pending, chunks[next].start)
				if err := appendBlock(f, chunks[next].start, buf, CompressionZstd); err != nil {
					return fmt.Errorf("failed to write dump block: %w", err)
				}
				next++
			}
			ps.add(c.size)
			return nil
		})
		if err != nil {
			f.Close()
			return err
		}

		// Chunks whose reads failed never arrive; flush what is buffered
		// behind them in order.
		wmu.Lock()
		for i := next; i < len(chunks); i++ {
			if buf, ok := pending[chunks[i].start]; ok {
				if werr := appendBlock(f, chunks[i].start, buf, CompressionZstd); werr != nil {
					wmu.Unlock()
					f.Close()
					return fmt.Errorf("failed to write dump block: %w", werr)
				}
			}
		}
		wmu.Unlock()

		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to finalize dump file for %s: %w", region, err)
		}
	}

	e.log.Infoln("Unknown scan", s.ID, "dumped", len(regions), "region files")
	return nil
}
