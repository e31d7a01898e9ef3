package scan

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"memscan/process"
)

// filterSpec is the decoded, validated form of a filter request
type filterSpec struct {
	method     FilterMethod
	dataType   DataType
	pattern    []byte
	patternMax []byte
	readWidth  int
	doSuspend  bool
	keepPaused bool
}

// StartFilter validates opts and launches a narrowing pass over an existing
// scan asynchronously. It returns the progress key for the pass. A pass
// already running for the scan id is a hard error rather than a race.
func (e *Engine) StartFilter(opts FilterOptions) (string, error) {
	if e.backend == nil {
		return "", ErrNotAttached
	}

	s, ok := e.reg.Get(opts.ScanID)
	if !ok {
		return "", ErrScanNotFound
	}

	spec, err := decodeFilterSpec(opts, s)
	if err != nil {
		return "", err
	}

	if !s.running.CompareAndSwap(false, true) {
		return "", ErrPassInProgress
	}

	var total uint64
	if s.IsUnknown() {
		total, err = s.unknown.Count(s.Width())
		if err != nil {
			s.running.Store(false)
			return "", fmt.Errorf("failed to size filter pass: %w", err)
		}
	} else {
		results, _ := s.snapshotResults()
		total = uint64(len(results))
	}

	key := FilterKey(s.ID)
	ps := e.reg.Progress.Begin(key, total, "filtering")

	e.log.Infoln("Starting filter", string(opts.Method), "on", s.ID, "over", total, "candidates")

	go e.runFilter(s, spec, ps)
	return key, nil
}

func decodeFilterSpec(opts FilterOptions, s *Session) (filterSpec, error) {
	spec := filterSpec{
		method:     opts.Method,
		dataType:   opts.DataType,
		doSuspend:  opts.DoSuspend,
		keepPaused: opts.KeepSuspended,
	}

	if !opts.Method.Valid() {
		return spec, fmt.Errorf("unknown filter method %q", opts.Method)
	}
	if !opts.DataType.Valid() || opts.DataType == TypeUnknown || opts.DataType == TypeRegex {
		return spec, fmt.Errorf("%w: cannot filter as type %q", ErrInvalidPattern, opts.DataType)
	}

	if opts.Method.needsPattern() {
		pat, err := decodePattern(opts.DataType, opts.Pattern)
		if err != nil {
			return spec, err
		}
		spec.pattern = pat

		if opts.Method == FilterRange {
			max, err := decodePattern(opts.DataType, opts.PatternMax)
			if err != nil {
				return spec, err
			}
			spec.patternMax = max
		}
	}

	switch {
	case opts.DataType.Width() > 0:
		spec.readWidth = opts.DataType.Width()
	case spec.pattern != nil:
		spec.readWidth = len(spec.pattern)
	case !s.IsUnknown():
		// changed/unchanged on variable-width values re-read at the stored
		// length, decided per candidate
		spec.readWidth = 0
	default:
		return spec, fmt.Errorf("%w: unknown-type sessions need a fixed-width filter type", ErrInvalidPattern)
	}

	return spec, nil
}

// runFilter is the asynchronous body of a filter pass. Suspension, when
// requested, brackets the read phase only; file rewrites happen after the
// target is resumed.
func (e *Engine) runFilter(s *Session, spec filterSpec, ps *progressState) {

	var err error
	if s.IsUnknown() {
		err = e.filterUnknown(s, spec, ps)
	} else {
		err = e.filterKnown(s, spec, ps)
	}

	s.running.Store(false)

	if err != nil {
		e.log.Warn("Filter on ", s.ID, " failed: ", err)
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

// suspendForReads stops the target if requested and returns the matching
// resume function. The resume runs even when the pass errors out; the
// target is never left suspended by an engine-internal failure.
func (e *Engine) suspendForReads(doSuspend, keepPaused bool) func() {
	if !doSuspend {
		return func() {}
	}
	if err := e.backend.Suspend(); err != nil {
		e.log.Warn("Failed to suspend target: ", err)
		return func() {}
	}
	if keepPaused {
		return func() {}
	}
	return func() { e.backend.Resume() }
}

// filterKnown re-reads every stored candidate and keeps the passing ones.
// Candidates whose addresses are no longer readable are dropped; filtering
// never adds an address, so the result is always a subset.
func (e *Engine) filterKnown(s *Session, spec filterSpec, ps *progressState) error {
	candidates, _ := s.snapshotResults()

	var mu sync.Mutex
	kept := make([]Candidate, 0, len(candidates))

	resume := e.suspendForReads(spec.doSuspend, spec.keepPaused)

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)

	const batchSize = 1024
	for start := 0; start < len(candidates); start += batchSize {
		if s.stop.Load() {
			break
		}
		batch := candidates[start:min(start+batchSize, len(candidates))]

		g.Go(func() error {
			local := make([]Candidate, 0, len(batch))
			for _, cand := range batch {
				w := spec.readWidth
				if w == 0 {
					w = len(cand.Value)
				}

				newB, err := e.backend.ReadMemory(process.ProcessMemoryAddress(cand.Address), process.ProcessMemorySize(w))
				if err == nil && Passes(spec.method, spec.dataType, newB, cand.Value, spec.pattern, spec.patternMax) {
					local = append(local, Candidate{Address: cand.Address, Value: newB})
				}
			}
			ps.add(uint64(len(batch)))

			mu.Lock()
			kept = append(kept, local...)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	resume()
	if err != nil {
		return err
	}

	if s.stop.Load() || !e.reg.registered(s) {
		// A concurrent clear owns the session now; abandon the swap-in
		return nil
	}

	s.setResults(kept, false)
	if w := spec.readWidth; w > 0 {
		s.setWidth(w)
	}

	e.log.Infoln("Filter on", s.ID, "kept", len(kept), "of", len(candidates), "candidates")
	return nil
}

// regionRewrite is the surviving content of one region dump file, grouped
// by source block so the rewrite keeps the original framing.
type regionRewrite struct {
	path   string
	blocks []pairBlock
	total  int
}

type pairBlock struct {
	chunkStart uint64
	pairs      []Candidate
}

// filterUnknown narrows a disk-backed session. Phase one (under suspension
// if requested) decompresses each stored block, re-reads the live span and
// evaluates the predicate per candidate. Phase two rewrites each file with
// only the passing pairs, framed as before.
func (e *Engine) filterUnknown(s *Session, spec filterSpec, ps *progressState) error {
	store := s.unknown
	oldWidth := s.Width()

	files, err := store.regionFiles()
	if err != nil {
		return fmt.Errorf("failed to list dump files: %w", err)
	}

	rewrites := make([]*regionRewrite, len(files))

	resume := e.suspendForReads(spec.doSuspend, spec.keepPaused)

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, path := range files {
		if s.stop.Load() {
			break
		}
		g.Go(func() error {
			rw, err := e.evaluateRegion(s, spec, path, oldWidth, ps)
			if err != nil {
				return err
			}
			rewrites[i] = rw
			return nil
		})
	}

	err = g.Wait()
	resume()
	if err != nil {
		return err
	}

	if s.stop.Load() || !e.reg.registered(s) {
		return nil
	}

	// Rewrite phase: the target is already running again
	var totalKept int
	for _, rw := range rewrites {
		if rw == nil {
			continue
		}
		if err := rewriteRegion(rw, spec.readWidth); err != nil {
			return err
		}
		totalKept += rw.total
	}

	s.setWidth(spec.readWidth)

	// Small survivors additionally materialize in memory for fast lookup
	if totalKept < materializeThreshold {
		all := make([]Candidate, 0, totalKept)
		for _, rw := range rewrites {
			if rw == nil {
				continue
			}
			for _, b := range rw.blocks {
				all = append(all, b.pairs...)
			}
		}
		s.setResults(all, true)
	} else {
		s.setResults(nil, false)
	}

	e.log.Infoln("Filter on", s.ID, "kept", totalKept, "candidates across", len(files), "files")
	return nil
}

// evaluateRegion produces the surviving pairs of one region dump file. A
// corrupt block is skipped; an unreadable live span drops the block's
// candidates.
func (e *Engine) evaluateRegion(s *Session, spec filterSpec, path string, oldWidth int, ps *progressState) (*regionRewrite, error) {
	state, blocks, err := readRegionHeader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump file %s: %w", path, err)
	}

	rw := &regionRewrite{path: path}

	for _, info := range blocks {
		if s.stop.Load() {
			break
		}

		count := blockCandidateCount(state, info, s.Alignment, oldWidth)

		payload, err := readBlockPayload(path, info)
		if err != nil {
			// Corrupt block: its candidates are gone, the pass survives
			e.log.Warn("Skipping corrupt block in ", path, ": ", err)
			ps.add(count)
			continue
		}

		old := blockCandidates(state, info.ChunkStart, payload, s.Alignment, oldWidth)

		var kept []Candidate
		if state == stateRaw {
			kept = e.evaluateRawBlock(spec, info.ChunkStart, payload, old)
		} else {
			kept = e.evaluatePairs(spec, old)
		}

		ps.add(count)
		if len(kept) > 0 {
			rw.blocks = append(rw.blocks, pairBlock{chunkStart: info.ChunkStart, pairs: kept})
			rw.total += len(kept)
		}
	}

	return rw, nil
}

// evaluateRawBlock re-reads the whole chunk span once and walks the aligned
// slots against it.
func (e *Engine) evaluateRawBlock(spec filterSpec, chunkStart uint64, payload []byte, old []Candidate) []Candidate {
	fresh, err := e.backend.ReadMemory(process.ProcessMemoryAddress(chunkStart), process.ProcessMemorySize(len(payload)))
	if err != nil {
		return nil
	}

	w := uint64(spec.readWidth)
	var kept []Candidate
	for _, cand := range old {
		off := cand.Address - chunkStart
		if off+w > uint64(len(fresh)) {
			continue
		}
		newB := fresh[off : off+w]
		oldB := cand.Value
		if off+w <= uint64(len(payload)) {
			// Compare old bytes at the filter width, not the stored width
			oldB = payload[off : off+w]
		}
		if Passes(spec.method, spec.dataType, newB, oldB, spec.pattern, spec.patternMax) {
			val := make([]byte, w)
			copy(val, newB)
			kept = append(kept, Candidate{Address: cand.Address, Value: val})
		}
	}
	return kept
}

// evaluatePairs re-reads each stored pair's address individually
func (e *Engine) evaluatePairs(spec filterSpec, old []Candidate) []Candidate {
	var kept []Candidate
	for _, cand := range old {
		newB, err := e.backend.ReadMemory(process.ProcessMemoryAddress(cand.Address), process.ProcessMemorySize(spec.readWidth))
		if err != nil {
			continue
		}
		if Passes(spec.method, spec.dataType, newB, cand.Value, spec.pattern, spec.patternMax) {
			kept = append(kept, Candidate{Address: cand.Address, Value: newB})
		}
	}
	return kept
}

// rewriteRegion replaces a dump file's content with the surviving pairs,
// keeping the (state, blocks) framing.
func rewriteRegion(rw *regionRewrite, width int) error {
	f, err := os.Create(rw.path)
	if err != nil {
		return fmt.Errorf("failed to rewrite dump file %s: %w", rw.path, err)
	}

	state := statePairs
	if len(rw.blocks) == 0 {
		state = stateEmpty
	}
	if err := writeState(f, state); err != nil {
		f.Close()
		return fmt.Errorf("failed to rewrite dump file %s: %w", rw.path, err)
	}

	for _, b := range rw.blocks {
		if err := appendBlock(f, b.chunkStart, encodePairs(b.pairs, width), CompressionZstd); err != nil {
			f.Close()
			return fmt.Errorf("failed to rewrite dump file %s: %w", rw.path, err)
		}
	}

	return f.Close()
}
