package scan

import (
	"fmt"
)

// LookupResults returns a page of the candidate set for scanID, sorted by
// address, plus the total candidate count. In-memory sessions (and unknown
// sessions with a materialized cache) slice directly; otherwise the page is
// assembled by walking region dump files in address order, decompressing
// only the blocks the page touches.
func (r *Registry) LookupResults(scanID string, offset, limit int) ([]Candidate, uint64, error) {
	s, ok := r.Get(scanID)
	if !ok {
		return nil, 0, ErrScanNotFound
	}
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}

	results, materialized := s.snapshotResults()
	if !s.IsUnknown() || materialized {
		return pageOf(results, offset, limit), uint64(len(results)), nil
	}

	return r.lookupUnknown(s, offset, limit)
}

func pageOf(results []Candidate, offset, limit int) []Candidate {
	if offset >= len(results) {
		return nil
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	page := make([]Candidate, end-offset)
	copy(page, results[offset:end])
	return page
}

// lookupUnknown pages through the region dump files. Files wholly consumed
// by the offset are skipped using header-only counts; blocks are only
// decompressed inside the requested window. A corrupt block skips the rest
// of its file rather than failing the lookup.
func (r *Registry) lookupUnknown(s *Session, offset, limit int) ([]Candidate, uint64, error) {
	files, err := s.unknown.regionFiles()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list dump files: %w", err)
	}

	width := s.Width()
	align := s.Alignment

	var total uint64
	var page []Candidate
	skip := uint64(offset)

	for _, path := range files {
		state, blocks, err := readRegionHeader(path)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read dump file %s: %w", path, err)
		}

		// Header-only count for this file, so fully skipped files are never
		// decompressed, and the grand total keeps accumulating after the
		// page fills.
		var fileCount uint64
		for _, info := range blocks {
			fileCount += blockCandidateCount(state, info, align, width)
		}
		total += fileCount

		if skip >= fileCount {
			skip -= fileCount
			continue
		}
		if len(page) >= limit {
			continue
		}

		for _, info := range blocks {
			count := blockCandidateCount(state, info, align, width)
			if skip >= count {
				skip -= count
				continue
			}
			if len(page) >= limit {
				break
			}

			payload, err := readBlockPayload(path, info)
			if err != nil {
				// Corrupt records are skipped, not fatal to the lookup
				r.log.Warn("Skipping corrupt block in ", path, ": ", err)
				continue
			}

			cands := blockCandidates(state, info.ChunkStart, payload, align, width)
			for _, c := range cands {
				if skip > 0 {
					skip--
					continue
				}
				if len(page) >= limit {
					break
				}
				page = append(page, c)
			}
		}
	}

	return page, total, nil
}
