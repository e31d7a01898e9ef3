package scan

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// materializeThreshold is the candidate count below which an unknown
// session is additionally kept as an in-memory sorted list for fast lookup.
const materializeThreshold = 1_000_000

// UnknownStore is the disk-backed candidate set of an unknown-type scan:
// one compressed region dump file per sub-region, exclusively owned by its
// scan id and deleted when the session is cleared.
type UnknownStore struct {
	dir       string
	alignment int
}

func newUnknownStore(root, scanID string, alignment int) (*UnknownStore, error) {
	dir := filepath.Join(root, scanID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scan data dir: %w", err)
	}
	return &UnknownStore{dir: dir, alignment: alignment}, nil
}

// Dir returns the directory owned by this store
func (u *UnknownStore) Dir() string { return u.dir }

// Clear deletes the store's directory and every region dump file in it
func (u *UnknownStore) Clear() error {
	return os.RemoveAll(u.dir)
}

// regionFileName embeds the sub-region bounds so a lexicographic sort of
// filenames is an address sort.
func regionFileName(r AddressRange) string {
	return fmt.Sprintf("%016x_%016x", r.Start, r.End)
}

func parseRegionFileName(name string) (AddressRange, bool) {
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 {
		return AddressRange{}, false
	}
	start, err1 := strconv.ParseUint(parts[0], 16, 64)
	end, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return AddressRange{}, false
	}
	return AddressRange{Start: start, End: end}, true
}

// regionFiles lists the store's dump files sorted by filename, which is
// address order by construction.
func (u *UnknownStore) regionFiles() ([]string, error) {
	entries, err := os.ReadDir(u.dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := parseRegionFileName(e.Name()); !ok {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(u.dir, n)
	}
	return paths, nil
}

// createRegion opens a fresh dump file for sub-region r with the given
// state word, truncating any previous content.
func (u *UnknownStore) createRegion(r AddressRange, state uint32) (*os.File, error) {
	f, err := os.Create(filepath.Join(u.dir, regionFileName(r)))
	if err != nil {
		return nil, err
	}
	if err := writeState(f, state); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// alignedCount returns how many aligned value slots of the given width fit
// in a block of length bytes starting at chunkStart. Alignment is absolute:
// a slot's address must be a multiple of align.
func alignedCount(chunkStart, length uint64, align, width int) uint64 {
	if length < uint64(width) || width <= 0 || align <= 0 {
		return 0
	}
	first := alignUp(chunkStart, uint64(align))
	last := chunkStart + length - uint64(width)
	if last < first {
		return 0
	}
	return (last-first)/uint64(align) + 1
}

func alignUp(v, align uint64) uint64 {
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + align - rem
}

// pairEntrySize is the serialized size of one candidate pair
func pairEntrySize(width int) uint64 {
	return 8 + uint64(width)
}

// encodePairs serializes candidates as repeated (u64 address, value) with a
// fixed value width.
func encodePairs(pairs []Candidate, width int) []byte {
	entry := pairEntrySize(width)
	out := make([]byte, 0, uint64(len(pairs))*entry)
	var addr [8]byte
	for _, p := range pairs {
		binary.LittleEndian.PutUint64(addr[:], p.Address)
		out = append(out, addr[:]...)
		v := p.Value
		if len(v) > width {
			v = v[:width]
		}
		out = append(out, v...)
		for i := len(v); i < width; i++ {
			out = append(out, 0)
		}
	}
	return out
}

// decodePairs parses an encodePairs payload. Trailing partial entries are
// dropped.
func decodePairs(payload []byte, width int) []Candidate {
	entry := int(pairEntrySize(width))
	n := len(payload) / entry
	pairs := make([]Candidate, 0, n)
	for i := 0; i < n; i++ {
		off := i * entry
		val := make([]byte, width)
		copy(val, payload[off+8:off+entry])
		pairs = append(pairs, Candidate{
			Address: binary.LittleEndian.Uint64(payload[off:]),
			Value:   val,
		})
	}
	return pairs
}

// blockCandidateCount derives how many candidates a block holds from its
// header alone: aligned slots for raw blocks, entry count for pair blocks.
func blockCandidateCount(state uint32, info blockInfo, align, width int) uint64 {
	switch state {
	case stateRaw:
		return alignedCount(info.ChunkStart, info.UncompressedLen, align, width)
	case statePairs:
		return info.UncompressedLen / pairEntrySize(width)
	default:
		return 0
	}
}

// Count returns the total candidate count across all region files, reading
// block headers only. width is the session's current stored value width.
func (u *UnknownStore) Count(width int) (uint64, error) {
	files, err := u.regionFiles()
	if err != nil {
		return 0, err
	}

	var total uint64
	for _, path := range files {
		state, blocks, err := readRegionHeader(path)
		if err != nil {
			return 0, err
		}
		for _, info := range blocks {
			total += blockCandidateCount(state, info, u.alignment, width)
		}
	}
	return total, nil
}

// blockCandidates expands one decompressed block payload into candidates in
// address order.
func blockCandidates(state uint32, chunkStart uint64, payload []byte, align, width int) []Candidate {
	switch state {
	case stateRaw:
		n := alignedCount(chunkStart, uint64(len(payload)), align, width)
		out := make([]Candidate, 0, n)
		first := alignUp(chunkStart, uint64(align))
		for addr := first; addr+uint64(width) <= chunkStart+uint64(len(payload)); addr += uint64(align) {
			off := addr - chunkStart
			val := make([]byte, width)
			copy(val, payload[off:off+uint64(width)])
			out = append(out, Candidate{Address: addr, Value: val})
		}
		return out
	case statePairs:
		return decodePairs(payload, width)
	default:
		return nil
	}
}
