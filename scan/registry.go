package scan

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

// Session is the state of one scan id: its definition, and the surviving
// candidate set in whichever representation it currently has. Known-type
// sessions hold candidates in memory; unknown-type sessions own a directory
// of region dump files, with an in-memory copy materialized when the set is
// small enough.
type Session struct {
	ID        string
	DataType  DataType
	FindType  FindType
	Alignment int
	Ranges    []AddressRange

	mu           sync.Mutex
	width        int // byte width of stored values, updated by each pass
	results      []Candidate
	materialized bool
	unknown      *UnknownStore

	// running guards against overlapping passes on one scan id; stop is the
	// cooperative cancellation flag checked at chunk boundaries.
	running atomic.Bool
	stop    atomic.Bool
}

// IsUnknown reports whether this session spills to region dump files
func (s *Session) IsUnknown() bool {
	return s.FindType == FindUnknown
}

// Width returns the byte width values are currently stored at
func (s *Session) Width() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width
}

func (s *Session) setWidth(w int) {
	s.mu.Lock()
	s.width = w
	s.mu.Unlock()
}

// setResults swaps in a narrowed candidate list, sorted by address. The
// lock is held only for the swap, not for the pass that produced it.
func (s *Session) setResults(results []Candidate, materialized bool) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].Address < results[j].Address
	})
	s.mu.Lock()
	s.results = results
	s.materialized = materialized
	s.mu.Unlock()
}

// snapshotResults returns the in-memory candidate list and whether it is
// authoritative (known session) or a materialized lookup cache.
func (s *Session) snapshotResults() ([]Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results, s.materialized
}

// Registry owns every live scan session and the progress table. It is an
// explicit object handed to the engine and the API layer rather than
// package-global state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	Progress *Tracker
	root     string // scan-data root for unknown-store directories
	log      *logger.Logger
}

// NewRegistry creates a registry whose unknown-type scans dump under root
func NewRegistry(root string) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		Progress: NewTracker(),
		root:     root,
		log:      logger.NewLogger(coloransi.Color(coloransi.ColorTeal, coloransi.ColorOrange, "scan-registry")),
	}
}

// Create registers a new session for opts, clearing any prior session with
// the same scan id first.
func (r *Registry) Create(opts ScanOptions) (*Session, error) {
	if opts.ScanID == "" {
		return nil, fmt.Errorf("empty scan id")
	}
	if !opts.DataType.Valid() {
		return nil, fmt.Errorf("unknown data type %q", opts.DataType)
	}
	if !opts.FindType.Valid() {
		return nil, fmt.Errorf("unknown find type %q", opts.FindType)
	}
	if len(opts.Ranges) == 0 {
		return nil, fmt.Errorf("no address ranges")
	}

	// Only one scan definition exists per id at a time
	if err := r.Clear(opts.ScanID); err != nil {
		return nil, err
	}

	alignment := opts.Alignment
	if alignment <= 0 {
		if w := opts.DataType.Width(); w > 0 {
			alignment = w
		} else if opts.FindType == FindUnknown {
			alignment = 4
		} else {
			alignment = 1
		}
	}

	s := &Session{
		ID:        opts.ScanID,
		DataType:  opts.DataType,
		FindType:  opts.FindType,
		Alignment: alignment,
		Ranges:    opts.Ranges,
		width:     opts.DataType.Width(),
	}

	if s.IsUnknown() {
		store, err := newUnknownStore(r.root, s.ID, alignment)
		if err != nil {
			return nil, err
		}
		s.unknown = store
		s.width = alignment
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.log.Debugln("Created session", s.ID, "type", string(s.DataType), "find", string(s.FindType))
	return s, nil
}

// Get returns the session for id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Clear removes the session for id, stops any in-flight pass, drops its
// progress records and deletes its region dump files. Clearing an unknown
// id is not an error.
func (r *Registry) Clear(id string) error {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	r.Progress.Remove(id, FilterKey(id))

	if s == nil {
		return nil
	}

	s.stop.Store(true)

	if s.unknown != nil {
		if err := s.unknown.Clear(); err != nil {
			return fmt.Errorf("failed to clear dump files for %s: %w", id, err)
		}
	}

	r.log.Infoln("Cleared session", id)
	return nil
}

// registered reports whether s is still the live session for its id; a
// finishing pass checks this before swapping results in, so a concurrent
// clear wins.
func (r *Registry) registered(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[s.ID] == s
}
