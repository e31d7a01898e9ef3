package scan

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// defaultSampleInterval is how often the background sampler folds the
// shared atomic counters into the polled percent figure.
const defaultSampleInterval = 100 * time.Millisecond

// Progress is the polled status of a scan or filter pass
type Progress struct {
	Percent   float64 `json:"percent"`
	Processed uint64  `json:"processed"`
	Total     uint64  `json:"total"`
	Running   bool    `json:"running"`
	Phase     string  `json:"phase"`
}

// FilterKey derives the progress key for a filter pass over scanID
func FilterKey(scanID string) string {
	return "filter_" + scanID
}

// progressState holds the live counters for one pass. Workers bump
// processed; a sampler goroutine recomputes percent at a fixed interval and
// terminates once the pass completes, errors out, or is stopped.
type progressState struct {
	total     uint64
	processed atomic.Uint64
	percent   atomic.Uint64 // float64 bits
	running   atomic.Bool

	mu    sync.Mutex
	phase string

	stop     chan struct{}
	stopOnce sync.Once
}

func (ps *progressState) add(n uint64) {
	ps.processed.Add(n)
}

func (ps *progressState) setPhase(phase string) {
	ps.mu.Lock()
	ps.phase = phase
	ps.mu.Unlock()
}

func (ps *progressState) computePercent() float64 {
	if ps.total == 0 {
		return 100
	}
	pct := float64(ps.processed.Load()) / float64(ps.total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (ps *progressState) halt() {
	ps.stopOnce.Do(func() { close(ps.stop) })
}

// finish marks the pass complete
func (ps *progressState) finish() {
	ps.percent.Store(floatBits(100))
	ps.running.Store(false)
	ps.halt()
}

// fail marks the pass terminal with an error phase. Failures surface
// through the polled record, not a thrown error.
func (ps *progressState) fail(err error) {
	ps.setPhase(fmt.Sprintf("Error: %v", err))
	ps.percent.Store(floatBits(ps.computePercent()))
	ps.running.Store(false)
	ps.halt()
}

func floatBits(f float64) uint64 {
	return math.Float64bits(f)
}

func floatFromBits(u uint64) float64 {
	return math.Float64frombits(u)
}

// Tracker is the process-wide table of progress records, keyed by scan id
// or filter key, guarded by one read/write lock.
type Tracker struct {
	mu       sync.RWMutex
	records  map[string]*progressState
	interval time.Duration
}

// NewTracker creates a Tracker with the default sampling interval
func NewTracker() *Tracker {
	return &Tracker{
		records:  make(map[string]*progressState),
		interval: defaultSampleInterval,
	}
}

// Begin registers a fresh record for key, replacing any prior one, and
// starts its sampler.
func (tr *Tracker) Begin(key string, total uint64, phase string) *progressState {
	ps := &progressState{
		total: total,
		stop:  make(chan struct{}),
		phase: phase,
	}
	ps.running.Store(true)

	tr.mu.Lock()
	if old := tr.records[key]; old != nil {
		old.halt()
	}
	tr.records[key] = ps
	tr.mu.Unlock()

	go tr.sample(ps)
	return ps
}

// sample periodically publishes percent from the shared counters. It exits
// on the stop flag as well as on completion so an errored pass never
// orphans it.
func (tr *Tracker) sample(ps *progressState) {
	ticker := time.NewTicker(tr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ps.stop:
			return
		case <-ticker.C:
			pct := ps.computePercent()
			ps.percent.Store(floatBits(pct))
			if ps.processed.Load() >= ps.total {
				return
			}
		}
	}
}

// Snapshot returns the current progress for key
func (tr *Tracker) Snapshot(key string) (Progress, bool) {
	tr.mu.RLock()
	ps := tr.records[key]
	tr.mu.RUnlock()

	if ps == nil {
		return Progress{}, false
	}

	ps.mu.Lock()
	phase := ps.phase
	ps.mu.Unlock()

	return Progress{
		Percent:   floatFromBits(ps.percent.Load()),
		Processed: ps.processed.Load(),
		Total:     ps.total,
		Running:   ps.running.Load(),
		Phase:     phase,
	}, true
}

// Remove drops the records for the given keys, stopping their samplers
func (tr *Tracker) Remove(keys ...string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, key := range keys {
		if ps := tr.records[key]; ps != nil {
			ps.halt()
			delete(tr.records, key)
		}
	}
}
