package scan

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterKey(t *testing.T) {
	assert.Equal(t, "filter_abc", FilterKey("abc"))
}

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	tr.interval = time.Millisecond

	ps := tr.Begin("s1", 1000, "scanning")

	p, ok := tr.Snapshot("s1")
	require.True(t, ok)
	assert.True(t, p.Running)
	assert.Equal(t, "scanning", p.Phase)
	assert.Equal(t, uint64(1000), p.Total)

	ps.add(250)
	require.Eventually(t, func() bool {
		p, _ := tr.Snapshot("s1")
		return p.Percent == 25
	}, time.Second, time.Millisecond)

	p, _ = tr.Snapshot("s1")
	assert.Equal(t, uint64(250), p.Processed)

	ps.add(750)
	ps.setPhase("complete")
	ps.finish()

	p, ok = tr.Snapshot("s1")
	require.True(t, ok)
	assert.False(t, p.Running)
	assert.Equal(t, float64(100), p.Percent)
	assert.Equal(t, "complete", p.Phase)
}

func TestTrackerFailure(t *testing.T) {
	tr := NewTracker()
	ps := tr.Begin("s1", 100, "filtering")

	ps.add(40)
	ps.fail(errors.New("target went away"))

	p, ok := tr.Snapshot("s1")
	require.True(t, ok)
	assert.False(t, p.Running)
	assert.Equal(t, "Error: target went away", p.Phase)
	assert.Equal(t, float64(40), p.Percent)
}

func TestTrackerZeroTotal(t *testing.T) {
	// A pass over an empty candidate set still terminates at 100%
	tr := NewTracker()
	ps := tr.Begin("s1", 0, "filtering")
	ps.finish()

	p, ok := tr.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, float64(100), p.Percent)
	assert.False(t, p.Running)
}

func TestTrackerReplaceAndRemove(t *testing.T) {
	tr := NewTracker()

	old := tr.Begin("s1", 100, "scanning")
	old.add(100)

	// A fresh pass under the same key starts from zero
	tr.Begin("s1", 200, "scanning")
	p, ok := tr.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, uint64(0), p.Processed)
	assert.Equal(t, uint64(200), p.Total)

	tr.Begin(FilterKey("s1"), 50, "filtering")
	tr.Remove("s1", FilterKey("s1"))

	_, ok = tr.Snapshot("s1")
	assert.False(t, ok)
	_, ok = tr.Snapshot(FilterKey("s1"))
	assert.False(t, ok)
}
