package hexdump

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlain(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	out := Plain(data, 0x7F0010002000, 16)
	assert.Equal(t, "7f0010002000  de ad be ef\n", out)

	out = Plain(make([]byte, 20), 0, 16)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "000000000010"))
}

func TestDumpLineLayout(t *testing.T) {
	data := make([]byte, 16)
	copy(data, "gold")

	opts := DefaultOptions()
	opts.BaseAddress = 0x1000
	out := Dump(data, opts)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "000000001000")
	assert.Contains(t, out, "67") // 'g'
	assert.Contains(t, out, "|")
}

func TestDumpMaxLines(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxLines = 2

	out := Dump(make([]byte, 64), opts)
	assert.Contains(t, out, "... 32 more bytes")
	assert.Len(t, strings.Split(strings.TrimRight(out, "\n"), "\n"), 3)
}

func TestMarkBytes(t *testing.T) {
	data := make([]byte, 32)
	copy(data[8:], []byte{0xAA, 0xBB})

	opts := Options{
		BaseAddress:    0x1000,
		Highlights:     []uint64{0x1010},
		HighlightWidth: 4,
		Pattern:        []byte{0xAA, 0xBB},
	}
	marks := markBytes(data, opts)

	// Candidate at 0x1010 covers offsets 16..19
	for i := 16; i < 20; i++ {
		assert.True(t, marks[i], "offset %d", i)
	}
	assert.False(t, marks[20])

	// Pattern occurrence covers offsets 8..9
	assert.True(t, marks[8])
	assert.True(t, marks[9])
	assert.False(t, marks[10])

	// Highlights below the base address never underflow
	opts.Highlights = []uint64{0x10}
	assert.NotPanics(t, func() { markBytes(data, opts) })
}
