package memory_map

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `00400000-0040b000 r-xp 00000000 08:01 1048578 /usr/bin/cat
0060a000-0060b000 rw-p 0000a000 08:01 1048578 /usr/bin/cat
00e0f000-00e30000 rw-p 00000000 00:00 0 [heap]
7ffc8a000000-7ffc8a021000 rw-p 00000000 00:00 0 [stack]
ffffffffff600000-ffffffffff601000 --xp 00000000 00:00 0 [vsyscall]
garbage line
12345-notahex r--p 00000000 00:00 0
`

func TestParse(t *testing.T) {
	items, err := Parse(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, items, 5)

	assert.Equal(t, uint64(0x400000), items[0].Address)
	assert.Equal(t, uint(0xb000), items[0].Size)
	assert.Equal(t, "r-xp", items[0].Perms)
	assert.Equal(t, "/usr/bin/cat", items[0].Path)

	assert.True(t, items[0].IsReadable())
	assert.False(t, items[0].IsWritable())
	assert.True(t, items[0].IsExecutable())

	heap := items[2]
	assert.Equal(t, "[heap]", heap.Path)
	assert.True(t, heap.IsWritable())

	vsyscall := items[4]
	assert.False(t, vsyscall.IsReadable())
}

func TestFindRegion(t *testing.T) {
	items, err := Parse(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	SortByAddress(items)

	r := FindRegion(0x400000, items)
	require.NotNil(t, r)
	assert.Equal(t, uint64(0x400000), r.Address)

	// Last byte of the first region
	r = FindRegion(0x40afff, items)
	require.NotNil(t, r)
	assert.Equal(t, uint64(0x400000), r.Address)

	// End address is exclusive
	r = FindRegion(0x40b000, items)
	assert.Nil(t, r)

	// Gap between regions
	assert.Nil(t, FindRegion(0x500000, items))
	assert.Nil(t, FindRegion(0, items))
}
