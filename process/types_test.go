package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	table := NewTable()
	require.Equal(t, 0, table.Len())

	table.Add(&Record{PID: 30, ExePath: "/bin/b"})
	table.Add(&Record{PID: 10, ExePath: "/bin/a"})
	table.Add(&Record{PID: 20, ExePath: "/bin/a"})

	rec, ok := table.Get(10)
	require.True(t, ok)
	assert.Equal(t, "/bin/a", rec.ExePath)

	// replacing keeps a single record per pid
	table.Add(&Record{PID: 10, ExePath: "/bin/c"})
	assert.Equal(t, 3, table.Len())
	rec, _ = table.Get(10)
	assert.Equal(t, "/bin/c", rec.ExePath)

	list := table.List()
	require.Len(t, list, 3)
	assert.Equal(t, []uint32{10, 20, 30}, []uint32{list[0].PID, list[1].PID, list[2].PID})

	table.Remove(20)
	_, ok = table.Get(20)
	assert.False(t, ok)

	table.Reset()
	assert.Equal(t, 0, table.Len())
	assert.Empty(t, table.List())
}
