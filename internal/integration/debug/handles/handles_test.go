package handles

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_CreateGet(t *testing.T) {
	tbl := New[string]("test")

	a := tbl.Create("a")
	b := tbl.Create("b")
	assert.Equal(t, First, a)
	assert.Equal(t, First+1, b)

	v, ok := tbl.Get(b)
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = tbl.Get(0)
	assert.False(t, ok)
	assert.Equal(t, 2, tbl.Len())
}

func TestTable_ResetNeverReuses(t *testing.T) {
	tbl := New[int]("test")
	old := tbl.Create(1)

	tbl.Reset()
	_, ok := tbl.Get(old)
	assert.False(t, ok)
	assert.Zero(t, tbl.Len())

	fresh := tbl.Create(2)
	assert.Greater(t, fresh, old)
}

func TestTable_ConcurrentCreateUnique(t *testing.T) {
	tbl := New[int]("test")
	const workers, per = 8, 100

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range per {
				h := tbl.Create(w*per + i)
				mu.Lock()
				assert.False(t, seen[h], "handle %d issued twice", h)
				seen[h] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*per)
}
