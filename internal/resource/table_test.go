package resource

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type counted struct {
	n *atomic.Int32
}

func (c counted) Finalize() { c.n.Add(1) }

func TestTable_AddGetRelease(t *testing.T) {
	tbl := NewTable[string]()

	h, err := tbl.Add("body")
	require.NoError(t, err)
	require.NotZero(t, h)

	v, ok := tbl.Get(h)
	require.True(t, ok)
	assert.Equal(t, "body", v)

	assert.True(t, tbl.Release(h))
	_, ok = tbl.Get(h)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_FinalizeExactlyOnce(t *testing.T) {
	var n atomic.Int32
	tbl := NewTable[counted]()
	h, err := tbl.Add(counted{&n})
	require.NoError(t, err)
	require.NoError(t, tbl.Retain(h))

	// Explicit close by the script and GC finalization both release.
	assert.True(t, tbl.Release(h))
	assert.Equal(t, int32(0), n.Load())
	assert.True(t, tbl.Release(h))
	assert.Equal(t, int32(1), n.Load())

	assert.False(t, tbl.Release(h))
	assert.False(t, tbl.Drop(h))
	tbl.Close()
	assert.Equal(t, int32(1), n.Load())
}

func TestTable_StaleHandleDoesNotAlias(t *testing.T) {
	tbl := NewTable[string]()
	old, err := tbl.Add("first")
	require.NoError(t, err)
	require.True(t, tbl.Drop(old))

	fresh, err := tbl.Add("second")
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh, "recycled slot must get a new generation")

	_, ok := tbl.Get(old)
	assert.False(t, ok)
	assert.False(t, tbl.Release(old))
	v, ok := tbl.Get(fresh)
	require.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestTable_ZeroHandleInvalid(t *testing.T) {
	tbl := NewTable[int]()
	_, ok := tbl.Get(0)
	assert.False(t, ok)
	assert.ErrorIs(t, tbl.Retain(0), ErrInvalidHandle)
}

func TestTable_CloseFinalizesAll(t *testing.T) {
	var n atomic.Int32
	tbl := NewTable[counted]()
	for i := 0; i < 5; i++ {
		_, err := tbl.Add(counted{&n})
		require.NoError(t, err)
	}
	tbl.Close()
	tbl.Close()
	assert.Equal(t, int32(5), n.Load())

	_, err := tbl.Add(counted{&n})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTable_ConcurrentRelease(t *testing.T) {
	var n atomic.Int32
	tbl := NewTable[counted]()
	h, err := tbl.Add(counted{&n})
	require.NoError(t, err)
	for i := 0; i < 99; i++ {
		require.NoError(t, tbl.Retain(h))
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.Release(h)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), n.Load())
}

func TestTable_HandlesFitInJSNumber(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tbl := NewTable[int]()
		ops := rapid.IntRange(1, 200).Draw(t, "ops")
		var live []Handle
		for i := 0; i < ops; i++ {
			if len(live) > 0 && rapid.Bool().Draw(t, "drop") {
				j := rapid.IntRange(0, len(live)-1).Draw(t, "idx")
				if !tbl.Drop(live[j]) {
					t.Fatalf("drop of live handle %d failed", live[j])
				}
				live = append(live[:j], live[j+1:]...)
				continue
			}
			h, err := tbl.Add(i)
			if err != nil {
				t.Fatal(err)
			}
			if uint64(h) >= 1<<53 {
				t.Fatalf("handle %d exceeds safe integer range", h)
			}
			live = append(live, h)
		}
		if tbl.Len() != len(live) {
			t.Fatalf("Len = %d, want %d", tbl.Len(), len(live))
		}
	})
}
