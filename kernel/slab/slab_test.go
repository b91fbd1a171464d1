package slab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newSlab(t *testing.T, size, align, count uint32) *Allocator {
	t.Helper()
	a, err := New(size, align, count)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

func TestSlab_ExhaustAtCapacity(t *testing.T) {
	a := newSlab(t, 24, 4, 10)
	require.Equal(t, uint32(10), a.Cap())

	items := make([][]byte, 0, 10)
	for i := 0; i < 10; i++ {
		it, ok := a.Alloc()
		require.True(t, ok, "alloc %d", i)
		require.Len(t, it, 24)
		items = append(items, it)
	}
	_, ok := a.Alloc()
	require.False(t, ok)
	require.Equal(t, uint32(10), a.InUse())

	for _, it := range items {
		require.NoError(t, a.Free(it))
	}
	require.Equal(t, uint32(0), a.InUse())
}

func TestSlab_IndexRoundTrip(t *testing.T) {
	a := newSlab(t, 13, 8, 5)
	require.Equal(t, uint32(16), a.Stride())

	for i := 0; i < 5; i++ {
		it, ok := a.Alloc()
		require.True(t, ok)
		idx, ok := a.IndexOf(it)
		require.True(t, ok)

		back, ok := a.ItemByIndex(idx)
		require.True(t, ok)
		require.Same(t, &it[0], &back[0])
	}
}

func TestSlab_FreeThenReuse(t *testing.T) {
	a := newSlab(t, 8, 4, 2)
	x, _ := a.Alloc()
	y, _ := a.Alloc()
	xi, _ := a.IndexOf(x)

	require.NoError(t, a.Free(x))
	_, ok := a.ItemByIndex(xi)
	require.False(t, ok, "freed item is not addressable by index")

	z, ok := a.Alloc()
	require.True(t, ok)
	zi, _ := a.IndexOf(z)
	require.Equal(t, xi, zi)
	require.NoError(t, a.Free(y))
	require.NoError(t, a.Free(z))
}

func TestSlab_FreeContractViolations(t *testing.T) {
	a := newSlab(t, 16, 4, 4)
	it, _ := a.Alloc()

	require.ErrorIs(t, a.Free(it[1:]), ErrBadItem)
	require.ErrorIs(t, a.Free(make([]byte, 16)), ErrBadItem)
	require.ErrorIs(t, a.Free(nil), ErrBadItem)

	require.NoError(t, a.Free(it))
	require.ErrorIs(t, a.Free(it), ErrDoubleFree)
}

func TestSlab_ConstructorValidation(t *testing.T) {
	tests := []struct {
		name           string
		size, align, n uint32
		want           error
	}{
		{"zero size", 0, 4, 1, ErrBadSize},
		{"zero count", 4, 4, 0, ErrBadSize},
		{"zero align", 4, 0, 1, ErrBadAlign},
		{"odd align", 4, 3, 1, ErrBadAlign},
		{"align above word", 4, 16, 1, ErrBadAlign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.size, tt.align, tt.n)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSlab_ConcurrentAllocFree(t *testing.T) {
	a := newSlab(t, 8, 8, 32)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(tag byte) {
			defer wg.Done()
			for r := 0; r < 1000; r++ {
				it, ok := a.Alloc()
				if !ok {
					continue
				}
				for i := range it {
					it[i] = tag
				}
				for i := range it {
					if it[i] != tag {
						t.Errorf("item shared between owners")
						return
					}
				}
				if err := a.Free(it); err != nil {
					t.Errorf("free: %v", err)
					return
				}
			}
		}(byte(w + 1))
	}
	wg.Wait()
	require.Equal(t, uint32(0), a.InUse())
}

func TestPool_GetPutIndex(t *testing.T) {
	type rec struct {
		fn   func()
		data any
	}
	p, err := NewPool[rec](3)
	require.NoError(t, err)

	var got []*rec
	for i := 0; i < 3; i++ {
		r, ok := p.Get()
		require.True(t, ok)
		r.data = i
		got = append(got, r)
	}
	_, ok := p.Get()
	require.False(t, ok)

	idx, ok := p.IndexOf(got[1])
	require.True(t, ok)
	at, ok := p.At(idx)
	require.True(t, ok)
	require.Same(t, got[1], at)

	require.NoError(t, p.Put(got[1]))
	require.Nil(t, got[1].data, "Put clears the object")
	require.ErrorIs(t, p.Put(got[1]), ErrDoubleFree)
	require.ErrorIs(t, p.Put(&rec{}), ErrBadItem)
	require.Equal(t, uint32(2), p.InUse())
}
