package bitset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitset_AllocateExactlyLen(t *testing.T) {
	for _, n := range []uint32{1, 7, 63, 64, 65, 130} {
		bs := New(n)
		seen := make(map[uint32]bool)
		for i := uint32(0); i < n; i++ {
			idx, ok := bs.FindClearAndSet()
			require.True(t, ok, "n=%d i=%d", n, i)
			require.Less(t, idx, n)
			require.False(t, seen[idx], "duplicate index %d", idx)
			seen[idx] = true
		}
		_, ok := bs.FindClearAndSet()
		require.False(t, ok, "n=%d: allocation past Len must fail", n)
		require.Equal(t, n, bs.Count())
	}
}

func TestBitset_ClearMakesBitReusable(t *testing.T) {
	bs := New(3)
	for i := 0; i < 3; i++ {
		_, ok := bs.FindClearAndSet()
		require.True(t, ok)
	}
	bs.ClearBit(1)
	require.False(t, bs.GetBit(1))

	idx, ok := bs.FindClearAndSet()
	require.True(t, ok)
	require.Equal(t, uint32(1), idx)
	require.True(t, bs.GetBit(1))
}

func TestBitset_OutOfRangeIgnored(t *testing.T) {
	bs := New(10)
	bs.SetBit(10)
	bs.SetBit(500)
	bs.ClearBit(500)
	require.False(t, bs.GetBit(10))
	require.Equal(t, uint32(0), bs.Count())
}

func TestBitset_BulkReadMasksPadding(t *testing.T) {
	bs := New(70)
	bs.SetBit(0)
	bs.SetBit(69)

	dst := make([]uint64, 2)
	n := bs.BulkRead(dst)
	require.Equal(t, 2, n)
	require.Equal(t, uint64(1), dst[0])
	require.Equal(t, uint64(1)<<5, dst[1])
}

func TestBitset_ConcurrentNoDuplicates(t *testing.T) {
	const (
		n       = 200
		workers = 8
	)
	bs := New(n)

	var (
		mu   sync.Mutex
		got  []uint32
		wg   sync.WaitGroup
		fail int
	)
	start := make(chan struct{})
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			<-start
			for {
				idx, ok := bs.FindClearAndSet()
				mu.Lock()
				if !ok {
					fail++
					mu.Unlock()
					return
				}
				got = append(got, idx)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, got, n)
	require.Equal(t, workers, fail)
	seen := make(map[uint32]bool, n)
	for _, idx := range got {
		require.False(t, seen[idx], "index %d handed out twice", idx)
		seen[idx] = true
	}
}

func TestBitset_ConcurrentChurn(t *testing.T) {
	const (
		n       = 16
		workers = 6
		rounds  = 2000
	)
	bs := New(n)
	owners := make([]int32, n)
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int32) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				idx, ok := bs.FindClearAndSet()
				if !ok {
					continue
				}
				mu.Lock()
				if owners[idx] != 0 {
					mu.Unlock()
					t.Errorf("index %d owned by %d and %d", idx, owners[idx], id)
					return
				}
				owners[idx] = id
				mu.Unlock()

				mu.Lock()
				owners[idx] = 0
				mu.Unlock()
				bs.ClearBit(idx)
			}
		}(int32(w + 1))
	}
	wg.Wait()
	require.Equal(t, uint32(0), bs.Count())
}
