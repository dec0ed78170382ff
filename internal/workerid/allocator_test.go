package workerid

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	sidetest "github.com/Dastari/sidereal/testing"
	"github.com/Dastari/sidereal/types"
)

func TestAllocator_Allocate(t *testing.T) {
	t.Run("hands out ascending IDs", func(t *testing.T) {
		_, nc := sidetest.StartEmbeddedNATS(t)
		kv := sidetest.CreateKV(t, nc, "ids-ascending")

		a := NewAllocator(kv, "shard", 8, sidetest.NewTestLogger(t))

		for i := 0; i < 3; i++ {
			id, err := a.Allocate(context.Background())
			require.NoError(t, err)
			require.Equal(t, types.WorkerID(fmt.Sprintf("shard-%d", i)), id)
		}
	})

	t.Run("reuses released IDs lowest first", func(t *testing.T) {
		_, nc := sidetest.StartEmbeddedNATS(t)
		kv := sidetest.CreateKV(t, nc, "ids-reuse")

		a := NewAllocator(kv, "shard", 8, nil)

		first, err := a.Allocate(context.Background())
		require.NoError(t, err)
		require.Equal(t, types.WorkerID("shard-0"), first)

		_, err = a.Allocate(context.Background())
		require.NoError(t, err)

		require.NoError(t, a.Release(context.Background(), first))

		again, err := a.Allocate(context.Background())
		require.NoError(t, err)
		require.Equal(t, types.WorkerID("shard-0"), again)
	})

	t.Run("exhausts the pool", func(t *testing.T) {
		_, nc := sidetest.StartEmbeddedNATS(t)
		kv := sidetest.CreateKV(t, nc, "ids-exhausted")

		a := NewAllocator(kv, "shard", 2, nil)

		_, err := a.Allocate(context.Background())
		require.NoError(t, err)
		_, err = a.Allocate(context.Background())
		require.NoError(t, err)

		_, err = a.Allocate(context.Background())
		require.ErrorIs(t, err, ErrPoolExhausted)
	})

	t.Run("concurrent allocations never collide", func(t *testing.T) {
		_, nc := sidetest.StartEmbeddedNATS(t)
		kv := sidetest.CreateKV(t, nc, "ids-concurrent")

		a := NewAllocator(kv, "shard", 32, nil)

		const workers = 10

		var wg sync.WaitGroup
		ids := make([]types.WorkerID, workers)
		errs := make([]error, workers)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				ids[idx], errs[idx] = a.Allocate(context.Background())
			}(i)
		}
		wg.Wait()

		seen := make(map[types.WorkerID]bool)
		for i := 0; i < workers; i++ {
			require.NoError(t, errs[i])
			require.False(t, seen[ids[i]], "duplicate ID %s", ids[i])
			seen[ids[i]] = true
		}
	})
}

func TestAllocator_Release(t *testing.T) {
	t.Run("rejects unallocated IDs", func(t *testing.T) {
		_, nc := sidetest.StartEmbeddedNATS(t)
		kv := sidetest.CreateKV(t, nc, "ids-release-missing")

		a := NewAllocator(kv, "shard", 8, nil)
		require.ErrorIs(t, a.Release(context.Background(), "shard-5"), ErrNotAllocated)
	})
}

func TestAllocator_Allocated(t *testing.T) {
	t.Run("empty pool", func(t *testing.T) {
		_, nc := sidetest.StartEmbeddedNATS(t)
		kv := sidetest.CreateKV(t, nc, "ids-list-empty")

		a := NewAllocator(kv, "shard", 8, nil)

		ids, err := a.Allocated(context.Background())
		require.NoError(t, err)
		require.Empty(t, ids)
	})

	t.Run("lists claimed IDs", func(t *testing.T) {
		_, nc := sidetest.StartEmbeddedNATS(t)
		kv := sidetest.CreateKV(t, nc, "ids-list")

		a := NewAllocator(kv, "shard", 8, nil)

		for i := 0; i < 3; i++ {
			_, err := a.Allocate(context.Background())
			require.NoError(t, err)
		}

		ids, err := a.Allocated(context.Background())
		require.NoError(t, err)
		require.ElementsMatch(t,
			[]types.WorkerID{"shard-0", "shard-1", "shard-2"}, ids)
	})
}
