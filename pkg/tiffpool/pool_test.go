package tiffpool

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/huangch/openremoteslide/pkg/byteio"
	"github.com/huangch/openremoteslide/pkg/common"
)

func buildMinimalTIFF(t *testing.T) string {
	t.Helper()
	bo := binary.LittleEndian
	const numEntries = 1
	ifdOff := uint32(8)
	ifdSize := 2 + numEntries*12 + 4
	buf := make([]byte, int(ifdOff)+ifdSize)
	bo.PutUint16(buf[0:2], uint16('I')|uint16('I')<<8)
	bo.PutUint16(buf[2:4], 42)
	bo.PutUint32(buf[4:8], ifdOff)

	p := buf[ifdOff:]
	bo.PutUint16(p[0:2], numEntries)
	e := p[2:14]
	bo.PutUint16(e[0:2], 256) // ImageWidth
	bo.PutUint16(e[2:4], 4)   // LONG
	bo.PutUint32(e[4:8], 1)
	bo.PutUint32(e[8:12], 999)
	bo.PutUint32(p[2+12:], 0)

	path := filepath.Join(t.TempDir(), "pool.tif")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestPool_CheckoutReturnCap(t *testing.T) {
	path := buildMinimalTIFF(t)
	reg := byteio.NewRegistry()
	defer reg.Shutdown()

	pool := New(reg, path)

	var handles []*Handle
	for i := 0; i < common.HandleCacheMax+5; i++ {
		h, err := pool.Checkout(context.Background())
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.Equal(t, common.HandleCacheMax+5, pool.Outstanding())

	for _, h := range handles {
		pool.Return(h)
	}
	require.Equal(t, 0, pool.Outstanding())
	require.LessOrEqual(t, pool.IdleLen(), common.HandleCacheMax)

	pool.Destroy()
	require.Equal(t, 0, pool.IdleLen())
}

func TestPool_ConcurrentCheckoutNoSharedOwner(t *testing.T) {
	path := buildMinimalTIFF(t)
	reg := byteio.NewRegistry()
	defer reg.Shutdown()
	pool := New(reg, path)

	const goroutines = 16
	const iterations = 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				h, err := pool.Checkout(context.Background())
				require.NoError(t, err)
				h.mu.Lock()
				owner := h.owner
				h.mu.Unlock()
				require.NotEqual(t, uuid.Nil, owner)
				require.NotEmpty(t, h.File.Directories)
				h.mu.Lock()
				stillOwned := h.owner == owner
				h.mu.Unlock()
				require.True(t, stillOwned, "handle was checked out by another goroutine while held")
				pool.Return(h)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 0, pool.Outstanding())
	require.LessOrEqual(t, pool.IdleLen(), common.HandleCacheMax)
}
