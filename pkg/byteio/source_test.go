package byteio

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/huangch/openremoteslide/pkg/common"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slide.tiff")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestSource_LocalReadMatchesDirectFileRead(t *testing.T) {
	data := make([]byte, 5*common.BlockSize+137)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := writeTempFile(t, data)

	reg := NewRegistry()
	defer reg.Shutdown()

	src, err := reg.Open(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), src.Size())

	ranges := [][2]int64{{0, 10}, {100, 300}, {common.BlockSize - 5, 20}, {common.BlockSize, common.ThreadCacheSize + 7}}
	for _, r := range ranges {
		off, n := r[0], r[1]
		_, err := src.Seek(off, 0)
		require.NoError(t, err)
		dst := make([]byte, n)
		got, err := src.Read(context.Background(), dst)
		require.NoError(t, err)
		require.Equal(t, data[off:off+int64(got)], dst[:got])
	}
}

func TestSource_ShortReadAtEOFIsNotAnError(t *testing.T) {
	data := []byte("hello world")
	path := writeTempFile(t, data)

	reg := NewRegistry()
	defer reg.Shutdown()
	src, err := reg.Open(context.Background(), path)
	require.NoError(t, err)

	_, err = src.Seek(6, 0)
	require.NoError(t, err)
	dst := make([]byte, 100)
	n, err := src.Read(context.Background(), dst)
	require.NoError(t, err)
	require.Equal(t, "world", string(dst[:n]))
	require.True(t, src.Eof())
}

func TestSource_CacheHitCounters(t *testing.T) {
	data := make([]byte, common.BlockSize+10)
	path := writeTempFile(t, data)

	reg := NewRegistry()
	defer reg.Shutdown()
	src, err := reg.Open(context.Background(), path)
	require.NoError(t, err)

	dst := make([]byte, 32)
	_, err = src.Read(context.Background(), dst)
	require.NoError(t, err)
	first := src.Stats.Snapshot()
	require.Equal(t, int64(1), first.BlockMisses)

	_, err = src.Seek(0, 0)
	require.NoError(t, err)
	_, err = src.Read(context.Background(), dst)
	require.NoError(t, err)
	second := src.Stats.Snapshot()
	require.Equal(t, first.BlockMisses, second.BlockMisses)
	require.Equal(t, int64(1), second.BlockHits)
}

func TestSource_RegistryResurrectClearsCache(t *testing.T) {
	data := make([]byte, common.BlockSize+10)
	path := writeTempFile(t, data)

	reg := NewRegistry()
	defer reg.Shutdown()
	src, err := reg.Open(context.Background(), path)
	require.NoError(t, err)

	dst := make([]byte, 32)
	_, err = src.Read(context.Background(), dst)
	require.NoError(t, err)
	require.Equal(t, int64(1), src.Stats.Snapshot().BlockMisses)
	require.NoError(t, src.Close())

	same, err := reg.Open(context.Background(), path)
	require.NoError(t, err)
	require.Same(t, src, same)
	require.Equal(t, int64(0), same.Stats.Snapshot().BlockMisses)
	require.Equal(t, int64(0), same.Tell())
}

func TestSource_ReleaseThenReopenIsFresh(t *testing.T) {
	data := []byte("abcdefgh")
	path := writeTempFile(t, data)

	reg := NewRegistry()
	defer reg.Shutdown()
	first, err := reg.Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, reg.Release(path))

	second, err := reg.Open(context.Background(), path)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	require.NoError(t, reg.Release("unknown://nope"))
}

func TestSource_HTTPBackendRangedFetch(t *testing.T) {
	httpmock.ActivateNonDefault(sharedHTTPClient)
	defer httpmock.DeactivateAndReset()

	body := make([]byte, 4*common.ThreadCacheSize+42)
	for i := range body {
		body[i] = byte(i % 17)
	}

	httpmock.RegisterResponder("GET", "http://example.test/slide.svs",
		func(req *http.Request) (*http.Response, error) {
			rng := req.Header.Get("Range")
			var start, end int64
			if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, "bad range"), nil
			}
			if end >= int64(len(body)) {
				end = int64(len(body)) - 1
			}
			resp := httpmock.NewBytesResponse(http.StatusPartialContent, body[start:end+1])
			resp.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
			return resp, nil
		})

	reg := NewRegistry()
	defer reg.Shutdown()
	src, err := reg.Open(context.Background(), "http://example.test/slide.svs")
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), src.Size())

	dst := make([]byte, len(body))
	n, err := src.Read(context.Background(), dst)
	require.NoError(t, err)
	require.Equal(t, body, dst[:n])
}
