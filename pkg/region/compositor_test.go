package region

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/huangch/openremoteslide/pkg/byteio"
	"github.com/huangch/openremoteslide/pkg/tifflike"
	"github.com/huangch/openremoteslide/pkg/tiffpool"
)

// buildUncompressedTile builds a single-directory, single-tile classic
// TIFF whose tile data is plain (uncompressed) contiguous 8-bit RGB, so
// the compositor exercises the fallback decode path without needing a
// real JPEG fixture.
func buildUncompressedTile(t *testing.T, tileW, tileH, imgW, imgH int, fill [3]byte) string {
	t.Helper()
	bo := binary.LittleEndian

	pixels := make([]byte, tileW*tileH*3)
	for i := 0; i < tileW*tileH; i++ {
		pixels[i*3] = fill[0]
		pixels[i*3+1] = fill[1]
		pixels[i*3+2] = fill[2]
	}

	type tagVal struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	tags := []tagVal{
		{tifflike.TagImageWidth, 4, 1, uint32(imgW)},
		{tifflike.TagImageLength, 4, 1, uint32(imgH)},
		{tifflike.TagBitsPerSample, 3, 1, 8},
		{tifflike.TagCompression, 3, 1, 1}, // none
		{tifflike.TagPhotometricInterpretation, 3, 1, tifflike.PhotometricRGB},
		{tifflike.TagSamplesPerPixel, 3, 1, 3},
		{tifflike.TagPlanarConfig, 3, 1, tifflike.PlanarConfigContig},
		{tifflike.TagTileWidth, 3, 1, uint32(tileW)},
		{tifflike.TagTileLength, 3, 1, uint32(tileH)},
		{tifflike.TagTileOffsets, 4, 1, 0},   // patched below
		{tifflike.TagTileByteCounts, 4, 1, uint32(len(pixels))},
	}

	const numEntries = len(tags)
	ifdOff := uint32(8)
	ifdSize := 2 + numEntries*12 + 4
	pixelOff := ifdOff + uint32(ifdSize)

	buf := make([]byte, int(pixelOff)+len(pixels))
	bo.PutUint16(buf[0:2], uint16('I')|uint16('I')<<8)
	bo.PutUint16(buf[2:4], 42)
	bo.PutUint32(buf[4:8], ifdOff)

	p := buf[ifdOff:]
	bo.PutUint16(p[0:2], uint16(numEntries))
	for i, tv := range tags {
		e := p[2+i*12:]
		val := tv.value
		if tv.tag == tifflike.TagTileOffsets {
			val = pixelOff
		}
		bo.PutUint16(e[0:2], tv.tag)
		bo.PutUint16(e[2:4], tv.typ)
		bo.PutUint32(e[4:8], tv.count)
		bo.PutUint32(e[8:12], val)
	}
	bo.PutUint32(p[2+numEntries*12:], 0)

	copy(buf[pixelOff:], pixels)

	path := filepath.Join(t.TempDir(), "region.tif")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestReadRegion_SingleTileWholeImage(t *testing.T) {
	path := buildUncompressedTile(t, 16, 16, 16, 16, [3]byte{200, 100, 50})

	reg := byteio.NewRegistry()
	defer reg.Shutdown()
	pool := tiffpool.New(reg, path)

	h, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	comp, err := NewCompositor(pool, h.File)
	require.NoError(t, err)
	pool.Return(h)

	require.Equal(t, 1, comp.LevelCount())
	w, hh, err := comp.LevelDimensions(0)
	require.NoError(t, err)
	require.Equal(t, int64(16), w)
	require.Equal(t, int64(16), hh)

	dst := make([]uint32, 16*16)
	require.NoError(t, comp.ReadRegion(context.Background(), 0, 0, 0, 16, 16, dst))

	want := uint32(255)<<24 | uint32(200)<<16 | uint32(100)<<8 | uint32(50)
	for _, px := range dst {
		require.Equal(t, want, px)
	}
}

func TestReadRegion_PartialRectangleOffsetIntoTile(t *testing.T) {
	path := buildUncompressedTile(t, 16, 16, 16, 16, [3]byte{1, 2, 3})

	reg := byteio.NewRegistry()
	defer reg.Shutdown()
	pool := tiffpool.New(reg, path)

	h, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	comp, err := NewCompositor(pool, h.File)
	require.NoError(t, err)
	pool.Return(h)

	dst := make([]uint32, 4*4)
	require.NoError(t, comp.ReadRegion(context.Background(), 0, 8, 8, 4, 4, dst))

	want := uint32(255)<<24 | uint32(1)<<16 | uint32(2)<<8 | uint32(3)
	for _, px := range dst {
		require.Equal(t, want, px)
	}
}

func TestBestLevelForDownsample_PicksLargestDownsampleNotExceedingRequest(t *testing.T) {
	c := &Compositor{downsample: []float64{1, 4, 16}}
	require.Equal(t, 0, c.BestLevelForDownsample(1))
	require.Equal(t, 1, c.BestLevelForDownsample(5))
	require.Equal(t, 2, c.BestLevelForDownsample(100))
	require.Equal(t, 0, c.BestLevelForDownsample(0.5))
}
