package slide

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/huangch/openremoteslide/pkg/tifflike"
)

// buildSingleLevelTIFF writes a minimal one-directory, one-tile,
// uncompressed-RGB classic TIFF big enough to exercise Open/ReadRegion
// end to end.
func buildSingleLevelTIFF(t *testing.T) string {
	t.Helper()
	bo := binary.LittleEndian
	const dim = 8

	pixels := make([]byte, dim*dim*3)
	for i := 0; i < dim*dim; i++ {
		pixels[i*3] = 10
		pixels[i*3+1] = 20
		pixels[i*3+2] = 30
	}

	type tagVal struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	tags := []tagVal{
		{tifflike.TagImageWidth, 4, 1, dim},
		{tifflike.TagImageLength, 4, 1, dim},
		{tifflike.TagBitsPerSample, 3, 1, 8},
		{tifflike.TagCompression, 3, 1, 1},
		{tifflike.TagPhotometricInterpretation, 3, 1, tifflike.PhotometricRGB},
		{tifflike.TagSamplesPerPixel, 3, 1, 3},
		{tifflike.TagPlanarConfig, 3, 1, tifflike.PlanarConfigContig},
		{tifflike.TagTileWidth, 3, 1, dim},
		{tifflike.TagTileLength, 3, 1, dim},
		{tifflike.TagTileOffsets, 4, 1, 0},
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

	path := filepath.Join(t.TempDir(), "slide.tif")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestOpen_UnrecognizedFileReturnsNilWithoutError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notaslide.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text, not a tiff"), 0o644))

	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestOpen_ReadRegionAndProperties(t *testing.T) {
	path := buildSingleLevelTIFF(t)
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Close()
	require.NoError(t, s.Error())

	require.Equal(t, 1, s.LevelCount())
	w, h := s.Level0Dimensions()
	require.Equal(t, int64(8), w)
	require.Equal(t, int64(8), h)
	require.Equal(t, 1.0, s.LevelDownsample(0))
	require.Equal(t, 0, s.BestLevelForDownsample(1))

	dst := make([]uint32, 8*8)
	s.ReadRegion(context.Background(), 0, 0, 0, 8, 8, dst)
	require.NoError(t, s.Error())
	want := uint32(255)<<24 | uint32(10)<<16 | uint32(20)<<8 | uint32(30)
	for _, px := range dst {
		require.Equal(t, want, px)
	}

	names := s.PropertyNames()
	require.Contains(t, names, "openremoteslide.vendor")
	v, ok := s.PropertyValue("openremoteslide.vendor")
	require.True(t, ok)
	require.Equal(t, "generic-tiff", v)

	_, ok = s.PropertyValue("openremoteslide.quickhash-1")
	require.True(t, ok)
}

func TestOpen_ReadRegionOutOfRangeLevelSetsTerminalError(t *testing.T) {
	path := buildSingleLevelTIFF(t)
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Close()

	dst := make([]uint32, 4)
	dst[0] = 0xFFFFFFFF
	s.ReadRegion(context.Background(), 5, 0, 0, 2, 2, dst)
	require.Error(t, s.Error())
	for _, px := range dst {
		require.Equal(t, uint32(0), px)
	}

	// Once terminal, all further calls are no-ops returning sentinels.
	require.Equal(t, 0, s.LevelCount())
	require.Nil(t, s.PropertyNames())
}

func TestOpen_ReadRegionNegativeSizeSetsTerminalError(t *testing.T) {
	path := buildSingleLevelTIFF(t)
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Close()

	dst := make([]uint32, 4)
	dst[0] = 0xFFFFFFFF
	s.ReadRegion(context.Background(), 0, 0, 0, -5, 2, dst)
	require.Error(t, s.Error())
	for _, px := range dst {
		require.Equal(t, uint32(0), px)
	}

	// Once terminal, all further calls are no-ops returning sentinels.
	require.Equal(t, 0, s.LevelCount())
	require.Nil(t, s.PropertyNames())
}

func TestDetectVendor_UnrecognizedReturnsEmptyNoError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.bin")
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0o644))
	vendor, err := DetectVendor(context.Background(), path)
	require.NoError(t, err)
	require.Empty(t, vendor)
}

func TestDetectVendor_RecognizesTiledTIFF(t *testing.T) {
	path := buildSingleLevelTIFF(t)
	vendor, err := DetectVendor(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "generic-tiff", vendor)
}
