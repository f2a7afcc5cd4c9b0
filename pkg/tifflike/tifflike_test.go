package tifflike

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/huangch/openremoteslide/pkg/byteio"
)

// buildClassicTIFF assembles a minimal little-endian classic TIFF with one
// tiled, JPEG-compressed IFD. It is hand-built byte-for-byte rather than
// produced by a TIFF writer, since the point is to exercise the directory
// parser against a known layout.
func buildClassicTIFF(t *testing.T) []byte {
	t.Helper()
	bo := binary.LittleEndian

	type tagVal struct {
		tag   uint16
		typ   uint16
		count uint32
		value uint32 // used when it fits in 4 bytes
	}
	tags := []tagVal{
		{TagNewSubfileType, 4, 1, 0},
		{TagImageWidth, 4, 1, 1024},
		{TagImageLength, 4, 1, 768},
		{TagBitsPerSample, 3, 1, 8},
		{TagCompression, 3, 1, CompressionJPEG},
		{TagPhotometricInterpretation, 3, 1, PhotometricYCbCr},
		{TagSamplesPerPixel, 3, 1, 3},
		{TagPlanarConfig, 3, 1, PlanarConfigContig},
		{TagTileWidth, 3, 1, 256},
		{TagTileLength, 3, 1, 256},
	}

	const numEntries = len(tags)
	ifdSize := 2 + numEntries*12 + 4
	ifdOff := uint32(8)

	buf := make([]byte, ifdOff+uint32(ifdSize))
	bo.PutUint16(buf[0:2], uint16('I')|uint16('I')<<8) // "II"
	bo.PutUint16(buf[2:4], 42)
	bo.PutUint32(buf[4:8], ifdOff)

	p := buf[ifdOff:]
	bo.PutUint16(p[0:2], uint16(numEntries))
	for i, tv := range tags {
		e := p[2+i*12:]
		bo.PutUint16(e[0:2], tv.tag)
		bo.PutUint16(e[2:4], tv.typ)
		bo.PutUint32(e[4:8], tv.count)
		bo.PutUint32(e[8:12], tv.value)
	}
	bo.PutUint32(p[2+numEntries*12:], 0) // no next IFD
	return buf
}

func TestOpen_ParsesTiledDirectory(t *testing.T) {
	data := buildClassicTIFF(t)
	path := filepath.Join(t.TempDir(), "x.tif")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	reg := byteio.NewRegistry()
	defer reg.Shutdown()
	src, err := reg.Open(context.Background(), path)
	require.NoError(t, err)

	f, err := Open(context.Background(), path, src)
	require.NoError(t, err)
	require.False(t, f.BigTIFF)
	require.Len(t, f.Directories, 1)

	dir := f.Directories[0]
	require.True(t, dir.IsTiled())

	w, ok := dir.GetUint(TagImageWidth)
	require.True(t, ok)
	require.Equal(t, uint64(1024), w)

	compression, ok := dir.GetUint(TagCompression)
	require.True(t, ok)
	require.Equal(t, uint64(CompressionJPEG), compression)

	photometric, _ := dir.GetUint(TagPhotometricInterpretation)
	require.Equal(t, uint64(PhotometricYCbCr), photometric)
}

func TestOpen_RejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notatiff.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a tiff file at all"), 0o644))

	reg := byteio.NewRegistry()
	defer reg.Shutdown()
	src, err := reg.Open(context.Background(), path)
	require.NoError(t, err)

	_, err = Open(context.Background(), path, src)
	require.Error(t, err)
}
