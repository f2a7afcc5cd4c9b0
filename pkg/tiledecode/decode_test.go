package tiledecode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRawTile_UnpacksContiguousRGB(t *testing.T) {
	const w, h = 2, 2
	raw := []byte{
		255, 0, 0, 0, 255, 0,
		0, 0, 255, 10, 20, 30,
	}
	level := &Level{Compression: compressionNone, TileWidth: w, TileHeight: h, Width: w, Height: h}
	tile, err := decodeRawTile(level, raw, w, h)
	require.NoError(t, err)
	require.Equal(t, argb(255, 255, 0, 0), tile.Pixels[0])
	require.Equal(t, argb(255, 0, 255, 0), tile.Pixels[1])
	require.Equal(t, argb(255, 0, 0, 255), tile.Pixels[2])
	require.Equal(t, argb(255, 10, 20, 30), tile.Pixels[3])
}

func TestDecodeRawTile_TooShortIsError(t *testing.T) {
	level := &Level{Compression: compressionNone, TileWidth: 4, TileHeight: 4, Width: 4, Height: 4}
	_, err := decodeRawTile(level, []byte{1, 2, 3}, 4, 4)
	require.Error(t, err)
}

func TestDecompress_UnsupportedCompressionErrors(t *testing.T) {
	_, err := decompress(99999, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecompress_NoneIsPassthrough(t *testing.T) {
	data := []byte{9, 8, 7}
	out, err := decompress(compressionNone, data)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestClipBoundaryTile_ZeroesRightAndBottomOverhang(t *testing.T) {
	// A 4x4 tile where the level is only 3 wide and 2 tall: column 3 and
	// row 2-3 are padding the original engine would zero.
	level := &Level{TileWidth: 4, TileHeight: 4, Width: 3, Height: 2}
	tile := &Tile{Width: 4, Height: 4, Pixels: make([]uint32, 16)}
	for i := range tile.Pixels {
		tile.Pixels[i] = 0xFFFFFFFF
	}
	clipBoundaryTile(tile, level, 0, 0)

	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			px := tile.Pixels[y*4+x]
			if x < 3 && y < 2 {
				require.Equal(t, uint32(0xFFFFFFFF), px, "x=%d y=%d should be untouched", x, y)
			} else {
				require.Equal(t, uint32(0), px, "x=%d y=%d should be cleared", x, y)
			}
		}
	}
}

func TestClipBoundaryTile_InteriorTileUntouched(t *testing.T) {
	level := &Level{TileWidth: 4, TileHeight: 4, Width: 100, Height: 100}
	tile := &Tile{Width: 4, Height: 4, Pixels: make([]uint32, 16)}
	for i := range tile.Pixels {
		tile.Pixels[i] = 0xAABBCCDD
	}
	clipBoundaryTile(tile, level, 1, 1)
	for _, px := range tile.Pixels {
		require.Equal(t, uint32(0xAABBCCDD), px)
	}
}
