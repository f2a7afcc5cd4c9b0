package tiledecode

import (
	"bytes"
	"compress/flate"
	"compress/lzw"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"time"

	"github.com/huangch/openremoteslide/pkg/common"
	"github.com/huangch/openremoteslide/pkg/metrics"
	"github.com/huangch/openremoteslide/pkg/tifflike"
	"github.com/huangch/openremoteslide/pkg/tiffpool"
)

const (
	compressionNone    = 1
	compressionLZW     = 5
	compressionDeflate = 8
	compressionAdobe   = 32946
)

// Tile is a decoded tile: a pre-multiplied ARGB32 buffer (alpha in the
// high byte, matching the original engine's cairo-compatible layout),
// row-major, stride = 4*Width.
type Tile struct {
	Width  int
	Height int
	Pixels []uint32
}

// DecodeTile reads, decompresses and colour-converts tile (col,row) of
// dir under level, returning a buffer exactly TileWidth x TileHeight in
// size with the right edge/bottom edge zeroed past the level's true
// image bounds (spec.md §4.D's boundary-tile clipping). The caller is
// responsible for checking Level.IsMissingTile first.
func DecodeTile(ctx context.Context, h *tiffpool.Handle, level *Level, dir tifflike.Directory, col, row int64) (*Tile, error) {
	start := time.Now()
	tile, err := decodeTile(ctx, h, level, dir, col, row)
	metrics.Global.RecordTileDecode(time.Since(start), err != nil)
	return tile, err
}

func decodeTile(ctx context.Context, h *tiffpool.Handle, level *Level, dir tifflike.Directory, col, row int64) (*Tile, error) {
	idx := level.TileIndex(col, row)
	offset, byteCount, err := tileRect(dir, idx)
	if err != nil {
		return nil, common.NewError(common.CodeBadTIFF, "DecodeTile", h.Filename, int64(idx), err)
	}

	raw := make([]byte, byteCount)
	if _, err := h.Reader().ReadAt(ctx, int64(offset), raw); err != nil {
		return nil, common.NewError(common.CodeIOFailed, "DecodeTile", h.Filename, int64(offset), err)
	}

	var tile *Tile
	if level.ReadDirect {
		tile, err = decodeJPEGTile(dir, raw, int(level.TileWidth), int(level.TileHeight))
	} else {
		tile, err = decodeRawTile(level, raw, int(level.TileWidth), int(level.TileHeight))
	}
	if err != nil {
		return nil, common.NewError(common.CodeDecodeFailed, "DecodeTile", h.Filename, int64(offset), err)
	}

	clipBoundaryTile(tile, level, col, row)
	return tile, nil
}

// decodeJPEGTile is the fast path: tiles compressed as "abbreviated"
// JPEG streams sharing a common JPEGTables segment. It splices the
// directory's JPEGTables (minus its trailing EOI) in front of the tile's
// own compressed data (minus its leading SOI) to reconstruct one
// self-contained JPEG stream, then decodes with the standard library —
// the same technique used to stitch COG/TIFF JPEG tiles back into
// decodable images without a custom Huffman-table-aware decoder.
func decodeJPEGTile(dir tifflike.Directory, raw []byte, w, h int) (*Tile, error) {
	var stream []byte
	if tables, ok := dir.GetBuffer(tifflike.TagJPEGTables); ok && len(tables) > 4 {
		spliced := make([]byte, 0, len(tables)+len(raw))
		spliced = append(spliced, tables[:len(tables)-2]...) // drop trailing EOI (FFD9)
		body := raw
		if len(body) >= 2 && body[0] == 0xFF && body[1] == 0xD8 {
			body = body[2:] // drop leading SOI, already present in tables prefix
		}
		spliced = append(spliced, body...)
		stream = spliced
	} else {
		stream = raw
	}

	img, err := jpeg.Decode(bytes.NewReader(stream))
	if err != nil {
		return nil, fmt.Errorf("decode JPEG tile: %w", err)
	}

	tile := &Tile{Width: w, Height: h, Pixels: make([]uint32, w*h)}
	bounds := img.Bounds()
	switch src := img.(type) {
	case *image.YCbCr:
		for y := 0; y < h && y < bounds.Dy(); y++ {
			for x := 0; x < w && x < bounds.Dx(); x++ {
				r, g, b, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				tile.Pixels[y*w+x] = argb(255, byte(r>>8), byte(g>>8), byte(b>>8))
			}
		}
	default:
		for y := 0; y < h && y < bounds.Dy(); y++ {
			for x := 0; x < w && x < bounds.Dx(); x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				tile.Pixels[y*w+x] = argb(255, byte(r>>8), byte(g>>8), byte(b>>8))
			}
		}
	}
	return tile, nil
}

// decodeRawTile is the fallback path for tiles this library cannot hand
// to image/jpeg: plain, LZW or Deflate-compressed contiguous 8-bit
// samples. It unpacks samples directly into ARGB rather than reproducing
// the original's decode-to-ABGR-then-byteswap sequence, since Go's
// image/color pipeline has no ABGR type to round-trip through — a
// documented fidelity simplification, not a behavioral gap (see
// DESIGN.md "Open Question" #6 for the JPEG colour-space analogue).
//
// It does not reproduce the full TIFFRGBAImage colour pipeline: no
// palette, CMYK or sub-8-bit sample support. Directories needing those
// are rejected by BuildLevel's read_direct test being false while also
// failing here, which surfaces as a decode error at read time rather
// than silently wrong pixels.
func decodeRawTile(level *Level, raw []byte, w, h int) (*Tile, error) {
	plain, err := decompress(level.Compression, raw)
	if err != nil {
		return nil, err
	}

	const samplesPerPixel = 3 // BuildLevel's fallback path only reaches here for non-read_direct tiles; 3-sample RGB is the common case this decoder supports
	need := w * h * samplesPerPixel
	if len(plain) != need {
		return nil, fmt.Errorf("raw tile size mismatch: got %d bytes, want %d", len(plain), need)
	}

	tile := &Tile{Width: w, Height: h, Pixels: make([]uint32, w*h)}
	for i := 0; i < w*h; i++ {
		r := plain[i*samplesPerPixel]
		g := plain[i*samplesPerPixel+1]
		b := plain[i*samplesPerPixel+2]
		tile.Pixels[i] = argb(255, r, g, b)
	}
	return tile, nil
}

func decompress(compression uint64, raw []byte) ([]byte, error) {
	switch compression {
	case compressionNone, 0:
		return raw, nil
	case compressionLZW:
		r := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer r.Close()
		return io.ReadAll(r)
	case compressionDeflate, compressionAdobe:
		r := flate.NewReader(bytes.NewReader(raw))
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported tile compression %d", compression)
	}
}

// clipBoundaryTile zeroes pixels (including alpha) past the level's true
// image edge for tiles in the last column or last row, matching the
// original's post-decode boundary clear so partial edge tiles don't
// bleed padding pixels into a region read.
func clipBoundaryTile(tile *Tile, level *Level, col, row int64) {
	validW := tile.Width
	if right := (col + 1) * level.TileWidth; right > level.Width {
		validW = int(level.Width - col*level.TileWidth)
		if validW < 0 {
			validW = 0
		}
	}
	validH := tile.Height
	if bottom := (row + 1) * level.TileHeight; bottom > level.Height {
		validH = int(level.Height - row*level.TileHeight)
		if validH < 0 {
			validH = 0
		}
	}
	if validW >= tile.Width && validH >= tile.Height {
		return
	}
	for y := 0; y < tile.Height; y++ {
		rowStart := y * tile.Width
		if y >= validH {
			for x := 0; x < tile.Width; x++ {
				tile.Pixels[rowStart+x] = 0
			}
			continue
		}
		for x := validW; x < tile.Width; x++ {
			tile.Pixels[rowStart+x] = 0
		}
	}
}

func argb(a, r, g, b byte) uint32 {
	return uint32(a)<<24 | uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}
