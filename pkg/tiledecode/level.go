// Package tiledecode implements the tile decoder (Component D): decoding
// one compressed tile of a TIFF directory into a pre-multiplied ARGB32
// buffer, with a JPEG fast path for contiguous 8-bit RGB/YCbCr JPEG
// tiles and a raw-sample fallback for everything else this library
// understands. The fast path is not zero-copy: the tile's stream is
// spliced into a new buffer, and the decoded image is copied into the
// ARGB buffer pixel by pixel.
package tiledecode

import (
	"fmt"

	"github.com/huangch/openremoteslide/pkg/common"
	"github.com/huangch/openremoteslide/pkg/tifflike"
)

// Level describes one pyramid tier, built once at slide-open time and
// immutable thereafter (spec.md §3, "TIFF level descriptor").
type Level struct {
	DirIndex    int
	Width       int64
	Height      int64
	TileWidth   int64
	TileHeight  int64
	TilesAcross int64
	TilesDown   int64
	Compression uint64
	Photometric uint64
	ReadDirect  bool
}

// BuildLevel validates dir is a supported tiled directory and computes
// its Level descriptor, including the read_direct fast-path eligibility
// test from spec.md §3/§4.D: JPEG + contiguous planar config + RGB/YCbCr
// photometric + 8 bits/sample + 3 samples/pixel.
func BuildLevel(dirIndex int, dir tifflike.Directory) (*Level, error) {
	if !dir.IsTiled() {
		return nil, common.NewError(common.CodeBadTIFF, "BuildLevel", "", 0,
			fmt.Errorf("directory %d is not tiled (strip-only TIFF not supported)", dirIndex))
	}

	width, ok := dir.GetUint(tifflike.TagImageWidth)
	if !ok {
		return nil, missingTag(dirIndex, tifflike.TagImageWidth)
	}
	height, ok := dir.GetUint(tifflike.TagImageLength)
	if !ok {
		return nil, missingTag(dirIndex, tifflike.TagImageLength)
	}
	tw, ok := dir.GetUint(tifflike.TagTileWidth)
	if !ok {
		return nil, missingTag(dirIndex, tifflike.TagTileWidth)
	}
	th, ok := dir.GetUint(tifflike.TagTileLength)
	if !ok {
		return nil, missingTag(dirIndex, tifflike.TagTileLength)
	}

	compression, _ := dir.GetUint(tifflike.TagCompression)
	photometric, _ := dir.GetUint(tifflike.TagPhotometricInterpretation)
	planar, hasPlanar := dir.GetUint(tifflike.TagPlanarConfig)
	if !hasPlanar {
		planar = tifflike.PlanarConfigContig // default per TIFF spec
	}
	bits, _ := dir.GetUint(tifflike.TagBitsPerSample)
	samples, hasSamples := dir.GetUint(tifflike.TagSamplesPerPixel)
	if !hasSamples {
		samples = 1
	}

	readDirect := compression == tifflike.CompressionJPEG &&
		planar == tifflike.PlanarConfigContig &&
		(photometric == tifflike.PhotometricRGB || photometric == tifflike.PhotometricYCbCr) &&
		bits == 8 && samples == 3

	lvl := &Level{
		DirIndex:    dirIndex,
		Width:       int64(width),
		Height:      int64(height),
		TileWidth:   int64(tw),
		TileHeight:  int64(th),
		TilesAcross: ceilDiv(int64(width), int64(tw)),
		TilesDown:   ceilDiv(int64(height), int64(th)),
		Compression: compression,
		Photometric: photometric,
		ReadDirect:  readDirect,
	}
	return lvl, nil
}

func ceilDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func missingTag(dir int, tag int) error {
	return common.NewError(common.CodeBadTIFF, "BuildLevel", "", int64(dir),
		fmt.Errorf("directory %d missing required tag %d", dir, tag))
}

// TileIndex returns the raster-order tile number TileOffsets/TileByteCounts
// are indexed by, matching TIFFComputeTile for a contiguous-planar image.
func (l *Level) TileIndex(col, row int64) int64 {
	return row*l.TilesAcross + col
}

// IsMissingTile reports whether dir's TILEBYTECOUNTS entry for this tile
// is zero — spec.md §4.D's missing-tile signal.
func (l *Level) IsMissingTile(dir tifflike.Directory, col, row int64) bool {
	counts, ok := dir.GetUints(tifflike.TagTileByteCounts)
	idx := l.TileIndex(col, row)
	if !ok || idx < 0 || int(idx) >= len(counts) {
		return true
	}
	return counts[idx] == 0
}

// tileRect returns the tile's offset and byte count, or an error if the
// directory's tile arrays are inconsistent with TileIndex.
func tileRect(dir tifflike.Directory, idx int64) (offset, byteCount uint64, err error) {
	offsets, ok := dir.GetUints(tifflike.TagTileOffsets)
	if !ok || idx < 0 || int(idx) >= len(offsets) {
		return 0, 0, fmt.Errorf("tile %d: no TileOffsets entry", idx)
	}
	counts, ok := dir.GetUints(tifflike.TagTileByteCounts)
	if !ok || int(idx) >= len(counts) {
		return 0, 0, fmt.Errorf("tile %d: no TileByteCounts entry", idx)
	}
	return offsets[idx], counts[idx], nil
}
