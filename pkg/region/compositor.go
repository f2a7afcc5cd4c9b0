// Package region implements the region compositor (Component E): given a
// level and a level-0-relative rectangle, it determines which tiles cover
// the request, decodes each via pkg/tiledecode, and blits the relevant
// sub-rectangle of each tile into the caller's destination buffer.
package region

import (
	"context"
	"fmt"

	"github.com/huangch/openremoteslide/pkg/common"
	"github.com/huangch/openremoteslide/pkg/tifflike"
	"github.com/huangch/openremoteslide/pkg/tiffpool"
	"github.com/huangch/openremoteslide/pkg/tiledecode"
)

// Compositor owns the level descriptors for one open slide and drives
// reads against its handle pool. It is built once at slide-open time.
type Compositor struct {
	pool       *tiffpool.Pool
	levels     []*tiledecode.Level
	downsample []float64
}

// NewCompositor builds a Level descriptor for every tiled directory in
// file, in directory order, and computes each level's downsample factor
// relative to the first (level 0). Non-tiled directories (e.g. a
// thumbnail or label strip stored as a plain strip image) are skipped:
// this library's read path only ever composites from tiled directories.
func NewCompositor(pool *tiffpool.Pool, file *tifflike.File) (*Compositor, error) {
	c := &Compositor{pool: pool}
	for i, dir := range file.Directories {
		if !dir.IsTiled() {
			continue
		}
		lvl, err := tiledecode.BuildLevel(i, dir)
		if err != nil {
			return nil, err
		}
		c.levels = append(c.levels, lvl)
	}
	if len(c.levels) == 0 {
		return nil, common.NewError(common.CodeBadTIFF, "NewCompositor", "", 0,
			fmt.Errorf("no tiled directories found"))
	}
	base := c.levels[0]
	for _, lvl := range c.levels {
		c.downsample = append(c.downsample, float64(base.Width)/float64(lvl.Width))
	}
	return c, nil
}

// LevelCount returns the number of usable pyramid levels.
func (c *Compositor) LevelCount() int { return len(c.levels) }

// LevelDimensions returns the pixel dimensions of level.
func (c *Compositor) LevelDimensions(level int) (int64, int64, error) {
	if level < 0 || level >= len(c.levels) {
		return 0, 0, fmt.Errorf("level %d out of range [0,%d)", level, len(c.levels))
	}
	return c.levels[level].Width, c.levels[level].Height, nil
}

// LevelDownsample returns the downsample factor of level relative to
// level 0.
func (c *Compositor) LevelDownsample(level int) (float64, error) {
	if level < 0 || level >= len(c.downsample) {
		return 0, fmt.Errorf("level %d out of range [0,%d)", level, len(c.downsample))
	}
	return c.downsample[level], nil
}

// BestLevelForDownsample returns the level with the largest downsample
// factor that does not exceed downsample, falling back to level 0
// if every level is already coarser than requested — the same policy as
// openslide_get_best_level_for_downsample.
func (c *Compositor) BestLevelForDownsample(downsample float64) int {
	best := 0
	for i, ds := range c.downsample {
		if ds <= downsample {
			best = i
		}
	}
	return best
}

// ReadRegion fills dst (w*h uint32 ARGB32 pixels, row-major, stride w)
// with the contents of level at the level-0-relative rectangle
// (x0,y0,w,h). Pixels of missing tiles (zero TileByteCounts) and pixels
// beyond the level's tile grid are left untouched in dst, so callers
// should pre-zero dst if they want a defined background. Pixels inside a
// last-column/last-row tile but past the level's image edge are written
// as zero (the decoder's boundary clipping).
func (c *Compositor) ReadRegion(ctx context.Context, level int, x0, y0 int64, w, h int, dst []uint32) error {
	if level < 0 || level >= len(c.levels) {
		return common.NewError(common.CodeBadArg, "ReadRegion", "", 0,
			fmt.Errorf("level %d out of range [0,%d)", level, len(c.levels)))
	}
	if w < 0 || h < 0 {
		return common.NewError(common.CodeBadArg, "ReadRegion", "", 0,
			fmt.Errorf("negative region size %dx%d", w, h))
	}
	if len(dst) < w*h {
		return common.NewError(common.CodeBadArg, "ReadRegion", "", 0,
			fmt.Errorf("destination buffer too small: have %d, need %d", len(dst), w*h))
	}
	lvl := c.levels[level]
	ds := c.downsample[level]

	lx := int64(float64(x0) / ds)
	ly := int64(float64(y0) / ds)

	h0, err := c.pool.Checkout(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Return(h0)
	dir := h0.File.Directories[lvl.DirIndex]

	colStart := lx / lvl.TileWidth
	rowStart := ly / lvl.TileHeight
	colEnd := (lx + int64(w) - 1) / lvl.TileWidth
	rowEnd := (ly + int64(h) - 1) / lvl.TileHeight

	for row := rowStart; row <= rowEnd; row++ {
		if row < 0 || row >= lvl.TilesDown {
			continue
		}
		for col := colStart; col <= colEnd; col++ {
			if col < 0 || col >= lvl.TilesAcross {
				continue
			}
			if lvl.IsMissingTile(dir, col, row) {
				continue
			}
			tile, err := tiledecode.DecodeTile(ctx, h0, lvl, dir, col, row)
			if err != nil {
				return err
			}
			blit(tile, lvl, col, row, lx, ly, w, h, dst)
		}
	}
	return nil
}

// blit copies the overlap of a decoded tile with the requested
// rectangle (in level-local coordinates, (lx,ly,w,h)) into dst.
func blit(tile *tiledecode.Tile, lvl *tiledecode.Level, col, row, lx, ly int64, w, h int, dst []uint32) {
	tileOriginX := col * lvl.TileWidth
	tileOriginY := row * lvl.TileHeight

	for ty := 0; ty < tile.Height; ty++ {
		destY := tileOriginY + int64(ty) - ly
		if destY < 0 || destY >= int64(h) {
			continue
		}
		for tx := 0; tx < tile.Width; tx++ {
			destX := tileOriginX + int64(tx) - lx
			if destX < 0 || destX >= int64(w) {
				continue
			}
			dst[destY*int64(w)+destX] = tile.Pixels[ty*tile.Width+tx]
		}
	}
}
