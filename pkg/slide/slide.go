// Package slide is the public API surface: opening a whole-slide image,
// reading pyramid levels and regions, and reading associated images and
// properties. It wires together pkg/byteio (Component A/B), pkg/tiffpool
// (Component C), pkg/tiledecode (Component D), pkg/region (Component E)
// and pkg/quickhash (Component F) behind the terminal-error-slot
// propagation policy every other public call honours once set.
package slide

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huangch/openremoteslide/pkg/byteio"
	"github.com/huangch/openremoteslide/pkg/common"
	"github.com/huangch/openremoteslide/pkg/quickhash"
	"github.com/huangch/openremoteslide/pkg/region"
	"github.com/huangch/openremoteslide/pkg/tifflike"
	"github.com/huangch/openremoteslide/pkg/tiffpool"
)

// Slide is an opened whole-slide image. All methods are safe to call
// from one goroutine at a time; the caller is responsible for not
// sharing a *Slide across goroutines without its own synchronization
// (spec.md §5's "no TIFF handle is ever accessed by two threads at
// once" extends to the Slide object built on top of it).
type Slide struct {
	path     string
	registry *byteio.Registry
	pool     *tiffpool.Pool
	comp     *region.Compositor
	file     *tifflike.File

	mu        sync.Mutex
	terminal  error // the terminal-error slot; once set, every call but Close is a no-op
	properties map[string]string
}

// DetectVendor does the minimal shape check this library supports:
// whether path parses as a classic or BigTIFF container with at least
// one tiled directory. It returns "generic-tiff" rather than
// attempting real vendor sniffing (Aperio/Hamamatsu/etc. key files),
// which this library does not implement — see DESIGN.md.
func DetectVendor(ctx context.Context, path string) (string, error) {
	reg := byteio.NewRegistry()
	defer reg.Shutdown()

	src, err := reg.Open(ctx, path)
	if err != nil {
		return "", nil // unrecognized: not an error, just no vendor
	}
	defer src.Close()

	file, err := tifflike.Open(ctx, path, src)
	if err != nil {
		return "", nil
	}
	for _, dir := range file.Directories {
		if dir.IsTiled() {
			return "generic-tiff", nil
		}
	}
	return "", nil
}

// Open opens path, parses its directory chain, builds the level
// descriptors and a minimal property set. A file that isn't TIFF-shaped
// at all returns (nil, nil) — "not recognized" is not an error, per
// spec.md §7. A file that is TIFF-shaped but fails validation (bad
// directory chain, no tiled directories) returns a non-nil *Slide
// already carrying a terminal error, matching "recognized but
// structurally bad" in spec.md §7.
func Open(ctx context.Context, path string) (*Slide, error) {
	registry := byteio.NewRegistry()

	probe, err := registry.Open(ctx, path)
	if err != nil {
		registry.Shutdown()
		return nil, nil // unrecognized
	}
	file, err := tifflike.Open(ctx, path, probe)
	if err != nil {
		hdr := make([]byte, 4)
		n, _ := probe.ReadAt(ctx, 0, hdr)
		probe.Close()
		registry.Shutdown()
		little := hdr[0] == 'I' && hdr[1] == 'I' && hdr[3] == 0 && (hdr[2] == 42 || hdr[2] == 43)
		big := hdr[0] == 'M' && hdr[1] == 'M' && hdr[2] == 0 && (hdr[3] == 42 || hdr[3] == 43)
		if n < 4 || !(little || big) {
			return nil, nil // header doesn't even look like TIFF/BigTIFF
		}
		return &Slide{path: path, registry: registry, terminal: err}, nil
	}
	probe.Close()

	s := &Slide{path: path, registry: registry, file: file}
	s.pool = tiffpool.New(registry, path)

	comp, err := region.NewCompositor(s.pool, file)
	if err != nil {
		s.terminal = err
		return s, nil
	}
	s.comp = comp
	s.properties = s.buildProperties(ctx)

	log.Debug().Str("path", path).Int("levels", comp.LevelCount()).Msg("opened slide")
	return s, nil
}

func (s *Slide) buildProperties(ctx context.Context) map[string]string {
	props := map[string]string{
		common.PropVendor: "generic-tiff",
	}

	q := quickhash.New()
	h, err := s.pool.Checkout(ctx)
	if err == nil {
		defer s.pool.Return(h)
		for _, dir := range h.File.Directories {
			if desc, ok := dir.GetBuffer(tifflike.TagImageDescription); ok {
				q.UpdateData(desc)
			}
		}
	}
	if src, err := s.registry.Open(ctx, s.path); err == nil {
		q.UpdateFileRange(ctx, src, 0, src.Size())
		src.Close()
	}
	if sum, ok := q.GetString(); ok {
		props[common.PropQuickhash1] = sum
	}
	return props
}

// terminalOr returns the terminal error if the slide is already in a
// terminal state, else nil.
func (s *Slide) terminalOr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (s *Slide) setTerminal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == nil {
		s.terminal = err
	}
}

// Error returns the terminal error, or nil if the slide is healthy.
func (s *Slide) Error() error { return s.terminalOr() }

// Close releases every resource this slide holds. It is always honoured,
// even in a terminal state.
func (s *Slide) Close() {
	if s.pool != nil {
		s.pool.Destroy()
	}
	if s.registry != nil {
		s.registry.Shutdown()
	}
}

// LevelCount returns the number of pyramid levels, or 0 if the slide is
// in a terminal state.
func (s *Slide) LevelCount() int {
	if s.terminalOr() != nil {
		return 0
	}
	return s.comp.LevelCount()
}

// LevelDimensions returns level's pixel dimensions, or (0,0) in a
// terminal state or for an out-of-range level.
func (s *Slide) LevelDimensions(level int) (int64, int64) {
	if s.terminalOr() != nil {
		return 0, 0
	}
	w, h, err := s.comp.LevelDimensions(level)
	if err != nil {
		return 0, 0
	}
	return w, h
}

// Level0Dimensions is a convenience for LevelDimensions(0).
func (s *Slide) Level0Dimensions() (int64, int64) { return s.LevelDimensions(0) }

// LevelDownsample returns level's downsample factor relative to level 0,
// or 0.0 in a terminal state.
func (s *Slide) LevelDownsample(level int) float64 {
	if s.terminalOr() != nil {
		return 0.0
	}
	ds, err := s.comp.LevelDownsample(level)
	if err != nil {
		return 0.0
	}
	return ds
}

// BestLevelForDownsample returns the best level for the given downsample
// factor, or -1 in a terminal state.
func (s *Slide) BestLevelForDownsample(downsample float64) int {
	if s.terminalOr() != nil {
		return -1
	}
	return s.comp.BestLevelForDownsample(downsample)
}

// ReadRegion fills dst (w*h ARGB32 pre-multiplied pixels) from level at
// the level-0-relative rectangle (x,y,w,h). On any read failure the
// destination is zeroed and the terminal error slot is set, matching
// spec.md §7's "mid-read corruption" behaviour. Missing tiles are
// skipped inside Component E and never reach here as errors. A tile that
// fails to decode is not retried through the other decode path; its
// error reaches here and sets the terminal slot.
func (s *Slide) ReadRegion(ctx context.Context, level int, x, y int64, w, h int, dst []uint32) {
	if s.terminalOr() != nil {
		zero(dst)
		return
	}
	if err := s.comp.ReadRegion(ctx, level, x, y, w, h, dst); err != nil {
		zero(dst)
		s.setTerminal(err)
		log.Error().Err(err).Str("path", s.path).Int("level", level).Msg("read_region failed")
	}
}

func zero(dst []uint32) {
	for i := range dst {
		dst[i] = 0
	}
}

// PropertyNames returns the slide's property keys in a stable sorted
// order, or nil in a terminal state.
func (s *Slide) PropertyNames() []string {
	if s.terminalOr() != nil {
		return nil
	}
	names := make([]string, 0, len(s.properties))
	for k := range s.properties {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// PropertyValue returns the value of name, or "", false if absent or the
// slide is in a terminal state.
func (s *Slide) PropertyValue(name string) (string, bool) {
	if s.terminalOr() != nil {
		return "", false
	}
	v, ok := s.properties[name]
	return v, ok
}

// AssociatedImageNames returns the names of non-pyramid directories
// (thumbnail/label/macro-style images): any directory this slide's
// Compositor skipped because it wasn't tiled. Names are synthesized as
// "image-<directory index>" since this library does not decode vendor
// description strings into semantic names; see DESIGN.md.
func (s *Slide) AssociatedImageNames() []string {
	if s.terminalOr() != nil || s.file == nil {
		return nil
	}
	var names []string
	for i, dir := range s.file.Directories {
		if !dir.IsTiled() {
			names = append(names, fmt.Sprintf("image-%d", i))
		}
	}
	return names
}

// AssociatedImageDimensions returns the pixel dimensions of the named
// associated image, or (0,0) if unknown or the slide is in error.
func (s *Slide) AssociatedImageDimensions(name string) (int64, int64) {
	if s.terminalOr() != nil || s.file == nil {
		return 0, 0
	}
	idx, ok := s.associatedImageIndex(name)
	if !ok {
		return 0, 0
	}
	dir := s.file.Directories[idx]
	w, _ := dir.GetUint(tifflike.TagImageWidth)
	h, _ := dir.GetUint(tifflike.TagImageLength)
	return int64(w), int64(h)
}

func (s *Slide) associatedImageIndex(name string) (int, bool) {
	const prefix = "image-"
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return 0, false
	}
	idx, err := strconv.Atoi(name[len(prefix):])
	if err != nil || idx < 0 || idx >= len(s.file.Directories) {
		return 0, false
	}
	return idx, true
}

// ReadAssociatedImage fills dst (w*h ARGB32 pixels, from
// AssociatedImageDimensions) with the named associated image's pixels.
// Only uncompressed-RGB or JPEG strip directories are supported: every
// strip is read in order and the strips are concatenated, which suits
// uncompressed images of any strip count; the JPEG path decodes the
// concatenation as one stream, so a JPEG image stored in several strips
// yields only its first strip's rows. Associated images in this corpus
// are small thumbnail/label/macro shots, never themselves tiled
// pyramids; see DESIGN.md for the strip-only limitation.
func (s *Slide) ReadAssociatedImage(ctx context.Context, name string, dst []uint32) error {
	if s.terminalOr() != nil {
		zero(dst)
		return s.terminal
	}
	idx, ok := s.associatedImageIndex(name)
	if !ok {
		zero(dst)
		return common.NewError(common.CodeBadArg, "ReadAssociatedImage", s.path, 0, fmt.Errorf("unknown associated image %q", name))
	}
	dir := s.file.Directories[idx]
	offsets, ok := dir.GetUints(tifflike.TagStripOffsets)
	if !ok || len(offsets) == 0 {
		zero(dst)
		return common.NewError(common.CodeDecodeFailed, "ReadAssociatedImage", s.path, 0, fmt.Errorf("%s has no strip data", name))
	}
	counts, _ := dir.GetUints(tifflike.TagStripByteCounts)

	src, err := s.registry.Open(ctx, s.path)
	if err != nil {
		zero(dst)
		return err
	}
	defer src.Close()

	var raw []byte
	for i, off := range offsets {
		n := uint64(0)
		if i < len(counts) {
			n = counts[i]
		}
		buf := make([]byte, n)
		if _, err := src.ReadAt(ctx, int64(off), buf); err != nil {
			zero(dst)
			return common.NewError(common.CodeIOFailed, "ReadAssociatedImage", s.path, int64(off), err)
		}
		raw = append(raw, buf...)
	}

	w, _ := dir.GetUint(tifflike.TagImageWidth)
	h, _ := dir.GetUint(tifflike.TagImageLength)
	compression, _ := dir.GetUint(tifflike.TagCompression)
	img, err := decodeAssociatedStrip(compression, raw, int(w), int(h))
	if err != nil {
		zero(dst)
		return common.NewError(common.CodeDecodeFailed, "ReadAssociatedImage", s.path, 0, err)
	}
	copy(dst, img)
	return nil
}
