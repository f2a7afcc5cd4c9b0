// Package mountfs exposes an opened slide as a read-only FUSE directory
// tree of per-level tile PNGs, the way the teacher repo exposes an
// archive's files through go-fuse's inode API — repointed here at tiles
// decoded on demand through the public Slide API rather than archive
// entries read from a content store.
package mountfs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"

	"github.com/huangch/openremoteslide/pkg/slide"
)

// Server wraps the underlying fuse.Server so callers don't need to
// import go-fuse directly just to wait on or unmount a mount.
type Server struct {
	fuseServer *fuse.Server
}

func (s *Server) Wait() { s.fuseServer.Wait() }

// Unmount tears down this specific mount, for callers holding the
// Server from Mount (in-process unmount, as opposed to the standalone
// "openremoteslide umount" CLI path which only has a mountpoint path
// and uses the package-level Unmount below).
func (s *Server) Unmount() error { return s.fuseServer.Unmount() }

// Mount starts serving s as a read-only FUSE filesystem at mountpoint:
// one directory per pyramid level, each containing "<col>_<row>.png"
// tile files, plus a top-level "properties.txt".
func Mount(s *slide.Slide, mountpoint string) (*Server, error) {
	root := &rootNode{slide: s}
	attrTimeout := time.Minute
	entryTimeout := time.Minute
	opts := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}
	server, err := fuse.NewServer(fs.NewNodeFS(root, opts), mountpoint, &fuse.MountOptions{
		MaxBackground:  64,
		DisableXAttrs:  true,
		SyncRead:       true,
		RememberInodes: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", mountpoint, err)
	}
	go server.Serve()
	if err := server.WaitMount(); err != nil {
		return nil, fmt.Errorf("wait for mount %s: %w", mountpoint, err)
	}
	return &Server{fuseServer: server}, nil
}

// Unmount tears down a mount by path rather than by Server, for the
// standalone "openremoteslide umount" CLI invocation which runs in a
// separate process from the one that called Mount and so never has a
// live *Server to call (*Server).Unmount on. It issues the same raw
// unmount(2) the teacher repo falls back to for its own non-FUSE
// overlay teardown, retrying with MNT_DETACH (lazy unmount) if the
// FUSE daemon hasn't finished flushing and the first call returns
// EBUSY.
func Unmount(mountpoint string) error {
	if err := syscall.Unmount(mountpoint, 0); err != nil {
		if err == syscall.EBUSY {
			return syscall.Unmount(mountpoint, syscall.MNT_DETACH)
		}
		return fmt.Errorf("unmount %s: %w", mountpoint, err)
	}
	return nil
}

type rootNode struct {
	fs.Inode
	slide *slide.Slide
}

func (n *rootNode) OnAdd(ctx context.Context) {
	log.Debug().Msg("mountfs: mounted")
}

func (n *rootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0o755 | syscall.S_IFDIR
	return fs.OK
}

func (n *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name == "properties.txt" {
		data := []byte(propertiesText(n.slide))
		child := n.NewInode(ctx, &fileNode{data: data}, fs.StableAttr{Mode: syscall.S_IFREG})
		out.Attr.Mode = 0o444 | syscall.S_IFREG
		out.Attr.Size = uint64(len(data))
		return child, fs.OK
	}
	if level, ok := parseLevelDirName(name); ok && level < n.slide.LevelCount() {
		child := n.NewInode(ctx, &levelNode{slide: n.slide, level: level}, fs.StableAttr{Mode: syscall.S_IFDIR})
		out.Attr.Mode = 0o755 | syscall.S_IFDIR
		return child, fs.OK
	}
	return nil, syscall.ENOENT
}

func (n *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := []fuse.DirEntry{{Name: "properties.txt", Mode: syscall.S_IFREG}}
	for i := 0; i < n.slide.LevelCount(); i++ {
		entries = append(entries, fuse.DirEntry{Name: levelDirName(i), Mode: syscall.S_IFDIR})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func levelDirName(level int) string { return "level-" + strconv.Itoa(level) }

func parseLevelDirName(name string) (int, bool) {
	const prefix = "level-"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func propertiesText(s *slide.Slide) string {
	var b strings.Builder
	for _, name := range s.PropertyNames() {
		v, _ := s.PropertyValue(name)
		fmt.Fprintf(&b, "%s=%s\n", name, v)
	}
	return b.String()
}

type levelNode struct {
	fs.Inode
	slide *slide.Slide
	level int
}

func (n *levelNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0o755 | syscall.S_IFDIR
	return fs.OK
}

const tileFileEdge = 512 // tile grid granularity used for the mounted view, independent of the underlying TIFF's own tile size

func (n *levelNode) tileGrid() (cols, rows int) {
	w, h := n.slide.LevelDimensions(n.level)
	cols = int((w + tileFileEdge - 1) / tileFileEdge)
	rows = int((h + tileFileEdge - 1) / tileFileEdge)
	return
}

func (n *levelNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	col, row, ok := parseTileFileName(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	cols, rows := n.tileGrid()
	if col >= cols || row >= rows {
		return nil, syscall.ENOENT
	}
	data, err := renderTilePNG(n.slide, n.level, col, row)
	if err != nil {
		log.Error().Err(err).Int("level", n.level).Int("col", col).Int("row", row).Msg("mountfs: tile render failed")
		return nil, syscall.EIO
	}
	child := n.NewInode(ctx, &fileNode{data: data}, fs.StableAttr{Mode: syscall.S_IFREG})
	out.Attr.Mode = 0o444 | syscall.S_IFREG
	out.Attr.Size = uint64(len(data))
	return child, fs.OK
}

func (n *levelNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	cols, rows := n.tileGrid()
	var entries []fuse.DirEntry
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			entries = append(entries, fuse.DirEntry{Name: tileFileName(col, row), Mode: syscall.S_IFREG})
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func tileFileName(col, row int) string { return fmt.Sprintf("%d_%d.png", col, row) }

func parseTileFileName(name string) (col, row int, ok bool) {
	name = strings.TrimSuffix(name, ".png")
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	c, err1 := strconv.Atoi(parts[0])
	r, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || c < 0 || r < 0 {
		return 0, 0, false
	}
	return c, r, true
}

func renderTilePNG(s *slide.Slide, level, col, row int) ([]byte, error) {
	ds := s.LevelDownsample(level)
	x0 := int64(float64(col*tileFileEdge) * ds)
	y0 := int64(float64(row*tileFileEdge) * ds)

	dst := make([]uint32, tileFileEdge*tileFileEdge)
	s.ReadRegion(context.Background(), level, x0, y0, tileFileEdge, tileFileEdge, dst)
	if err := s.Error(); err != nil {
		return nil, err
	}

	img := image.NewNRGBA(image.Rect(0, 0, tileFileEdge, tileFileEdge))
	for i, px := range dst {
		img.Set(i%tileFileEdge, i/tileFileEdge, color.NRGBA{
			R: byte(px >> 16), G: byte(px >> 8), B: byte(px), A: byte(px >> 24),
		})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fileNode serves a fixed, precomputed byte slice — every file this
// filesystem exposes (tile PNGs, properties.txt) is rendered in full at
// Lookup time rather than streamed, since tiles are small enough (one
// PNG per 512x512 block) that partial reads gain nothing.
type fileNode struct {
	fs.Inode
	data []byte
}

func (n *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0o444 | syscall.S_IFREG
	out.Size = uint64(len(n.data))
	return fs.OK
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(n.data)) {
		return fuse.ReadResultData(dest[:0]), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(n.data)) {
		end = int64(len(n.data))
	}
	return fuse.ReadResultData(n.data[off:end]), fs.OK
}
