// Package tifflike parses the TIFF/BigTIFF IFD chain of a whole-slide
// image directly off a byteio.Source, the way the original engine's
// "tifflike" layer gives generic tag access independent of the
// directory-walking/tile-reading logic built on top of it (see
// pkg/tiffpool). It understands just enough of the TIFF container format
// to enumerate directories and read tag values; it does not decode pixel
// data.
package tifflike

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/huangch/openremoteslide/pkg/common"
)

// RandomReader is the minimal surface tifflike needs to walk an IFD chain:
// a positioned read. *byteio.Source satisfies it directly; the TIFF
// handle pool instead supplies an adapter that reopens a fresh Source per
// call (the deliberate per-read-reopen pattern carried over from the
// original engine; see pkg/tiffpool).
type RandomReader interface {
	ReadAt(ctx context.Context, offset int64, dst []byte) (int, error)
}

// Well-known tags used by the tiled-pyramid read path and property
// extraction. Not exhaustive; unknown tags are still parsed and exposed
// by number.
const (
	TagNewSubfileType            = 254
	TagImageWidth                = 256
	TagImageLength                = 257
	TagBitsPerSample             = 258
	TagCompression               = 259
	TagPhotometricInterpretation = 262
	TagImageDescription          = 270
	TagStripOffsets              = 273
	TagSamplesPerPixel           = 277
	TagStripByteCounts           = 279
	TagPlanarConfig              = 284
	TagTileWidth                 = 322
	TagTileLength                = 323
	TagTileOffsets               = 324
	TagTileByteCounts            = 325
	TagJPEGTables                = 347
)

const (
	CompressionJPEG = 7

	PhotometricRGB   = 2
	PhotometricYCbCr = 6

	PlanarConfigContig = 1
)

// Type is a TIFF field type code.
type Type uint16

const (
	TypeByte      Type = 1
	TypeASCII     Type = 2
	TypeShort     Type = 3
	TypeLong      Type = 4
	TypeRational  Type = 5
	TypeSByte     Type = 6
	TypeUndefined Type = 7
	TypeSShort    Type = 8
	TypeSLong     Type = 9
	TypeSRational Type = 10
	TypeFloat     Type = 11
	TypeDouble    Type = 12
	TypeIFD       Type = 13
	TypeLong8     Type = 16
	TypeSLong8    Type = 17
	TypeIFD8      Type = 18
)

func typeSize(t Type) int64 {
	switch t {
	case TypeByte, TypeASCII, TypeSByte, TypeUndefined:
		return 1
	case TypeShort, TypeSShort:
		return 2
	case TypeLong, TypeSLong, TypeFloat, TypeIFD:
		return 4
	case TypeRational, TypeSRational, TypeDouble, TypeLong8, TypeSLong8, TypeIFD8:
		return 8
	default:
		return 0
	}
}

// Entry is one parsed IFD tag: its raw values, widened to uint64/int64/
// float64 as appropriate, plus the original type for ASCII/UNDEFINED
// buffer access.
type Entry struct {
	Type   Type
	Uints  []uint64
	Sints  []int64
	Floats []float64
	Bytes  []byte // raw bytes, valid for ASCII/BYTE/UNDEFINED
}

// Directory is one IFD: tag number -> parsed entry, plus whether it uses
// TileWidth/TileLength (i.e. is tiled, required for this library's read
// path — strip-only directories are not supported by the tile decoder).
type Directory map[int]*Entry

func (d Directory) IsTiled() bool {
	_, ok := d[TagTileWidth]
	return ok
}

// File is the parsed directory chain of one TIFF/BigTIFF container.
type File struct {
	BigTIFF    bool
	BigEndian  bool
	Directories []Directory
}

// Open reads and validates the TIFF header and walks the full IFD chain.
// It returns common.CodeBadTIFF for anything that isn't a classic TIFF
// (version 42) or BigTIFF (version 43) with a well-formed magic byte
// order marker — the "recognized but structurally bad" boundary spec.md
// §7 requires open() to honor.
func Open(ctx context.Context, name string, src RandomReader) (*File, error) {
	hdr := make([]byte, 8)
	if _, err := readAt(ctx, src, 0, hdr); err != nil {
		return nil, common.NewError(common.CodeBadTIFF, "tifflike.Open", name, 0, err)
	}

	var bo binary.ByteOrder
	switch {
	case hdr[0] == 'I' && hdr[1] == 'I':
		bo = binary.LittleEndian
	case hdr[0] == 'M' && hdr[1] == 'M':
		bo = binary.BigEndian
	default:
		return nil, common.NewError(common.CodeBadTIFF, "tifflike.Open", name, 0,
			fmt.Errorf("bad byte-order marker %q", hdr[0:2]))
	}

	version := bo.Uint16(hdr[2:4])
	f := &File{BigEndian: bo == binary.BigEndian}

	var firstIFDOff int64
	switch version {
	case 42:
		f.BigTIFF = false
		firstIFDOff = int64(bo.Uint32(hdr[4:8]))
	case 43:
		f.BigTIFF = true
		big := make([]byte, 8)
		if _, err := readAt(ctx, src, 8, big); err != nil {
			return nil, common.NewError(common.CodeBadTIFF, "tifflike.Open", name, 8, err)
		}
		offsetBytesSize := bo.Uint16(hdr[4:6])
		constant := bo.Uint16(hdr[6:8])
		if offsetBytesSize != 8 || constant != 0 {
			return nil, common.NewError(common.CodeBadTIFF, "tifflike.Open", name, 0,
				fmt.Errorf("malformed BigTIFF header"))
		}
		firstIFDOff = int64(bo.Uint64(big))
	default:
		return nil, common.NewError(common.CodeBadTIFF, "tifflike.Open", name, 0,
			fmt.Errorf("unsupported TIFF version %d", version))
	}

	off := firstIFDOff
	seen := map[int64]bool{}
	for off != 0 {
		if seen[off] {
			return nil, common.NewError(common.CodeBadTIFF, "tifflike.Open", name, off,
				fmt.Errorf("directory chain cycle"))
		}
		seen[off] = true

		dir, next, err := readDirectory(ctx, src, bo, f.BigTIFF, off)
		if err != nil {
			return nil, common.NewError(common.CodeBadTIFF, "tifflike.Open", name, off, err)
		}
		f.Directories = append(f.Directories, dir)
		off = next
	}
	if len(f.Directories) == 0 {
		return nil, common.NewError(common.CodeBadTIFF, "tifflike.Open", name, 0, fmt.Errorf("no directories"))
	}
	return f, nil
}

func readAt(ctx context.Context, src RandomReader, offset int64, dst []byte) (int, error) {
	total := 0
	for total < len(dst) {
		n, err := src.ReadAt(ctx, offset+int64(total), dst[total:])
		if n == 0 && err == nil {
			return total, fmt.Errorf("short read at offset %d", offset)
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func readDirectory(ctx context.Context, src RandomReader, bo binary.ByteOrder, isBig bool, off int64) (Directory, int64, error) {
	dir := Directory{}

	entrySize := int64(12)
	countSize := int64(2)
	offsetSize := int64(4)
	if isBig {
		entrySize = 20
		countSize = 8
		offsetSize = 8
	}

	countBuf := make([]byte, countSize)
	if _, err := readAt(ctx, src, off, countBuf); err != nil {
		return nil, 0, err
	}
	var numEntries uint64
	if isBig {
		numEntries = bo.Uint64(countBuf)
	} else {
		numEntries = uint64(bo.Uint16(countBuf))
	}

	entriesOff := off + countSize
	for i := uint64(0); i < numEntries; i++ {
		entry := make([]byte, entrySize)
		if _, err := readAt(ctx, src, entriesOff+int64(i)*entrySize, entry); err != nil {
			return nil, 0, err
		}
		tag := int(bo.Uint16(entry[0:2]))
		typ := Type(bo.Uint16(entry[2:4]))

		var count uint64
		var valueField []byte
		if isBig {
			count = bo.Uint64(entry[4:12])
			valueField = entry[12:20]
		} else {
			count = uint64(bo.Uint32(entry[4:8]))
			valueField = entry[8:12]
		}

		sz := typeSize(typ)
		if sz == 0 {
			continue // unknown type, skip rather than fail the whole file
		}
		totalLen := sz * int64(count)

		var raw []byte
		if totalLen <= int64(len(valueField)) {
			raw = valueField[:totalLen]
		} else {
			valOff := int64(bo.Uint32(valueField[0:4]))
			if isBig {
				valOff = int64(bo.Uint64(valueField))
			}
			raw = make([]byte, totalLen)
			if _, err := readAt(ctx, src, valOff, raw); err != nil {
				return nil, 0, fmt.Errorf("tag %d: %w", tag, err)
			}
		}

		dir[tag] = decodeEntry(typ, count, raw, bo)
	}

	nextOff := make([]byte, offsetSize)
	if _, err := readAt(ctx, src, entriesOff+int64(numEntries)*entrySize, nextOff); err != nil {
		return nil, 0, err
	}
	var next int64
	if isBig {
		next = int64(bo.Uint64(nextOff))
	} else {
		next = int64(bo.Uint32(nextOff))
	}
	return dir, next, nil
}

func decodeEntry(typ Type, count uint64, raw []byte, bo binary.ByteOrder) *Entry {
	e := &Entry{Type: typ, Bytes: raw}
	switch typ {
	case TypeByte, TypeSByte, TypeASCII, TypeUndefined:
		for _, b := range raw {
			e.Uints = append(e.Uints, uint64(b))
			e.Sints = append(e.Sints, int64(int8(b)))
		}
	case TypeShort:
		for i := uint64(0); i < count; i++ {
			e.Uints = append(e.Uints, uint64(bo.Uint16(raw[i*2:])))
		}
	case TypeSShort:
		for i := uint64(0); i < count; i++ {
			e.Sints = append(e.Sints, int64(int16(bo.Uint16(raw[i*2:]))))
		}
	case TypeLong, TypeIFD:
		for i := uint64(0); i < count; i++ {
			e.Uints = append(e.Uints, uint64(bo.Uint32(raw[i*4:])))
		}
	case TypeSLong:
		for i := uint64(0); i < count; i++ {
			e.Sints = append(e.Sints, int64(int32(bo.Uint32(raw[i*4:]))))
		}
	case TypeLong8, TypeIFD8:
		for i := uint64(0); i < count; i++ {
			e.Uints = append(e.Uints, bo.Uint64(raw[i*8:]))
		}
	case TypeSLong8:
		for i := uint64(0); i < count; i++ {
			e.Sints = append(e.Sints, int64(bo.Uint64(raw[i*8:])))
		}
	case TypeRational:
		for i := uint64(0); i < count; i++ {
			num := bo.Uint32(raw[i*8:])
			den := bo.Uint32(raw[i*8+4:])
			if den != 0 {
				e.Floats = append(e.Floats, float64(num)/float64(den))
			} else {
				e.Floats = append(e.Floats, 0)
			}
		}
	case TypeSRational:
		for i := uint64(0); i < count; i++ {
			num := int32(bo.Uint32(raw[i*8:]))
			den := int32(bo.Uint32(raw[i*8+4:]))
			if den != 0 {
				e.Floats = append(e.Floats, float64(num)/float64(den))
			} else {
				e.Floats = append(e.Floats, 0)
			}
		}
	case TypeFloat:
		for i := uint64(0); i < count; i++ {
			bits := bo.Uint32(raw[i*4:])
			e.Floats = append(e.Floats, float64(math.Float32frombits(bits)))
		}
	case TypeDouble:
		for i := uint64(0); i < count; i++ {
			bits := bo.Uint64(raw[i*8:])
			e.Floats = append(e.Floats, math.Float64frombits(bits))
		}
	}
	return e
}

// GetUint returns the first value of tag dir[tag] as uint64.
func (d Directory) GetUint(tag int) (uint64, bool) {
	e, ok := d[tag]
	if !ok || len(e.Uints) == 0 {
		return 0, false
	}
	return e.Uints[0], true
}

// GetUints returns the full value array of tag dir[tag].
func (d Directory) GetUints(tag int) ([]uint64, bool) {
	e, ok := d[tag]
	if !ok {
		return nil, false
	}
	return e.Uints, true
}

// GetFloat returns the first float-ish value (RATIONAL/FLOAT/DOUBLE) of tag.
func (d Directory) GetFloat(tag int) (float64, bool) {
	e, ok := d[tag]
	if !ok || len(e.Floats) == 0 {
		return 0, false
	}
	return e.Floats[0], true
}

// GetBuffer returns the raw bytes of an ASCII/BYTE/UNDEFINED tag.
func (d Directory) GetBuffer(tag int) ([]byte, bool) {
	e, ok := d[tag]
	if !ok {
		return nil, false
	}
	return e.Bytes, true
}
