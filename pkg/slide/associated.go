package slide

import (
	"bytes"
	"fmt"
	"image/jpeg"
)

const compressionJPEG = 7
const compressionNone = 1

// decodeAssociatedStrip decodes a whole single-strip associated image
// into a flat ARGB32 buffer. Unlike tile data, a strip's JPEG (when
// compressed at all) is a complete, self-contained stream — there is no
// shared JPEGTables segment to splice in, since associated images are
// not part of the tiled pyramid.
func decodeAssociatedStrip(compression uint64, raw []byte, w, h int) ([]uint32, error) {
	switch compression {
	case compressionJPEG:
		img, err := jpeg.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode associated image JPEG: %w", err)
		}
		bounds := img.Bounds()
		out := make([]uint32, w*h)
		for y := 0; y < h && y < bounds.Dy(); y++ {
			for x := 0; x < w && x < bounds.Dx(); x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				out[y*w+x] = uint32(255)<<24 | uint32(r>>8)<<16 | uint32(g>>8)<<8 | uint32(b>>8)
			}
		}
		return out, nil
	case compressionNone, 0:
		need := w * h * 3
		if len(raw) < need {
			return nil, fmt.Errorf("associated strip too short: got %d bytes, want %d", len(raw), need)
		}
		out := make([]uint32, w*h)
		for i := 0; i < w*h; i++ {
			r, g, b := raw[i*3], raw[i*3+1], raw[i*3+2]
			out[i] = uint32(255)<<24 | uint32(r)<<16 | uint32(g)<<8 | uint32(b)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported associated image compression %d", compression)
	}
}
