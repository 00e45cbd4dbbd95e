package pixel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register decoder
	_ "image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultMaxDecodePixels bounds how large an image Decode accepts
const DefaultMaxDecodePixels = 120_000_000

var (
	ErrEmptyImage = errors.New("empty image data")
	ErrTooLarge   = errors.New("image exceeds decode pixel limit")
)

// Metadata is container-level information read alongside the pixels
type Metadata struct {
	Format    string  // png, jpeg, gif, webp
	SizeBytes int     // encoded size
	DPI       float64 // horizontal resolution when DPIKnown
	DPIKnown  bool    // false when the container carries no usable density
}

// Buffer is a read-only NRGBA pixel buffer. Analysis functions never mutate it,
// so one Buffer may be shared by concurrent measurements.
type Buffer struct {
	img *image.NRGBA
}

// FromImage copies any image into a zero-origin NRGBA buffer
func FromImage(src image.Image) *Buffer {
	if n, ok := src.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return &Buffer{img: n}
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, src, b.Min, draw.Src)
	return &Buffer{img: dst}
}

// Decode decodes an encoded image and reads its density metadata
func Decode(data []byte) (*Buffer, Metadata, error) {
	return DecodeLimit(data, DefaultMaxDecodePixels)
}

// DecodeLimit is Decode with an explicit pixel ceiling, checked before the
// full decode allocates anything
func DecodeLimit(data []byte, maxPixels int) (*Buffer, Metadata, error) {
	if len(data) == 0 {
		return nil, Metadata{}, ErrEmptyImage
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to read image header: %w", err)
	}
	if maxPixels > 0 && cfg.Width*cfg.Height > maxPixels {
		return nil, Metadata{}, fmt.Errorf("%w: %dx%d > %d", ErrTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to decode %s image: %w", format, err)
	}

	meta := Metadata{Format: format, SizeBytes: len(data)}
	switch format {
	case "png":
		meta.DPI, meta.DPIKnown = pngDPI(data)
	case "jpeg":
		meta.DPI, meta.DPIKnown = jpegDPI(data)
	}

	return FromImage(img), meta, nil
}

// Image returns the underlying pixels. Callers must treat it as read-only.
func (b *Buffer) Image() *image.NRGBA { return b.img }

func (b *Buffer) Width() int  { return b.img.Rect.Dx() }
func (b *Buffer) Height() int { return b.img.Rect.Dy() }

// Pixels returns width*height
func (b *Buffer) Pixels() int { return b.Width() * b.Height() }

// NRGBAAt returns the pixel at x, y without bounds checks beyond the slice's own
func (b *Buffer) NRGBAAt(x, y int) color.NRGBA {
	i := y*b.img.Stride + x*4
	p := b.img.Pix[i : i+4 : i+4]
	return color.NRGBA{R: p[0], G: p[1], B: p[2], A: p[3]}
}

// Bounded returns a downsampled view no larger than maxPixels, or the buffer
// itself when it already fits. The view is point-sampled, so every color in it
// occurs in the source.
func (b *Buffer) Bounded(maxPixels int) *Buffer {
	if maxPixels <= 0 || b.Pixels() <= maxPixels {
		return b
	}
	scale := math.Sqrt(float64(maxPixels) / float64(b.Pixels()))
	w := max(1, int(float64(b.Width())*scale))
	h := max(1, int(float64(b.Height())*scale))
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Rect, b.img, b.img.Rect, draw.Src, nil)
	return &Buffer{img: dst}
}

// Clone returns a deep copy
func (b *Buffer) Clone() *Buffer {
	dst := image.NewNRGBA(b.img.Rect)
	copy(dst.Pix, b.img.Pix)
	return &Buffer{img: dst}
}

// Equal reports whether both buffers hold the same pixels
func (b *Buffer) Equal(o *Buffer) bool {
	if b == nil || o == nil {
		return b == o
	}
	if b == o {
		return true
	}
	w, h := b.Width(), b.Height()
	if w != o.Width() || h != o.Height() {
		return false
	}
	for y := 0; y < h; y++ {
		i, j := y*b.img.Stride, y*o.img.Stride
		if !bytes.Equal(b.img.Pix[i:i+w*4], o.img.Pix[j:j+w*4]) {
			return false
		}
	}
	return true
}

// EncodePNG encodes the buffer losslessly
func (b *Buffer) EncodePNG() ([]byte, error) {
	var out bytes.Buffer
	if err := png.Encode(&out, b.img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return out.Bytes(), nil
}

// pngDPI reads the pHYs chunk. Only the metre unit carries a physical density.
func pngDPI(data []byte) (float64, bool) {
	const sigLen = 8
	pos := sigLen
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		body := pos + 8
		if length < 0 || body+length > len(data) {
			return 0, false
		}
		switch typ {
		case "pHYs":
			if length < 9 {
				return 0, false
			}
			ppuX := binary.BigEndian.Uint32(data[body : body+4])
			unit := data[body+8]
			if unit != 1 || ppuX == 0 {
				return 0, false
			}
			return math.Round(float64(ppuX)*0.0254*100) / 100, true
		case "IDAT", "IEND":
			return 0, false
		}
		pos = body + length + 4 // skip CRC
	}
	return 0, false
}

// jpegDPI reads the JFIF APP0 density fields
func jpegDPI(data []byte) (float64, bool) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 0, false
	}
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return 0, false
		}
		marker := data[pos+1]
		if marker == 0xDA || marker == 0xD9 { // start of scan, end of image
			return 0, false
		}
		segLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		seg := pos + 4
		if segLen < 2 || pos+2+segLen > len(data) {
			return 0, false
		}
		if marker == 0xE0 && segLen >= 14 && string(data[seg:seg+5]) == "JFIF\x00" {
			units := data[seg+7]
			xDensity := float64(binary.BigEndian.Uint16(data[seg+8 : seg+10]))
			switch {
			case xDensity == 0:
				return 0, false
			case units == 1:
				return xDensity, true
			case units == 2:
				return math.Round(xDensity*2.54*100) / 100, true
			}
			return 0, false
		}
		pos += 2 + segLen
	}
	return 0, false
}
