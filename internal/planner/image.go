package planner

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"

	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

const (
	jpegQuality     = 85
	maxShrinkPasses = 4
)

// encodeImage produces the inline image sent to the model. Images with
// transparency stay PNG so the alpha channel survives; opaque images fall
// back to JPEG once PNG exceeds maxBytes. Anything still too large is
// downscaled.
func encodeImage(buf *pixel.Buffer, transparent bool, maxBytes int) ([]byte, string, error) {
	img := buf.Image()
	for pass := 0; ; pass++ {
		data, err := buf.EncodePNG()
		if err != nil {
			return nil, "", err
		}
		mime := "image/png"
		if len(data) > maxBytes && !transparent {
			var out bytes.Buffer
			if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
				return nil, "", fmt.Errorf("failed to encode jpeg: %w", err)
			}
			data, mime = out.Bytes(), "image/jpeg"
		}
		if maxBytes <= 0 || len(data) <= maxBytes {
			return data, mime, nil
		}
		if pass == maxShrinkPasses {
			return nil, "", fmt.Errorf("image is %d bytes after %d downscales, limit is %d", len(data), pass, maxBytes)
		}

		scale := math.Sqrt(float64(maxBytes)/float64(len(data))) * 0.9
		w := max(1, int(float64(img.Rect.Dx())*scale))
		h := max(1, int(float64(img.Rect.Dy())*scale))
		dst := image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(dst, dst.Rect, img, img.Rect, draw.Src, nil)
		img = dst
		buf = pixel.FromImage(dst)
	}
}
