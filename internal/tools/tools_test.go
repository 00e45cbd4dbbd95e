package tools

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/executor"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

var (
	white = color.NRGBA{255, 255, 255, 255}
	red   = color.NRGBA{255, 0, 0, 255}
	blue  = color.NRGBA{0, 0, 255, 255}
)

// framed is a w x h image of bg with a centered square of fg covering the
// middle half of each axis
func framed(w, h int, bg, fg color.NRGBA) *pixel.Buffer {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := bg
			if x >= w/4 && x < 3*w/4 && y >= h/4 && y < 3*h/4 {
				c = fg
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return pixel.FromImage(img)
}

func transparentShare(b *pixel.Buffer) float64 {
	_, pct := b.Transparency()
	return pct
}

func TestRegister(t *testing.T) {
	reg := executor.NewRegistry(catalog.Default())
	require.NoError(t, Register(reg, Options{}, catalog.ToolRemoveBackground))

	_, ok := reg.Lookup(catalog.ToolRemoveBackground)
	assert.False(t, ok, "skipped tools are served elsewhere")
	_, ok = reg.Lookup(catalog.ToolRemoveColor)
	assert.True(t, ok)
}

func TestRemoveColor(t *testing.T) {
	img := framed(40, 40, white, red)
	res, err := RemoveColor{}.Execute(context.Background(), img, catalog.Params{"color": "#ffffff", "tolerance": 5.0})
	require.NoError(t, err)

	assert.InDelta(t, 75.0, transparentShare(res.Image), 0.01)
	assert.Equal(t, uint8(0), res.Image.NRGBAAt(0, 0).A)
	assert.Equal(t, red, res.Image.NRGBAAt(20, 20))
	assert.Equal(t, white, img.NRGBAAt(0, 0), "input is untouched")
	assert.Equal(t, 1200, res.Output["pixelsRemoved"])
}

func TestRemoveColor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RemoveColor{}.Execute(ctx, framed(8, 8, white, red), catalog.Params{"color": "#ffffff"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecolor(t *testing.T) {
	img := framed(40, 40, white, red)
	res, err := Recolor{}.Execute(context.Background(), img, catalog.Params{
		"from_color": "#ff0000",
		"to_color":   "#0000ff",
		"tolerance":  10.0,
	})
	require.NoError(t, err)

	assert.Equal(t, blue, res.Image.NRGBAAt(20, 20))
	assert.Equal(t, white, res.Image.NRGBAAt(0, 0))
	assert.Equal(t, 400, res.Output["pixelsRecolored"])
}

func TestUpscale(t *testing.T) {
	img := framed(20, 16, white, red)
	res, err := Upscale{}.Execute(context.Background(), img, catalog.Params{"scale": 2.5, "method": "catmullrom"})
	require.NoError(t, err)

	assert.Equal(t, 50, res.Image.Width())
	assert.Equal(t, 40, res.Image.Height())
	assert.Equal(t, "catmullrom", res.Output["method"])
	assert.Equal(t, white, res.Image.NRGBAAt(0, 0))

	_, err = Upscale{}.Execute(context.Background(), img, catalog.Params{"scale": 1.0})
	assert.Error(t, err)
}

func TestUpscale_OutputLimit(t *testing.T) {
	img := framed(40, 40, white, red)
	u := Upscale{MaxOutputPixels: 10000}

	res, err := u.Execute(context.Background(), img, catalog.Params{"scale": 2.5})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Image.Width())

	_, err = u.Execute(context.Background(), res.Image, catalog.Params{"scale": 2.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "250x250")
	assert.Contains(t, err.Error(), "limit of 10000 pixels")
}

func TestRemoveBackground(t *testing.T) {
	img := framed(40, 40, white, red)
	res, err := RemoveBackground{}.Execute(context.Background(), img, catalog.Params{"model": "general", "refine_edges": false})
	require.NoError(t, err)

	assert.InDelta(t, 75.0, transparentShare(res.Image), 0.01)
	assert.Equal(t, red, res.Image.NRGBAAt(20, 20))
}

func TestRemoveBackground_KeepsEnclosedRegions(t *testing.T) {
	// A white hole inside the red square is not connected to the border
	img := framed(40, 40, white, red)
	img.Image().SetNRGBA(20, 20, white)

	res, err := RemoveBackground{}.Execute(context.Background(), img, catalog.Params{})
	require.NoError(t, err)
	assert.Equal(t, uint8(255), res.Image.NRGBAAt(20, 20).A)
}

func TestExtractPalette(t *testing.T) {
	img := framed(40, 40, white, red)
	res, err := ExtractPalette{}.Execute(context.Background(), img, catalog.Params{"count": 2})
	require.NoError(t, err)
	assert.Nil(t, res.Image)

	colors, ok := res.Output["colors"].([]any)
	require.True(t, ok)
	require.Len(t, colors, 2)
	assert.Equal(t, "#ffffff", colors[0].(map[string]any)["hex"])
	assert.Equal(t, 75.0, colors[0].(map[string]any)["percentage"])
}

func TestSamplePixels(t *testing.T) {
	img := framed(40, 40, white, red)

	res, err := SamplePixels{}.Execute(context.Background(), img, catalog.Params{"x": 20, "y": 20})
	require.NoError(t, err)
	assert.Equal(t, "#ff0000", res.Output["hex"])
	assert.Equal(t, 1, res.Output["samples"])

	res, err = SamplePixels{}.Execute(context.Background(), img, catalog.Params{"x": 0, "y": 0, "radius": 2})
	require.NoError(t, err)
	assert.Equal(t, 9, res.Output["samples"], "neighborhood is clipped at the border")

	_, err = SamplePixels{}.Execute(context.Background(), img, catalog.Params{"x": 40, "y": 0})
	assert.Error(t, err)
}
