package pixel

import (
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"
)

// RGB is an opaque color as used in analysis results and tool parameters
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Hex formats the color as #rrggbb
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// NRGBA returns the color fully opaque
func (c RGB) NRGBA() color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255}
}

// RGBOf drops the alpha channel
func RGBOf(c color.NRGBA) RGB {
	return RGB{R: c.R, G: c.G, B: c.B}
}

var namedColors = map[string]RGB{
	"white":   {255, 255, 255},
	"black":   {0, 0, 0},
	"red":     {255, 0, 0},
	"green":   {0, 128, 0},
	"lime":    {0, 255, 0},
	"blue":    {0, 0, 255},
	"yellow":  {255, 255, 0},
	"cyan":    {0, 255, 255},
	"magenta": {255, 0, 255},
	"gray":    {128, 128, 128},
	"grey":    {128, 128, 128},
	"orange":  {255, 165, 0},
	"purple":  {128, 0, 128},
	"pink":    {255, 192, 203},
	"brown":   {139, 69, 19},
	"navy":    {0, 0, 128},
}

// ParseColor accepts #rrggbb, rrggbb, #rgb, rgb(r, g, b) and a small set of
// color names
func ParseColor(s string) (RGB, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return RGB{}, fmt.Errorf("empty color")
	}
	if c, ok := namedColors[v]; ok {
		return c, nil
	}

	if strings.HasPrefix(v, "rgb(") && strings.HasSuffix(v, ")") {
		parts := strings.Split(v[4:len(v)-1], ",")
		if len(parts) != 3 {
			return RGB{}, fmt.Errorf("invalid color %q", s)
		}
		var ch [3]uint8
		for i, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil || n < 0 || n > 255 {
				return RGB{}, fmt.Errorf("invalid color %q", s)
			}
			ch[i] = uint8(n)
		}
		return RGB{ch[0], ch[1], ch[2]}, nil
	}

	v = strings.TrimPrefix(v, "#")
	if len(v) == 3 {
		v = string([]byte{v[0], v[0], v[1], v[1], v[2], v[2]})
	}
	if len(v) != 6 {
		return RGB{}, fmt.Errorf("invalid color %q", s)
	}
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return RGB{}, fmt.Errorf("invalid color %q", s)
	}
	return RGB{uint8(n >> 16), uint8(n >> 8), uint8(n)}, nil
}

// Lab is a CIELAB color under the D65 white point
type Lab struct {
	L, A, B float64
}

// ToLab converts sRGB to CIELAB
func ToLab(c RGB) Lab {
	r := linearize(c.R)
	g := linearize(c.G)
	b := linearize(c.B)

	x := (r*0.4124564 + g*0.3575761 + b*0.1804375) / 0.95047
	y := r*0.2126729 + g*0.7151522 + b*0.0721750
	z := (r*0.0193339 + g*0.1191920 + b*0.9503041) / 1.08883

	fx, fy, fz := labF(x), labF(y), labF(z)
	return Lab{
		L: 116*fy - 16,
		A: 500 * (fx - fy),
		B: 200 * (fy - fz),
	}
}

// FromLab converts CIELAB back to sRGB, clamping out-of-gamut values
func FromLab(l Lab) RGB {
	fy := (l.L + 16) / 116
	fx := fy + l.A/500
	fz := fy - l.B/200

	x := labFInv(fx) * 0.95047
	y := labFInv(fy)
	z := labFInv(fz) * 1.08883

	r := x*3.2404542 - y*1.5371385 - z*0.4985314
	g := -x*0.9692660 + y*1.8760108 + z*0.0415560
	b := x*0.0556434 - y*0.2040259 + z*1.0572252
	return RGB{R: delinearize(r), G: delinearize(g), B: delinearize(b)}
}

func labFInv(t float64) float64 {
	const eps = 6.0 / 29.0
	if t > eps {
		return t * t * t
	}
	return 3 * eps * eps * (t - 4.0/29.0)
}

func delinearize(c float64) uint8 {
	if c <= 0.0031308 {
		c *= 12.92
	} else {
		c = 1.055*math.Pow(c, 1/2.4) - 0.055
	}
	return clamp8(c * 255)
}

func linearize(v uint8) float64 {
	c := float64(v) / 255
	if c <= 0.04045 {
		return c / 12.92
	}
	return math.Pow((c+0.055)/1.055, 2.4)
}

func labF(t float64) float64 {
	const eps = 216.0 / 24389.0
	const kappa = 24389.0 / 27.0
	if t > eps {
		return math.Cbrt(t)
	}
	return (kappa*t + 16) / 116
}

// DeltaE is the CIE76 perceptual distance between two colors.
// Roughly: <2 imperceptible, 2-10 close, >25 clearly different.
func DeltaE(a, b RGB) float64 {
	return DeltaELab(ToLab(a), ToLab(b))
}

// DeltaELab is DeltaE for colors already converted to Lab
func DeltaELab(a, b Lab) float64 {
	return math.Sqrt(sq(a.L-b.L) + sq(a.A-b.A) + sq(a.B-b.B))
}

// PixelDistance is the Euclidean distance between two pixels treating
// R, G, B and A as one 4-vector
func PixelDistance(a, b color.NRGBA) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	da := float64(a.A) - float64(b.A)
	return math.Sqrt(dr*dr + dg*dg + db*db + da*da)
}

func sq(v float64) float64 { return v * v }
