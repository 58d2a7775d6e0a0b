package processor

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
)

// ContentMode controls how Resize maps the source onto the reference
// size.
type ContentMode int

const (
	// AspectFit scales to fit within the reference size, preserving
	// aspect ratio.
	AspectFit ContentMode = iota

	// AspectFill scales to cover the reference size, preserving aspect
	// ratio and cropping centered overflow.
	AspectFill

	// ScaleToFill stretches to exactly the reference size.
	ScaleToFill
)

func (m ContentMode) String() string {
	switch m {
	case AspectFit:
		return "aspectFit"
	case AspectFill:
		return "aspectFill"
	}
	return "resize"
}

// Resize scales images to a reference size.
type Resize struct {
	Size image.Point
	Mode ContentMode
}

func (p Resize) Identifier() string {
	return fmt.Sprintf("halcyon.Resize%s%s", sizeIdent(p.Size), p.Mode)
}

func (p Resize) Process(item Item, opts Options) (image.Image, error) {
	img, err := decodeItem(item)
	if err != nil {
		return nil, err
	}
	w, h := scaled(p.Size, opts)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("resize: invalid target size %v", p.Size)
	}
	switch p.Mode {
	case AspectFit:
		return imaging.Fit(img, w, h, imaging.Lanczos), nil
	case AspectFill:
		return imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos), nil
	}
	return imaging.Resize(img, w, h, imaging.Lanczos), nil
}

// Blur applies a Gaussian blur.
type Blur struct {
	Radius float64
}

func (p Blur) Identifier() string {
	return fmt.Sprintf("halcyon.Blur(%g)", p.Radius)
}

func (p Blur) Process(item Item, opts Options) (image.Image, error) {
	img, err := decodeItem(item)
	if err != nil {
		return nil, err
	}
	sigma := p.Radius * opts.Scale()
	if sigma <= 0 {
		return img, nil
	}
	return imaging.Blur(img, sigma), nil
}

// BlackWhite converts to grayscale.
type BlackWhite struct{}

func (BlackWhite) Identifier() string { return "halcyon.BlackWhite" }

func (BlackWhite) Process(item Item, opts Options) (image.Image, error) {
	img, err := decodeItem(item)
	if err != nil {
		return nil, err
	}
	return imaging.Grayscale(img), nil
}

// Overlay blends a color over the image with the given opacity
// fraction in [0, 1].
type Overlay struct {
	Color    color.Color
	Fraction float64
}

func (p Overlay) Identifier() string {
	return fmt.Sprintf("halcyon.Overlay(%s,%g)", colorIdent(p.Color), p.Fraction)
}

func (p Overlay) Process(item Item, opts Options) (image.Image, error) {
	img, err := decodeItem(item)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	layer := imaging.New(b.Dx(), b.Dy(), toNRGBA(p.Color))
	return imaging.Overlay(img, layer, b.Min, clamp01(p.Fraction)), nil
}

// Tint recolors the image with the given color, preserving the alpha
// channel of each pixel.
type Tint struct {
	Color color.Color
}

func (p Tint) Identifier() string {
	return fmt.Sprintf("halcyon.Tint(%s)", colorIdent(p.Color))
}

func (p Tint) Process(item Item, opts Options) (image.Image, error) {
	img, err := decodeItem(item)
	if err != nil {
		return nil, err
	}

	tint := toNRGBA(p.Color)
	src := imaging.Clone(img)
	for i := 0; i < len(src.Pix); i += 4 {
		a := float64(src.Pix[i+3]) / 255
		ta := float64(tint.A) / 255
		src.Pix[i+0] = blendChannel(src.Pix[i+0], tint.R, ta*a)
		src.Pix[i+1] = blendChannel(src.Pix[i+1], tint.G, ta*a)
		src.Pix[i+2] = blendChannel(src.Pix[i+2], tint.B, ta*a)
	}
	return src, nil
}

// ColorControls adjusts brightness, contrast, saturation, and exposure.
// Brightness, contrast, and saturation are percentages in [-100, 100];
// InputEV is in exposure stops.
type ColorControls struct {
	Brightness float64
	Contrast   float64
	Saturation float64
	InputEV    float64
}

func (p ColorControls) Identifier() string {
	return fmt.Sprintf("halcyon.ColorControls(%g,%g,%g,%g)",
		p.Brightness, p.Contrast, p.Saturation, p.InputEV)
}

func (p ColorControls) Process(item Item, opts Options) (image.Image, error) {
	img, err := decodeItem(item)
	if err != nil {
		return nil, err
	}

	out := imaging.AdjustBrightness(img, p.Brightness)
	out = imaging.AdjustContrast(out, p.Contrast)
	out = imaging.AdjustSaturation(out, p.Saturation)
	if p.InputEV != 0 {
		gain := math.Pow(2, p.InputEV)
		out = imaging.AdjustFunc(out, func(c color.NRGBA) color.NRGBA {
			c.R = clampChannel(float64(c.R) * gain)
			c.G = clampChannel(float64(c.G) * gain)
			c.B = clampChannel(float64(c.B) * gain)
			return c
		})
	}
	return out, nil
}

// Anchor is a relative position inside an image, with both coordinates
// in [0, 1]. (0.5, 0.5) is the center.
type Anchor struct {
	X float64
	Y float64
}

// Crop cuts a region of the given size anchored at the given relative
// position.
type Crop struct {
	Size   image.Point
	Anchor Anchor
}

func (p Crop) Identifier() string {
	return fmt.Sprintf("halcyon.Crop%s(%g,%g)", sizeIdent(p.Size), p.Anchor.X, p.Anchor.Y)
}

func (p Crop) Process(item Item, opts Options) (image.Image, error) {
	img, err := decodeItem(item)
	if err != nil {
		return nil, err
	}

	w, h := scaled(p.Size, opts)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("crop: invalid target size %v", p.Size)
	}

	b := img.Bounds()
	if w > b.Dx() {
		w = b.Dx()
	}
	if h > b.Dy() {
		h = b.Dy()
	}

	x := b.Min.X + int(math.Round(clamp01(p.Anchor.X)*float64(b.Dx()-w)))
	y := b.Min.Y + int(math.Round(clamp01(p.Anchor.Y)*float64(b.Dy()-h)))
	return imaging.Crop(img, image.Rect(x, y, x+w, y+h)), nil
}

// CornerMask selects which corners RoundCorner rounds.
type CornerMask int

const (
	TopLeft CornerMask = 1 << iota
	TopRight
	BottomLeft
	BottomRight

	AllCorners = TopLeft | TopRight | BottomLeft | BottomRight
)

// RoundCorner clips the image to a rounded rectangle. When TargetSize
// is non-zero the image is aspect-filled to it first.
type RoundCorner struct {
	Radius     float64
	TargetSize image.Point
	Corners    CornerMask
}

func (p RoundCorner) Identifier() string {
	return fmt.Sprintf("halcyon.RoundCorner(%g,%s,%04b)",
		p.Radius, sizeIdent(p.TargetSize), p.corners())
}

func (p RoundCorner) corners() CornerMask {
	if p.Corners == 0 {
		return AllCorners
	}
	return p.Corners
}

func (p RoundCorner) Process(item Item, opts Options) (image.Image, error) {
	img, err := decodeItem(item)
	if err != nil {
		return nil, err
	}

	if p.TargetSize.X > 0 && p.TargetSize.Y > 0 {
		w, h := scaled(p.TargetSize, opts)
		img = imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
	}

	radius := p.Radius * opts.Scale()
	src := imaging.Clone(img)
	b := src.Bounds()
	corners := p.corners()

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			a := cornerAlpha(x, y, b.Dx(), b.Dy(), radius, corners)
			if a >= 1 {
				continue
			}
			i := y*src.Stride + x*4
			src.Pix[i+3] = uint8(float64(src.Pix[i+3]) * a)
		}
	}
	return src, nil
}

// cornerAlpha returns the coverage of a pixel against the rounded-rect
// mask, with one pixel of edge antialiasing.
func cornerAlpha(x, y, w, h int, radius float64, corners CornerMask) float64 {
	var cx, cy float64
	switch {
	case corners&TopLeft != 0 && float64(x) < radius && float64(y) < radius:
		cx, cy = radius, radius
	case corners&TopRight != 0 && float64(x) >= float64(w)-radius && float64(y) < radius:
		cx, cy = float64(w)-radius, radius
	case corners&BottomLeft != 0 && float64(x) < radius && float64(y) >= float64(h)-radius:
		cx, cy = radius, float64(h)-radius
	case corners&BottomRight != 0 && float64(x) >= float64(w)-radius && float64(y) >= float64(h)-radius:
		cx, cy = float64(w)-radius, float64(h)-radius
	default:
		return 1
	}

	dx := float64(x) + 0.5 - cx
	dy := float64(y) + 0.5 - cy
	d := math.Sqrt(dx*dx + dy*dy)
	if d <= radius-0.5 {
		return 1
	}
	if d >= radius+0.5 {
		return 0
	}
	return radius + 0.5 - d
}

// Downsampling scales an image down to fit a bounded target size,
// trading fidelity for a smaller footprint. Raw bytes are decoded at
// full size first, then scaled. Unlike Resize it
// never scales up: a target larger than the source returns the source
// size unchanged.
type Downsampling struct {
	Size image.Point
}

func (p Downsampling) Identifier() string {
	return fmt.Sprintf("halcyon.Downsampling%s", sizeIdent(p.Size))
}

func (p Downsampling) Process(item Item, opts Options) (image.Image, error) {
	img, err := decodeItem(item)
	if err != nil {
		return nil, err
	}

	w, h := scaled(p.Size, opts)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("downsampling: target size %v has zero area", p.Size)
	}

	b := img.Bounds()
	if w >= b.Dx() && h >= b.Dy() {
		return img, nil
	}

	// Fit the target box, preserving aspect ratio.
	ratio := math.Min(float64(w)/float64(b.Dx()), float64(h)/float64(b.Dy()))
	dw := int(math.Max(1, math.Round(float64(b.Dx())*ratio)))
	dh := int(math.Max(1, math.Round(float64(b.Dy())*ratio)))

	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst, nil
}

func scaled(s image.Point, opts Options) (int, int) {
	scale := opts.Scale()
	return int(math.Round(float64(s.X) * scale)), int(math.Round(float64(s.Y) * scale))
}

func toNRGBA(c color.Color) color.NRGBA {
	if c == nil {
		return color.NRGBA{}
	}
	return color.NRGBAModel.Convert(c).(color.NRGBA)
}

func colorIdent(c color.Color) string {
	n := toNRGBA(c)
	return fmt.Sprintf("#%02x%02x%02x%02x", n.R, n.G, n.B, n.A)
}

func blendChannel(base, over uint8, alpha float64) uint8 {
	return clampChannel(float64(base)*(1-alpha) + float64(over)*alpha)
}

func clampChannel(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
