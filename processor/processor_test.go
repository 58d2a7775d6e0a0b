package processor

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDefaultIdentifierIsEmpty(t *testing.T) {
	if id := (Default{}).Identifier(); id != "" {
		t.Fatalf("default identifier must be empty, got %q", id)
	}
}

func TestDefaultDecodesBytes(t *testing.T) {
	src := solidImage(3, 2, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	img, err := Default{}.Process(Item{Data: pngBytes(t, src)}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 3 || img.Bounds().Dy() != 2 {
		t.Fatalf("unexpected decoded bounds %v", img.Bounds())
	}
}

func TestDefaultPassesImagesThrough(t *testing.T) {
	src := solidImage(2, 2, color.NRGBA{A: 255})
	img, err := Default{}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if img != image.Image(src) {
		t.Fatal("decoded image must pass through untouched")
	}
}

func TestEmptyItemFails(t *testing.T) {
	_, err := Default{}.Process(Item{}, Options{})
	if !errors.Is(err, ErrEmptyItem) {
		t.Fatalf("expected ErrEmptyItem, got %v", err)
	}
}

func TestIdentifiersDeterministic(t *testing.T) {
	a := RoundCorner{Radius: 40}
	b := RoundCorner{Radius: 40}
	if a.Identifier() != b.Identifier() {
		t.Fatal("equal parameters must produce equal identifiers")
	}

	c := RoundCorner{Radius: 41}
	if a.Identifier() == c.Identifier() {
		t.Fatal("distinct parameters must produce distinct identifiers")
	}
}

func TestPipeIdentifierAndOrder(t *testing.T) {
	a := Blur{Radius: 3}
	b := BlackWhite{}

	p := Pipe(a, b)
	want := a.Identifier() + "|>" + b.Identifier()
	if p.Identifier() != want {
		t.Fatalf("pipe identifier %q, want %q", p.Identifier(), want)
	}
}

func TestPipeAssociative(t *testing.T) {
	a := Blur{Radius: 1}
	b := BlackWhite{}
	c := Resize{Size: image.Pt(2, 2)}

	left := Pipe(Pipe(a, b), c)
	right := Pipe(a, Pipe(b, c))
	if left.Identifier() != right.Identifier() {
		t.Fatalf("composition not associative: %q vs %q", left.Identifier(), right.Identifier())
	}
}

func TestPipeAppliesInOrder(t *testing.T) {
	src := solidImage(8, 8, color.NRGBA{R: 200, G: 50, B: 50, A: 255})

	p := Pipe(BlackWhite{}, Resize{Size: image.Pt(4, 4), Mode: ScaleToFill})
	img, err := p.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 4 {
		t.Fatalf("resize after grayscale produced bounds %v", img.Bounds())
	}
	r, g, b, _ := img.At(1, 1).RGBA()
	if r != g || g != b {
		t.Fatalf("grayscale did not apply before resize: %d %d %d", r, g, b)
	}
}

func TestResizeModes(t *testing.T) {
	src := solidImage(8, 4, color.NRGBA{A: 255})

	for _, tc := range []struct {
		mode       ContentMode
		wantW      int
		wantH      int
		identifier string
	}{
		{AspectFit, 4, 2, "aspectFit"},
		{AspectFill, 4, 4, "aspectFill"},
		{ScaleToFill, 4, 4, "resize"},
	} {
		p := Resize{Size: image.Pt(4, 4), Mode: tc.mode}
		img, err := p.Process(Item{Image: src}, Options{})
		if err != nil {
			t.Fatalf("%s: %v", tc.mode, err)
		}
		if img.Bounds().Dx() != tc.wantW || img.Bounds().Dy() != tc.wantH {
			t.Fatalf("%s: bounds %v, want %dx%d", tc.mode, img.Bounds(), tc.wantW, tc.wantH)
		}
	}
}

func TestResizeScaleFactor(t *testing.T) {
	src := solidImage(20, 20, color.NRGBA{A: 255})

	p := Resize{Size: image.Pt(4, 4), Mode: ScaleToFill}
	img, err := p.Process(Item{Image: src}, Options{ScaleFactor: 2})
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 8 {
		t.Fatalf("scale factor ignored, bounds %v", img.Bounds())
	}
}

func TestDownsamplingZeroAreaFails(t *testing.T) {
	src := solidImage(4, 4, color.NRGBA{A: 255})

	_, err := Downsampling{Size: image.Pt(0, 4)}.Process(Item{Image: src}, Options{})
	if err == nil {
		t.Fatal("zero-area target must fail, not crash or succeed")
	}
}

func TestDownsamplingNeverUpscales(t *testing.T) {
	src := solidImage(4, 4, color.NRGBA{A: 255})

	img, err := Downsampling{Size: image.Pt(100, 100)}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 4 {
		t.Fatalf("target larger than source must keep source size, got %v", img.Bounds())
	}
}

func TestDownsamplingShrinksPreservingAspect(t *testing.T) {
	src := solidImage(8, 4, color.NRGBA{A: 255})

	img, err := Downsampling{Size: image.Pt(4, 4)}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 2 {
		t.Fatalf("expected 4x2, got %v", img.Bounds())
	}
}

func TestRoundCornerClipsCorners(t *testing.T) {
	src := solidImage(20, 20, color.NRGBA{R: 255, A: 255})

	img, err := RoundCorner{Radius: 8}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	_, _, _, corner := img.At(0, 0).RGBA()
	if corner != 0 {
		t.Fatalf("corner pixel should be fully transparent, alpha %d", corner)
	}
	_, _, _, center := img.At(10, 10).RGBA()
	if center != 0xffff {
		t.Fatalf("center pixel should be opaque, alpha %d", center)
	}
}

func TestRoundCornerMaskSelectsCorners(t *testing.T) {
	src := solidImage(20, 20, color.NRGBA{R: 255, A: 255})

	img, err := RoundCorner{Radius: 8, Corners: TopLeft}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	_, _, _, tl := img.At(0, 0).RGBA()
	if tl != 0 {
		t.Fatalf("top-left should be clipped, alpha %d", tl)
	}
	_, _, _, br := img.At(19, 19).RGBA()
	if br != 0xffff {
		t.Fatalf("bottom-right should be untouched, alpha %d", br)
	}
}

func TestBlackWhite(t *testing.T) {
	src := solidImage(4, 4, color.NRGBA{R: 200, G: 30, B: 90, A: 255})

	img, err := BlackWhite{}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	r, g, b, _ := img.At(2, 2).RGBA()
	if r != g || g != b {
		t.Fatalf("expected gray pixel, got %d %d %d", r, g, b)
	}
}

func TestCropAnchors(t *testing.T) {
	// Left half red, right half blue.
	src := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			if x < 4 {
				src.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
			} else {
				src.SetNRGBA(x, y, color.NRGBA{B: 255, A: 255})
			}
		}
	}

	left, err := Crop{Size: image.Pt(4, 4), Anchor: Anchor{X: 0, Y: 0.5}}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	r, _, _, _ := left.At(1, 1).RGBA()
	if r == 0 {
		t.Fatal("left-anchored crop should contain the red half")
	}

	right, err := Crop{Size: image.Pt(4, 4), Anchor: Anchor{X: 1, Y: 0.5}}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, _, b, _ := right.At(1, 1).RGBA()
	if b == 0 {
		t.Fatal("right-anchored crop should contain the blue half")
	}
}

func TestCropLargerThanSourceClamps(t *testing.T) {
	src := solidImage(4, 4, color.NRGBA{A: 255})

	img, err := Crop{Size: image.Pt(100, 100), Anchor: Anchor{X: 0.5, Y: 0.5}}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 4 {
		t.Fatalf("crop beyond source must clamp, got %v", img.Bounds())
	}
}

func TestTintPreservesAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	src.SetNRGBA(0, 0, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
	src.SetNRGBA(1, 1, color.NRGBA{}) // fully transparent

	img, err := Tint{Color: color.NRGBA{B: 255, A: 255}}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	_, _, b, a := img.At(0, 0).RGBA()
	if b == 0 || a != 0xffff {
		t.Fatalf("tint did not apply to opaque pixel: b=%d a=%d", b, a)
	}
	_, _, _, a = img.At(1, 1).RGBA()
	if a != 0 {
		t.Fatalf("tint must preserve transparency, alpha %d", a)
	}
}

func TestOverlayBlends(t *testing.T) {
	src := solidImage(4, 4, color.NRGBA{R: 255, A: 255})

	img, err := Overlay{Color: color.NRGBA{B: 255, A: 255}, Fraction: 0.5}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	r, _, b, _ := img.At(2, 2).RGBA()
	if r == 0 || b == 0 {
		t.Fatalf("expected a blend of red and blue, got r=%d b=%d", r, b)
	}
}

func TestColorControlsExposure(t *testing.T) {
	src := solidImage(4, 4, color.NRGBA{R: 60, G: 60, B: 60, A: 255})

	brighter, err := ColorControls{InputEV: 1}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	br, _, _, _ := brighter.At(2, 2).RGBA()
	sr, _, _, _ := src.At(2, 2).RGBA()
	if br <= sr {
		t.Fatalf("positive EV must brighten: %d <= %d", br, sr)
	}
}

func TestBlurZeroRadiusIsIdentity(t *testing.T) {
	src := solidImage(4, 4, color.NRGBA{R: 9, A: 255})
	img, err := Blur{}.Process(Item{Image: src}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if img != image.Image(src) {
		t.Fatal("zero radius blur should pass the image through")
	}
}
