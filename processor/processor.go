// Package processor defines the pure image transformations applied to
// downloaded bytes before caching, and their composition. A processor's
// identifier participates in the cache fingerprint, so it must be a
// deterministic function of the processor's parameters.
package processor

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Item is the input to a processor: either the raw downloaded bytes or
// an already-decoded image. When both are set the image takes
// precedence.
type Item struct {
	Image image.Image
	Data  []byte
}

// Options parameterize decoding inside a processor.
type Options struct {
	// ScaleFactor converts logical sizes (used by size-parameterized
	// processors) to pixels. Zero means 1.
	ScaleFactor float64

	// PreloadAllAnimationFrames asks animated-format decoders to decode
	// every frame up front. Static decoders ignore it.
	PreloadAllAnimationFrames bool

	// OnlyLoadFirstFrame asks animated-format decoders for the first
	// frame only. Static decoders ignore it.
	OnlyLoadFirstFrame bool
}

// Scale returns the effective scale factor.
func (o Options) Scale() float64 {
	if o.ScaleFactor <= 0 {
		return 1
	}
	return o.ScaleFactor
}

// Processor transforms an Item into an image. Implementations must be
// pure: the output depends only on the input item and options.
type Processor interface {
	// Identifier is the stable string that distinguishes this
	// processor (and its parameters) in cache fingerprints. The
	// identity processor's identifier is the empty string.
	Identifier() string

	Process(item Item, opts Options) (image.Image, error)
}

// ErrEmptyItem is returned when a processor receives neither bytes nor
// a decoded image.
var ErrEmptyItem = errors.New("processor: empty input item")

// Default is the identity processor: it decodes raw bytes and passes
// decoded images through untouched.
type Default struct{}

func (Default) Identifier() string { return "" }

func (Default) Process(item Item, opts Options) (image.Image, error) {
	return decodeItem(item)
}

// decodeItem produces the decoded form of an item, honoring EXIF
// orientation for raw bytes.
func decodeItem(item Item) (image.Image, error) {
	if item.Image != nil {
		return item.Image, nil
	}
	if len(item.Data) == 0 {
		return nil, ErrEmptyItem
	}
	return imaging.Decode(bytes.NewReader(item.Data), imaging.AutoOrientation(true))
}

// Pipe returns the composition p1 then p2. Its identifier is
// "p1.id|>p2.id" and its behavior is p2(p1(x)). Composition is
// associative; identifiers of nested pipes flatten to the same string
// either way.
func Pipe(p1, p2 Processor) Processor {
	return pipe{first: p1, second: p2}
}

type pipe struct {
	first  Processor
	second Processor
}

func (p pipe) Identifier() string {
	return p.first.Identifier() + "|>" + p.second.Identifier()
}

func (p pipe) Process(item Item, opts Options) (image.Image, error) {
	img, err := p.first.Process(item, opts)
	if err != nil {
		return nil, err
	}
	return p.second.Process(Item{Image: img}, opts)
}

func sizeIdent(s image.Point) string {
	return fmt.Sprintf("(%d,%d)", s.X, s.Y)
}
