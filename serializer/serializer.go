// Package serializer converts between decoded images and the byte form
// written to the disk cache.
package serializer

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
)

// Serializer encodes an image for disk storage and decodes it back.
// The original downloaded bytes, when available, are passed to Encode
// as a format hint.
type Serializer interface {
	// Encode returns the byte form to write to disk for img. original
	// holds the bytes the image was decoded from, or nil for images
	// produced by a processor.
	Encode(img image.Image, original []byte) ([]byte, error)

	// Decode reconstructs an image from its on-disk byte form.
	Decode(data []byte) (image.Image, error)
}

// DefaultJPEGQuality is the quality used when re-encoding JPEG data.
const DefaultJPEGQuality = 90

// Default is the stock serializer. Encode returns the original bytes
// unchanged when img is nil and original is not. Otherwise it encodes img
// as JPEG when the original is JPEG data, and as PNG in every other
// case, including a nil original.
type Default struct {
	// JPEGQuality overrides DefaultJPEGQuality when positive.
	JPEGQuality int
}

func (d Default) Encode(img image.Image, original []byte) ([]byte, error) {
	if img == nil && original != nil {
		return original, nil
	}

	format := imaging.PNG
	var opts []imaging.EncodeOption
	if sniffJPEG(original) {
		format = imaging.JPEG
		q := d.JPEGQuality
		if q <= 0 {
			q = DefaultJPEGQuality
		}
		opts = append(opts, imaging.JPEGQuality(q))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, opts...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d Default) Decode(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

func sniffJPEG(data []byte) bool {
	return len(data) >= 3 && data[0] == 0xff && data[1] == 0xd8 && data[2] == 0xff
}
