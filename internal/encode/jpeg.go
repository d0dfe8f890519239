// Package encode converts raw camera frames into consumable media: JPEG
// stills for the live preview and hardware-encoded H.264 files for
// recordings.
package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"github.com/Waupie/home-security-camera/internal/capture"
)

// EncodedFrame is a JPEG-encoded frame derived from exactly one raw frame.
// Immutable once produced; safe to share read-only across subscribers.
type EncodedFrame struct {
	// Seq is the sequence number of the source frame.
	Seq uint64
	// Timestamp is the capture time of the source frame.
	Timestamp time.Time
	// Data is the JPEG byte buffer.
	Data []byte
}

// JPEG encodes a raw RGB frame to JPEG at the given quality. Stateless and
// pure: the same frame and quality always produce the same bytes. A failure
// here is a single-frame problem; callers drop the frame and keep going.
func JPEG(f capture.Frame, quality int) (EncodedFrame, error) {
	if len(f.Data) < f.Width*f.Height*3 {
		return EncodedFrame{}, fmt.Errorf(
			"encode: short frame buffer: have %d bytes, need %d (%dx%d RGB)",
			len(f.Data), f.Width*f.Height*3, f.Width, f.Height,
		)
	}

	var buf bytes.Buffer
	img := &rgbImage{width: f.Width, height: f.Height, data: f.Data}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return EncodedFrame{}, fmt.Errorf("encode: jpeg encode failed: %w", err)
	}

	return EncodedFrame{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Data:      buf.Bytes(),
	}, nil
}

// rgbImage adapts a raw packed-RGB buffer to image.Image without copying.
type rgbImage struct {
	width  int
	height int
	data   []byte
}

func (i *rgbImage) ColorModel() color.Model { return color.RGBAModel }

func (i *rgbImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, i.width, i.height)
}

func (i *rgbImage) At(x, y int) color.Color {
	idx := (y*i.width + x) * 3
	return color.RGBA{R: i.data[idx], G: i.data[idx+1], B: i.data[idx+2], A: 0xFF}
}
