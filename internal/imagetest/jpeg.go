// Package imagetest builds in-memory JPEG fixtures for tests
package imagetest

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"
)

// Fill returns the color of the pixel at (x, y)
type Fill func(x, y int) (r, g, b uint8)

// JPEG renders a width×height image whose pixels come from fill
func JPEG(width, height int, fill Fill) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("image dimensions must be positive, got %dx%d", width, height)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b := fill(x, y)
			i := img.PixOffset(x, y)
			img.Pix[i] = r
			img.Pix[i+1] = g
			img.Pix[i+2] = b
			img.Pix[i+3] = 255
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, errors.Wrap(err, "failed to encode JPEG")
	}
	return buf.Bytes(), nil
}

// Solid fills every pixel with the same gray level
func Solid(v uint8) Fill {
	return func(x, y int) (uint8, uint8, uint8) { return v, v, v }
}
