package imagetest

import (
	"bytes"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJPEG(t *testing.T) {
	data, err := JPEG(12, 7, Solid(200))
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 12, img.Bounds().Dx())
	assert.Equal(t, 7, img.Bounds().Dy())

	r, _, _, _ := img.At(3, 3).RGBA()
	assert.InDelta(t, 200, r>>8, 3)

	_, err = JPEG(0, 4, Solid(0))
	assert.Error(t, err)
}
