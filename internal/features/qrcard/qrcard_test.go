package qrcard

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	data, err := Render("https://app.tonkeeper.com/ton-connect?v=2&id=abc", Options{Size: 256, Caption: "Connect wallet within 3 minutes"})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 256+int(captionHeight), img.Bounds().Dy())
}

func TestRenderWithoutCaption(t *testing.T) {
	data, err := Render("ton://transfer", Options{})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, defaultSize, img.Bounds().Dx())
	assert.Equal(t, defaultSize, img.Bounds().Dy())
}

func TestRenderEmpty(t *testing.T) {
	_, err := Render("", Options{})
	assert.Error(t, err)
}
