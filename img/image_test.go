package img

import (
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	m := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.SetRGBA(x, y, c)
		}
	}
	return m
}

func TestRGBImage(t *testing.T) {
	m := NewRGB(3, 2)
	m.Set(2, 1, RGB{R: 0.1, G: 0.2, B: 0.3})
	assert.Equal(t, RGB{R: 0.1, G: 0.2, B: 0.3}, m.RGBAt(2, 1))
	// planar layout with x varying fastest
	assert.Equal(t, float32(0.1), m.Pix[5])
	assert.Equal(t, float32(0.2), m.Pix[11])
	assert.Equal(t, float32(0.3), m.Pix[17])
	assert.Len(t, m.Pixels(1), 6)
	assert.Equal(t, RGB{}, m.RGBAt(3, 0))
}

func TestResize(t *testing.T) {
	src := solidImage(178, 218, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	for name, interp := range Interpolators {
		m := Resize(src, 16, 16, interp)
		require.Equal(t, 16, m.Width, name)
		require.Equal(t, 16, m.Height, name)
		c := m.RGBAt(7, 9)
		assert.InDelta(t, 1, c.R, 1e-6, name)
		assert.InDelta(t, 0, c.G, 1e-6, name)
		assert.InDelta(t, 0.2, c.B, 1e-6, name)
	}
}

func TestTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	trans := NewTransformer(8, 8, NoTrans, 2, rng).SetNormalise([]float32{0.5, 0.5, 0.5}, []float32{0.5, 0.5, 0.5})
	assert.Equal(t, "Normalise", trans.Trans.String())
	src := solidImage(10, 12, color.RGBA{R: 255, G: 0, B: 255, A: 255})
	dst := make([]*RGBImage, 3)
	err := trans.TransformBatch(3, func(i int) (image.Image, error) { return src, nil }, dst)
	require.NoError(t, err)
	for _, m := range dst {
		for _, v := range m.Pixels(0) {
			assert.InDelta(t, 1, v, 1e-6)
		}
		for _, v := range m.Pixels(1) {
			assert.InDelta(t, -1, v, 1e-6)
		}
	}
}

func TestFlip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	trans := NewTransformer(4, 1, HorizFlip, 1, rng)
	src := image.NewRGBA(image.Rect(0, 0, 4, 1))
	for x := 0; x < 4; x++ {
		src.SetRGBA(x, 0, color.RGBA{R: uint8(x * 50), A: 255})
	}
	flipped := 0
	for i := 0; i < 20; i++ {
		m, err := trans.Transform(src, 0)
		require.NoError(t, err)
		if m.RGBAt(0, 0).R > m.RGBAt(3, 0).R {
			flipped++
		}
	}
	assert.True(t, flipped > 0 && flipped < 20, "flipped %d", flipped)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.jpg")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, solidImage(20, 24, color.RGBA{R: 128, G: 128, B: 128, A: 255}), nil))
	require.NoError(t, f.Close())
	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 24), m.Bounds())
	_, err = Load(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)
}
