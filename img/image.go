// Package img contains routines for loading and preprocessing sets of images.
package img

import (
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
)

var RGBModel = color.ModelFunc(rgbModel)

// RGB color is stored as a float for each channel with values in range 0-1
type RGB struct {
	R, G, B float32
}

func (c RGB) RGBA() (r, g, b, a uint32) {
	return clampu(c.R, 0, 1), clampu(c.G, 0, 1), clampu(c.B, 0, 1), 0xffff
}

func rgbModel(c color.Color) color.Color {
	if _, ok := c.(RGB); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return RGB{R: float32(r) / 0xffff, G: float32(g) / 0xffff, B: float32(b) / 0xffff}
}

// Image interface type with additional method to get the pixel data
type Image interface {
	draw.Image
	Pixels(ch int) []float32
	Channels() int
}

// RGBImage type stores the image data as float32 values with r, g and b color planes stored separately.
// Within each plane pixels are in row order, so a batch of images has the same layout as an NCHW tensor.
type RGBImage struct {
	Pix    []float32
	Height int
	Width  int
}

func NewRGB(width, height int) *RGBImage {
	return &RGBImage{Pix: make([]float32, height*width*3), Height: height, Width: width}
}

func (m *RGBImage) Channels() int {
	return 3
}

func (m *RGBImage) ColorModel() color.Model {
	return RGBModel
}

func (m *RGBImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *RGBImage) RGBAt(x, y int) RGB {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return RGB{}
	}
	plane := m.Width * m.Height
	i := x + y*m.Width
	return RGB{R: m.Pix[i], G: m.Pix[i+plane], B: m.Pix[i+2*plane]}
}

func (m *RGBImage) At(x, y int) color.Color {
	return m.RGBAt(x, y)
}

func (m *RGBImage) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	rgb := rgbModel(c).(RGB)
	plane := m.Width * m.Height
	i := x + y*m.Width
	m.Pix[i] = rgb.R
	m.Pix[i+plane] = rgb.G
	m.Pix[i+2*plane] = rgb.B
}

func (m *RGBImage) Pixels(ch int) []float32 {
	if ch >= 0 && ch <= 2 {
		return m.Pix[ch*m.Width*m.Height : (ch+1)*m.Width*m.Height]
	}
	return m.Pix
}

// Load reads and decodes a JPEG or PNG image file.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return m, nil
}

// Interpolation methods which can be used to resize images
var Interpolators = map[string]xdraw.Interpolator{
	"nearest":        xdraw.NearestNeighbor,
	"approxBiLinear": xdraw.ApproxBiLinear,
	"biLinear":       xdraw.BiLinear,
	"catmullRom":     xdraw.CatmullRom,
}

// Resize scales the source image to width x height and converts to float RGB in range 0-1.
func Resize(src image.Image, width, height int, interp xdraw.Interpolator) *RGBImage {
	if interp == nil {
		interp = xdraw.BiLinear
	}
	tmp := image.NewRGBA(image.Rect(0, 0, width, height))
	interp.Scale(tmp, tmp.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return FromRGBA(tmp)
}

// FromRGBA converts 8 bit image data to float values.
func FromRGBA(src *image.RGBA) *RGBImage {
	b := src.Bounds()
	dst := NewRGB(b.Dx(), b.Dy())
	plane := dst.Width * dst.Height
	for y := 0; y < dst.Height; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < dst.Width; x++ {
			i := x + y*dst.Width
			dst.Pix[i] = float32(row[4*x]) / 255
			dst.Pix[i+plane] = float32(row[4*x+1]) / 255
			dst.Pix[i+2*plane] = float32(row[4*x+2]) / 255
		}
	}
	return dst
}

func clampu(x, x0, x1 float32) uint32 {
	return uint32(clamp(x, x0, x1) * 0xffff)
}
