package img

import (
	"fmt"
	"image"
	"math/rand"
	"sort"
	"strings"
	"sync"

	xdraw "golang.org/x/image/draw"
)

// Types of image transformations
type TransType int

const NoTrans TransType = 0

const (
	HorizFlip TransType = 1 << iota
	Pan
	Normalise
)

// Random distortions used for data augmentation
var RGBTrans = HorizFlip | Pan

var transTypeNames = map[TransType]string{
	HorizFlip: "HorizFlip",
	Pan:       "Pan",
	Normalise: "Normalise",
}

func (t TransType) String() string {
	if t == NoTrans {
		return "None"
	}
	s := []string{}
	for key, name := range transTypeNames {
		if t&key != 0 {
			s = append(s, name)
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

var PanPixels = 4

// Transformer resizes source images to a fixed size and applies a sequence of image transformations.
type Transformer struct {
	Width  int
	Height int
	Trans  TransType
	Mean   []float32
	StdDev []float32
	Interp xdraw.Interpolator
	rng    []*rand.Rand
}

// Create a new transformer with one random source per thread
func NewTransformer(width, height int, trans TransType, threads int, rng *rand.Rand) *Transformer {
	if threads < 1 {
		threads = 1
	}
	t := &Transformer{Width: width, Height: height, Trans: trans, Interp: xdraw.BiLinear}
	for i := 0; i < threads; i++ {
		t.rng = append(t.rng, rand.New(rand.NewSource(rng.Int63())))
	}
	return t
}

// Normalisation parameters for each channel: out = (in - mean) / stddev
func (t *Transformer) SetNormalise(mean, stddev []float32) *Transformer {
	t.Mean, t.StdDev = mean, stddev
	t.Trans |= Normalise
	return t
}

// Threads returns the number of images which may be transformed in parallel
func (t *Transformer) Threads() int { return len(t.rng) }

// TransformBatch loads and transforms n images in parallel writing the results to dst.
// If load returns an error then the first error is returned after all workers have exited.
func (t *Transformer) TransformBatch(n int, load func(i int) (image.Image, error), dst []*RGBImage) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	queue := make(chan int, len(t.rng))
	for thread := range t.rng {
		wg.Add(1)
		go func(thread int) {
			defer wg.Done()
			for i := range queue {
				src, err := load(i)
				if err == nil {
					dst[i], err = t.Transform(src, thread)
				}
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}(thread)
	}
	for i := 0; i < n; i++ {
		queue <- i
	}
	close(queue)
	wg.Wait()
	return firstErr
}

// Perform one or more image transforms
func (t *Transformer) Transform(src image.Image, thread int) (*RGBImage, error) {
	rng := t.rng[thread]
	img := Resize(src, t.Width, t.Height, t.Interp)
	if t.Trans&HorizFlip != 0 && rng.Float64() > 0.5 {
		img = transform(img, func(x, y int) (int, int) { return t.Width - x - 1, y })
	}
	if t.Trans&Pan != 0 {
		ox := rng.Intn(2*PanPixels+1) - PanPixels
		oy := rng.Intn(2*PanPixels+1) - PanPixels
		if ox != 0 || oy != 0 {
			img = transform(img, func(x, y int) (int, int) { return wrap(x-ox, t.Width), wrap(y-oy, t.Height) })
		}
	}
	if t.Trans&Normalise != 0 {
		return t.normalise(img)
	}
	return img, nil
}

func (t *Transformer) normalise(img *RGBImage) (*RGBImage, error) {
	channels := img.Channels()
	if len(t.Mean) != channels || len(t.StdDev) != channels {
		return img, fmt.Errorf("error applying normalisation - missing mean and stddev")
	}
	for ch := 0; ch < channels; ch++ {
		pix := img.Pixels(ch)
		for i, val := range pix {
			pix[i] = (val - t.Mean[ch]) / t.StdDev[ch]
		}
	}
	return img, nil
}

func transform(src *RGBImage, fn func(x, y int) (int, int)) *RGBImage {
	dst := NewRGB(src.Width, src.Height)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			sx, sy := fn(x, y)
			dst.Set(x, y, src.RGBAt(sx, sy))
		}
	}
	return dst
}

func wrap(x, dx int) int {
	if x < 0 {
		return -x - 1
	}
	if x >= dx {
		return 2*dx - x - 1
	}
	return x
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}
