package celeba

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAttrs = []string{"Arched_Eyebrows", "Bald", "Attractive", "Male"}

// write a small dataset with n images assigned to splits in rotation
func makeDataset(t *testing.T, n, size int) string {
	root := t.TempDir()
	dir := filepath.Join(root, BaseDir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ImageDir), 0755))
	var attrs, part strings.Builder
	fmt.Fprintf(&attrs, "%d\n%s\n", n, strings.Join(testAttrs, " "))
	for i := 0; i < n; i++ {
		file := fmt.Sprintf("%06d.jpg", i+1)
		vals := make([]string, len(testAttrs))
		for j := range vals {
			vals[j] = "-1"
			if (i>>uint(j))&1 == 1 {
				vals[j] = " 1"
			}
		}
		fmt.Fprintf(&attrs, "%s %s\n", file, strings.Join(vals, " "))
		fmt.Fprintf(&part, "%s %d\n", file, i%3)
		m := image.NewRGBA(image.Rect(0, 0, size, size+4))
		for y := 0; y < size+4; y++ {
			for x := 0; x < size; x++ {
				m.SetRGBA(x, y, color.RGBA{R: 255, G: 128, B: 0, A: 255})
			}
		}
		f, err := os.Create(filepath.Join(dir, ImageDir, file))
		require.NoError(t, err)
		require.NoError(t, jpeg.Encode(f, m, &jpeg.Options{Quality: 100}))
		require.NoError(t, f.Close())
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, AttrFile), []byte(attrs.String()), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, PartitionFile), []byte(part.String()), 0644))
	return root
}

func TestRemap(t *testing.T) {
	assert.Equal(t, int32(0), Remap(-1))
	assert.Equal(t, int32(1), Remap(1))
}

func TestSplit(t *testing.T) {
	for _, s := range []Split{Train, Valid, Test, All} {
		s2, err := ParseSplit(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, s2)
	}
	_, err := ParseSplit("bogus")
	assert.Error(t, err)
}

func TestLoadAll(t *testing.T) {
	root := makeDataset(t, 10, 8)
	opts := DefaultOptions()
	opts.ImageSize = 6
	data, err := LoadAllWith(root, opts)
	require.NoError(t, err)
	assert.Equal(t, 4, data["train"].Len())
	assert.Equal(t, 3, data["valid"].Len())
	assert.Equal(t, 3, data["test"].Len())

	d := data["valid"]
	assert.Equal(t, []int{6, 6, 3}, d.Shape())
	assert.Equal(t, []string{"not Attractive", "Attractive"}, d.Classes())
	target, cov := d.AttrIndex()
	assert.Equal(t, 2, target)
	assert.Equal(t, 3, cov)
	// valid split holds images 1, 4, 7
	label := make([]int32, 3)
	covariate := make([]int32, 3)
	d.Label([]int{0, 1, 2}, label)
	d.Covariate([]int{0, 1, 2}, covariate)
	assert.Equal(t, []int32{0, 1, 1}, label)
	assert.Equal(t, []int32{0, 0, 0}, covariate)

	buf := make([]float32, 2*3*6*6)
	require.NoError(t, d.Input([]int{2, 0}, buf))
	// red channel is 1 -> normalised to 1, blue channel 0 -> -1
	assert.InDelta(t, 1, buf[0], 0.05)
	assert.InDelta(t, -1, buf[2*36], 0.05)
	assert.InDelta(t, 1, buf[3*36+5], 0.05)
	assert.Error(t, d.Input([]int{0, 1, 2}, buf))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(t.TempDir(), Train)
	assert.Error(t, err)

	root := makeDataset(t, 3, 4)
	opts := DefaultOptions()
	opts.Target = "Young"
	_, err = LoadWith(root, Train, opts)
	assert.Error(t, err)

	d, err := Load(root, All)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())
	require.NoError(t, os.Remove(filepath.Join(root, BaseDir, ImageDir, d.Files[1])))
	buf := make([]float32, 3*3*224*224)
	assert.Error(t, d.Input([]int{0, 1, 2}, buf))
}

func TestReadAttrs(t *testing.T) {
	ann, err := ReadAttrs(strings.NewReader("2\nA B\n1.jpg 1 -1\n2.jpg  -1  1\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ann.Names)
	assert.Equal(t, []string{"1.jpg", "2.jpg"}, ann.Files)
	assert.Equal(t, [][]int8{{1, -1}, {-1, 1}}, ann.Attrs)

	for _, bad := range []string{
		"",
		"x\nA B\n",
		"2\nA B\n1.jpg 1 -1\n",
		"1\nA B\n1.jpg 1\n",
		"1\nA B\n1.jpg 1 0\n",
	} {
		_, err := ReadAttrs(strings.NewReader(bad))
		assert.Error(t, err, bad)
	}
}

func TestReadPartition(t *testing.T) {
	split, err := ReadPartition(strings.NewReader("1.jpg 0\n2.jpg 2\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]Split{"1.jpg": Train, "2.jpg": Test}, split)
	_, err = ReadPartition(strings.NewReader("1.jpg 3\n"))
	assert.Error(t, err)
}
