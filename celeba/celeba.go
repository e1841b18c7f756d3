// Package celeba reads the CelebA face attributes dataset in the directory layout used by torchvision.
package celeba

import (
	"bufio"
	"image"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jnb666/celebattr/img"
	"github.com/jnb666/celebattr/logger"
	"github.com/pkg/errors"
)

// Files under the dataset root
const (
	BaseDir       = "celeba"
	AttrFile      = "list_attr_celeba.txt"
	PartitionFile = "list_eval_partition.txt"
	ImageDir      = "img_align_celeba"
)

// Split selects a partition of the dataset
type Split int

const (
	Train Split = iota
	Valid
	Test
	All
)

var splitNames = []string{"train", "valid", "test", "all"}

func (s Split) String() string {
	if s < 0 || int(s) >= len(splitNames) {
		return "Split(" + strconv.Itoa(int(s)) + ")"
	}
	return splitNames[s]
}

// ParseSplit converts a split name to a Split value
func ParseSplit(name string) (Split, error) {
	for i, s := range splitNames {
		if s == name {
			return Split(i), nil
		}
	}
	return 0, errors.Errorf("invalid split %q", name)
}

// Remap converts an attribute from {-1, 1} to a class index in {0, 1}
func Remap(v int8) int32 {
	return int32((v + 1) / 2)
}

// Options for loading and preprocessing the images
type Options struct {
	ImageSize int
	Target    string
	Covariate string
	Mean      float32
	StdDev    float32
	Interp    string
	Distort   bool
	Threads   int
	Seed      int64
}

// DefaultOptions resize to 224x224 and scale each channel to the range -1 to 1
func DefaultOptions() Options {
	return Options{
		ImageSize: 224,
		Target:    "Attractive",
		Covariate: "Male",
		Mean:      0.5,
		StdDev:    0.5,
		Interp:    "biLinear",
		Threads:   4,
		Seed:      1,
	}
}

// Annotations holds the parsed attribute and partition files
type Annotations struct {
	Names []string
	Files []string
	Attrs [][]int8
	Split []Split
}

// Data is one split of the dataset, it implements the nnet.Data interface.
type Data struct {
	Split     Split
	Dir       string
	Names     []string
	Files     []string
	Attrs     [][]int8
	target    int
	covariate int
	trans     *img.Transformer
	size      int
}

// Load annotations for one split using the default options
func Load(root string, split Split) (*Data, error) {
	return LoadWith(root, split, DefaultOptions())
}

// LoadAll returns the train, valid and test splits using the default options
func LoadAll(root string) (map[string]*Data, error) {
	return LoadAllWith(root, DefaultOptions())
}

// LoadWith loads one split with the given options
func LoadWith(root string, split Split, opts Options) (*Data, error) {
	ann, err := ReadAnnotations(root)
	if err != nil {
		return nil, err
	}
	return newData(root, ann, split, opts)
}

// LoadAllWith returns the train, valid and test splits keyed by name
func LoadAllWith(root string, opts Options) (map[string]*Data, error) {
	ann, err := ReadAnnotations(root)
	if err != nil {
		return nil, err
	}
	res := make(map[string]*Data)
	for _, split := range []Split{Train, Valid, Test} {
		if res[split.String()], err = newData(root, ann, split, opts); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func newData(root string, ann *Annotations, split Split, opts Options) (*Data, error) {
	d := &Data{
		Split: split,
		Dir:   filepath.Join(root, BaseDir, ImageDir),
		Names: ann.Names,
		size:  opts.ImageSize,
	}
	if d.target = indexOf(ann.Names, opts.Target); d.target < 0 {
		return nil, errors.Errorf("target attribute %q not found", opts.Target)
	}
	if d.covariate = indexOf(ann.Names, opts.Covariate); d.covariate < 0 {
		return nil, errors.Errorf("covariate attribute %q not found", opts.Covariate)
	}
	for i, s := range ann.Split {
		if split == All || s == split {
			d.Files = append(d.Files, ann.Files[i])
			d.Attrs = append(d.Attrs, ann.Attrs[i])
		}
	}
	interp, ok := img.Interpolators[opts.Interp]
	if !ok {
		return nil, errors.Errorf("invalid interpolation type %q", opts.Interp)
	}
	trans := img.NoTrans
	if opts.Distort {
		trans = img.RGBTrans
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	d.trans = img.NewTransformer(opts.ImageSize, opts.ImageSize, trans, opts.Threads, rng)
	d.trans.Interp = interp
	d.trans.SetNormalise([]float32{opts.Mean, opts.Mean, opts.Mean}, []float32{opts.StdDev, opts.StdDev, opts.StdDev})
	logger.Debugf("celeba %s split: %d images, target=%s[%d] covariate=%s[%d]", split, len(d.Files),
		opts.Target, d.target, opts.Covariate, d.covariate)
	return d, nil
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Files) }

// Classes for the binary target attribute
func (d *Data) Classes() []string { return []string{"not " + d.Names[d.target], d.Names[d.target]} }

// Shape returns width, height, channels
func (d *Data) Shape() []int { return []int{d.size, d.size, 3} }

// AttrIndex returns the column of the target and covariate attributes
func (d *Data) AttrIndex() (target, covariate int) { return d.target, d.covariate }

// Attr returns the raw {-1, 1} attribute vector for one image
func (d *Data) Attr(index int) []int8 { return d.Attrs[index] }

// Label returns the target class for the given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = Remap(d.Attrs[ix][d.target])
	}
}

// Covariate returns the remapped covariate attribute for the given images
func (d *Data) Covariate(index []int, cov []int32) {
	for i, ix := range index {
		cov[i] = Remap(d.Attrs[ix][d.covariate])
	}
}

// Input loads, resizes and normalises the given images writing them to buf in [width, height, channels, batch] order.
func (d *Data) Input(index []int, buf []float32) error {
	images := make([]*img.RGBImage, len(index))
	err := d.trans.TransformBatch(len(index), func(i int) (image.Image, error) {
		return img.Load(filepath.Join(d.Dir, d.Files[index[i]]))
	}, images)
	if err != nil {
		return err
	}
	size := 3 * d.size * d.size
	if len(buf) < len(index)*size {
		return errors.Errorf("input buffer too small: %d < %d", len(buf), len(index)*size)
	}
	for i, m := range images {
		copy(buf[i*size:(i+1)*size], m.Pix)
	}
	return nil
}

// ReadAnnotations parses the attribute and partition files under root
func ReadAnnotations(root string) (*Annotations, error) {
	dir := filepath.Join(root, BaseDir)
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrap(err, "dataset not found")
	}
	f, err := os.Open(filepath.Join(dir, AttrFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ann, err := ReadAttrs(f)
	if err != nil {
		return nil, errors.Wrap(err, AttrFile)
	}
	f2, err := os.Open(filepath.Join(dir, PartitionFile))
	if err != nil {
		return nil, err
	}
	defer f2.Close()
	split, err := ReadPartition(f2)
	if err != nil {
		return nil, errors.Wrap(err, PartitionFile)
	}
	ann.Split = make([]Split, len(ann.Files))
	for i, file := range ann.Files {
		s, ok := split[file]
		if !ok {
			return nil, errors.Errorf("%s: no entry for %s", PartitionFile, file)
		}
		ann.Split[i] = s
	}
	return ann, nil
}

// ReadAttrs parses the attribute file: a count line, a line of attribute names, then one line per image
func ReadAttrs(r io.Reader) (*Annotations, error) {
	s := bufio.NewScanner(r)
	if !s.Scan() {
		return nil, errors.New("missing image count")
	}
	count, err := strconv.Atoi(strings.TrimSpace(s.Text()))
	if err != nil {
		return nil, errors.Wrap(err, "invalid image count")
	}
	if !s.Scan() {
		return nil, errors.New("missing attribute names")
	}
	ann := &Annotations{Names: strings.Fields(s.Text())}
	line := 2
	for s.Scan() {
		line++
		fields := strings.Fields(s.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != len(ann.Names)+1 {
			return nil, errors.Errorf("line %d: expecting %d values, got %d", line, len(ann.Names), len(fields)-1)
		}
		attrs := make([]int8, len(ann.Names))
		for i, val := range fields[1:] {
			switch val {
			case "1":
				attrs[i] = 1
			case "-1":
				attrs[i] = -1
			default:
				return nil, errors.Errorf("line %d: invalid attribute value %q", line, val)
			}
		}
		ann.Files = append(ann.Files, fields[0])
		ann.Attrs = append(ann.Attrs, attrs)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(ann.Files) != count {
		return nil, errors.Errorf("expecting %d images, got %d", count, len(ann.Files))
	}
	return ann, nil
}

// ReadPartition parses the partition file mapping each image to the train, valid or test split
func ReadPartition(r io.Reader) (map[string]Split, error) {
	res := make(map[string]Split)
	s := bufio.NewScanner(r)
	line := 0
	for s.Scan() {
		line++
		fields := strings.Fields(s.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, errors.Errorf("line %d: expecting file and split", line)
		}
		split, err := strconv.Atoi(fields[1])
		if err != nil || split < 0 || split > 2 {
			return nil, errors.Errorf("line %d: invalid split %q", line, fields[1])
		}
		res[fields[0]] = Split(split)
	}
	return res, s.Err()
}

func indexOf(list []string, name string) int {
	for i, s := range list {
		if s == name {
			return i
		}
	}
	return -1
}
