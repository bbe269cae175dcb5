package preprocessing

import (
	"bytes"
	"image/jpeg"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ImageNet channel statistics expected by the pretrained backbone.
var (
	DefaultMean = [3]float32{0.485, 0.456, 0.406}
	DefaultStd  = [3]float32{0.229, 0.224, 0.225}
)

// DefaultImageSize is the square edge every image is resized to
const DefaultImageSize = 224

// ProcessedImage represents a preprocessed image ready for neural network input.
// Data is laid out in CHW order.
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Shape returns the tensor shape [channels, height, width]
func (p *ProcessedImage) Shape() []int {
	return []int{p.Channels, p.Height, p.Width}
}

// Mode selects between the augmenting training transform and the deterministic one
type Mode int

const (
	Train Mode = iota
	Eval
)

func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Eval:
		return "eval"
	default:
		return "unknown"
	}
}

// Options configures an ImagePipeline
type Options struct {
	Size      int        // Target edge length in pixels
	Mean      [3]float32 // Per-channel normalization mean
	Std       [3]float32 // Per-channel normalization std
	CacheSize int        // Decoded images kept in memory (0 disables the cache)
	Seed      int64      // Seed for augmentation draws (0 = time based)
}

// DefaultOptions returns the options used by the pretrained backbone
func DefaultOptions() Options {
	return Options{
		Size:      DefaultImageSize,
		Mean:      DefaultMean,
		Std:       DefaultStd,
		CacheSize: 1000,
	}
}

// ImagePipeline loads JPEG images and turns them into fixed-shape tensors.
// The decoded, resized base image is cached; augmentation and normalization are applied
// on every call so cached entries are never mutated.
type ImagePipeline struct {
	fs   afero.Fs
	size int
	mean [3]float32
	std  [3]float32

	cache *lru.Cache

	mu  sync.Mutex
	rng *rand.Rand
}

// NewImagePipeline creates a pipeline reading images from fs
func NewImagePipeline(fs afero.Fs, opts Options) (*ImagePipeline, error) {
	if opts.Size <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", opts.Size)
	}
	for c := 0; c < 3; c++ {
		if opts.Std[c] <= 0 {
			return nil, errors.Errorf("std for channel %d must be positive, got %f", c, opts.Std[c])
		}
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	p := &ImagePipeline{
		fs:   fs,
		size: opts.Size,
		mean: opts.Mean,
		std:  opts.Std,
		rng:  rand.New(rand.NewSource(seed)),
	}

	if opts.CacheSize > 0 {
		cache, err := lru.New(opts.CacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create image cache")
		}
		p.cache = cache
	}

	return p, nil
}

// Size returns the edge length of produced images
func (p *ImagePipeline) Size() int {
	return p.size
}

// Load returns the decoded and resized image at path with values in [0, 1].
// The returned image may be shared with the cache and must not be modified.
func (p *ImagePipeline) Load(path string) (*ProcessedImage, error) {
	if p.cache != nil {
		if cached, ok := p.cache.Get(path); ok {
			return cached.(*ProcessedImage), nil
		}
	}

	raw, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %s", path)
	}

	img, err := p.DecodeAndResize(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to preprocess image %s", path)
	}

	if p.cache != nil {
		p.cache.Add(path, img)
	}
	return img, nil
}

// DecodeAndResize decodes a JPEG image and resizes it to the target size.
// Returns data in CHW format (channels, height, width) normalized to [0, 1]
func (p *ImagePipeline) DecodeAndResize(raw []byte) (*ProcessedImage, error) {
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode JPEG")
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("image has no pixels")
	}

	scaleX := float64(width) / float64(p.size)
	scaleY := float64(height) / float64(p.size)
	plane := p.size * p.size
	data := make([]float32, 3*plane)

	for y := 0; y < p.size; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= height {
			srcY = height - 1
		}
		for x := 0; x < p.size; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= width {
				srcX = width - 1
			}

			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			idx := y*p.size + x
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.size,
		Height:   p.size,
		Channels: 3,
	}, nil
}

// Variant returns the transform for the given mode
func (p *ImagePipeline) Variant(mode Mode) *Variant {
	return &Variant{pipeline: p, mode: mode}
}

// flips draws the two reflection decisions for one training sample
func (p *ImagePipeline) flips() (horizontal, vertical bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Intn(2) == 1, p.rng.Intn(2) == 1
}

// Variant is a pipeline bound to a mode. It is safe for concurrent use.
type Variant struct {
	pipeline *ImagePipeline
	mode     Mode
}

// Mode returns the variant's mode
func (v *Variant) Mode() Mode {
	return v.mode
}

// Transform loads the image at path and produces a normalized [3, size, size] tensor.
// Training variants apply random horizontal and vertical reflections first.
func (v *Variant) Transform(path string) (*ProcessedImage, error) {
	base, err := v.pipeline.Load(path)
	if err != nil {
		return nil, err
	}

	var flipH, flipV bool
	if v.mode == Train {
		flipH, flipV = v.pipeline.flips()
	}

	return v.pipeline.normalize(base, flipH, flipV), nil
}

func (p *ImagePipeline) normalize(base *ProcessedImage, flipH, flipV bool) *ProcessedImage {
	size := base.Width
	plane := size * size
	out := make([]float32, len(base.Data))

	for c := 0; c < base.Channels; c++ {
		mean, std := p.mean[c], p.std[c]
		for y := 0; y < size; y++ {
			srcY := y
			if flipV {
				srcY = size - 1 - y
			}
			for x := 0; x < size; x++ {
				srcX := x
				if flipH {
					srcX = size - 1 - x
				}
				out[c*plane+y*size+x] = (base.Data[c*plane+srcY*size+srcX] - mean) / std
			}
		}
	}

	return &ProcessedImage{
		Data:     out,
		Width:    base.Width,
		Height:   base.Height,
		Channels: base.Channels,
	}
}
