package preprocessing

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"math/rand"
	"os"

	"github.com/nfnt/resize"
	"golang.org/x/sync/errgroup"
)

// Channel statistics of the ImageNet training set, used by the pretrained
// backbones the checkpoints were exported from.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Augmentation describes the random train-time transform.
type Augmentation struct {
	// MaxRotation is the rotation range in degrees, sampled from [-v, v].
	MaxRotation float64
	// HorizontalFlip mirrors the image with probability 0.5.
	HorizontalFlip bool
	// MaxTranslate is the shift range as a fraction of the image size.
	MaxTranslate float64
	// Brightness scales pixel values by a factor in [1-v, 1+v].
	Brightness float64
}

// DefaultAugmentation returns the transform used for training runs.
func DefaultAugmentation() Augmentation {
	return Augmentation{
		MaxRotation:    20,
		HorizontalFlip: true,
		MaxTranslate:   0.2,
		Brightness:     0.2,
	}
}

// ImageProcessor resizes images to a square target and converts them to
// normalized CHW float data.
type ImageProcessor struct {
	targetSize int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the output edge length.
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage represents a preprocessed image ready for model input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Decode reads a JPEG or PNG image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// LoadImage opens and decodes the image at path.
func LoadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Decode(file)
}

// Preprocess applies the evaluation transform: resize, then normalize.
func (p *ImageProcessor) Preprocess(img image.Image) *ProcessedImage {
	rgba := p.resizeRGBA(img)
	data := make([]float32, 3*p.targetSize*p.targetSize)
	plane := p.targetSize * p.targetSize

	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			off := rgba.PixOffset(x, y)
			idx := y*p.targetSize + x
			for c := 0; c < 3; c++ {
				v := float32(rgba.Pix[off+c]) / 255.0
				data[c*plane+idx] = (v - ImageNetMean[c]) / ImageNetStd[c]
			}
		}
	}

	return p.wrap(data)
}

// PreprocessAugmented applies the train transform. The random draws come
// from rng so a seeded loader reproduces the same augmented batches.
func (p *ImageProcessor) PreprocessAugmented(img image.Image, aug Augmentation, rng *rand.Rand) *ProcessedImage {
	rgba := p.resizeRGBA(img)
	size := p.targetSize
	plane := size * size

	angle := (rng.Float64()*2 - 1) * aug.MaxRotation * math.Pi / 180
	flip := aug.HorizontalFlip && rng.Float64() < 0.5
	tx := (rng.Float64()*2 - 1) * aug.MaxTranslate * float64(size)
	ty := (rng.Float64()*2 - 1) * aug.MaxTranslate * float64(size)
	brightness := float32(1 + (rng.Float64()*2-1)*aug.Brightness)

	cos, sin := math.Cos(angle), math.Sin(angle)
	center := float64(size-1) / 2
	data := make([]float32, 3*plane)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			// Map the output pixel back through flip, shift and rotation.
			u := float64(x)
			if flip {
				u = float64(size-1) - u
			}
			u -= tx
			v := float64(y) - ty

			dx, dy := u-center, v-center
			sx := int(math.Round(cos*dx + sin*dy + center))
			sy := int(math.Round(-sin*dx + cos*dy + center))

			idx := y*size + x
			inside := sx >= 0 && sx < size && sy >= 0 && sy < size
			var off int
			if inside {
				off = rgba.PixOffset(sx, sy)
			}
			for c := 0; c < 3; c++ {
				var val float32
				if inside {
					val = float32(rgba.Pix[off+c]) / 255.0 * brightness
					if val > 1 {
						val = 1
					}
				}
				data[c*plane+idx] = (val - ImageNetMean[c]) / ImageNetStd[c]
			}
		}
	}

	return p.wrap(data)
}

// DecodeAndPreprocess decodes an image and applies the evaluation transform.
// Returns data in CHW format (channels, height, width).
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, err := Decode(reader)
	if err != nil {
		return nil, err
	}
	return p.Preprocess(img), nil
}

// LoadAndPreprocess reads an image file and applies the evaluation transform.
func (p *ImageProcessor) LoadAndPreprocess(path string) (*ProcessedImage, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	return p.Preprocess(img), nil
}

func (p *ImageProcessor) resizeRGBA(img image.Image) *image.RGBA {
	size := uint(p.targetSize)
	resized := resize.Resize(size, size, img, resize.Bilinear)
	if rgba, ok := resized.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	rgba := image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	draw.Draw(rgba, rgba.Bounds(), resized, resized.Bounds().Min, draw.Src)
	return rgba
}

func (p *ImageProcessor) wrap(data []float32) *ProcessedImage {
	return &ProcessedImage{
		Data:     data,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: 3,
	}
}

// PreprocessBatch loads and preprocesses multiple images concurrently with
// the evaluation transform.
func PreprocessBatch(ctx context.Context, imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	processor := NewImageProcessor(targetSize)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	for i, path := range imagePaths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := processor.LoadAndPreprocess(path)
			if err != nil {
				return fmt.Errorf("failed to process image %d (%s): %w", i, path, err)
			}
			results[i] = img
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}
