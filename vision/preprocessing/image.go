package preprocessing

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"io"
	"os"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

// ImageNet channel statistics applied by default
var (
	DefaultMean = [3]float32{0.485, 0.456, 0.406}
	DefaultStd  = [3]float32{0.229, 0.224, 0.225}
)

// ImageProcessor resizes decoded images to a square and converts them to
// normalized CHW float32 data. It is safe for concurrent use.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	targetSize      int
	mean            [3]float32
	std             [3]float32
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
		mean:       DefaultMean,
		std:        DefaultStd,
	}
}

// SetNormalization replaces the per-channel mean and standard deviation.
func (p *ImageProcessor) SetNormalization(mean, std [3]float32) error {
	for c, s := range std {
		if !(s > 0) {
			return fmt.Errorf("channel %d: standard deviation must be positive, got %g", c, s)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mean, p.std = mean, std
	return nil
}

// Shape is the [channels, height, width] shape of every processed image.
func (p *ImageProcessor) Shape() []int {
	return []int{3, p.targetSize, p.targetSize}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a JPEG or PNG image, scales it bilinearly to
// the target size and returns (x - mean) / std per channel in CHW order.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	if p.targetSize <= 0 {
		return nil, fmt.Errorf("invalid target size %d", p.targetSize)
	}
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse image buffer
	if p.tempImageBuffer == nil {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	dst := p.tempImageBuffer
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := p.targetSize * p.targetSize
	data := make([]float32, 3*plane)
	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			off := dst.PixOffset(x, y)
			idx := y*p.targetSize + x
			for c := 0; c < 3; c++ {
				v := float32(dst.Pix[off+c]) / 255
				data[c*plane+idx] = (v - p.mean[c]) / p.std[c]
			}
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: 3,
	}, nil
}

// DecodeFile opens and preprocesses one image file.
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := p.DecodeAndPreprocess(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// PreprocessBatch preprocesses multiple images concurrently. Results keep
// the order of imagePaths; the first failure cancels the remaining work.
func PreprocessBatch(ctx context.Context, imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	// one processor per worker slot keeps the scaling buffers uncontended
	processors := make(chan *ImageProcessor, maxWorkers)
	for w := 0; w < maxWorkers; w++ {
		processors <- NewImageProcessor(targetSize)
	}

	for i, path := range imagePaths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := <-processors
			defer func() { processors <- p }()

			img, err := p.DecodeFile(path)
			if err != nil {
				return fmt.Errorf("failed to process image %d: %w", i, err)
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
