package dataset

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
)

// ImageProcessor decodes PNG or JPEG slices and turns them into CHW float32
// pixels in [0, 1] at a fixed square size.
type ImageProcessor struct {
	targetSize int
	channels   int
}

// NewImageProcessor creates a processor producing channels x size x size
// output. channels must be 1 (grayscale) or 3 (RGB).
func NewImageProcessor(targetSize, channels int) (*ImageProcessor, error) {
	if targetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", targetSize)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("channels must be 1 or 3, got %d", channels)
	}
	return &ImageProcessor{targetSize: targetSize, channels: channels}, nil
}

// Shape returns the [C, H, W] shape of processed images.
func (p *ImageProcessor) Shape() []int {
	return []int{p.channels, p.targetSize, p.targetSize}
}

// DecodeAndPreprocess decodes an image and resizes it with nearest-neighbour
// sampling.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) ([]float32, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %v", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty %s image", format)
	}

	size := p.targetSize
	plane := size * size
	data := make([]float32, p.channels*plane)
	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)

	for y := 0; y < size; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= height {
			srcY = height - 1
		}
		for x := 0; x < size; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= width {
				srcX = width - 1
			}
			px := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY)
			idx := y*size + x

			if p.channels == 1 {
				g := color.Gray16Model.Convert(px).(color.Gray16)
				data[idx] = normalize(uint32(g.Y))
				continue
			}
			r, g, b, _ := px.RGBA()
			data[idx] = normalize(r)
			data[plane+idx] = normalize(g)
			data[2*plane+idx] = normalize(b)
		}
	}
	return data, nil
}

func normalize(v uint32) float32 {
	f := float32(v) / 65535.0
	if f != f || f < 0 || f > 1 {
		return 0
	}
	return f
}
