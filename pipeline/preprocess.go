package pipeline

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/mpromonet/tflite-pipeline/engine"
)

// numChannels is the packed pixel layout every image is converted to: RGB, one byte per channel.
const numChannels = 3

// Preprocessor resizes images to the model input size and writes them into
// the input tensor. The resize graph is kept between frames and rebuilt only
// when the source dimensions change.
type Preprocessor struct {
	Height   int
	Width    int
	Channels int

	resize *engine.ResizeBilinear
}

// Prepare converts img, resizes it and fills input. It returns the original
// image dimensions, which detection boxes are scaled to. Nothing is written
// to input when the tensor type is not supported.
func (p *Preprocessor) Prepare(img image.Image, input engine.Tensor) (width, height int, err error) {
	dst, err := typed(input, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("cannot handle input type: %w", err)
	}

	pixels, width, height := toRGB(img)
	if width == 0 || height == 0 {
		return 0, 0, ErrEmptyImage
	}

	if p.resize == nil || !p.resize.Matches(height, width, numChannels) {
		if p.resize != nil {
			p.resize.Close()
		}
		p.resize = engine.NewResizeBilinear(height, width, numChannels)
	}
	resized, err := p.resize.Resize(pixels, p.Height, p.Width)
	if err != nil {
		return 0, 0, fmt.Errorf("resize: %w", err)
	}

	dst.Fill(resized)
	return width, height, nil
}

// toRGB packs img as RGB888, dropping alpha.
func toRGB(img image.Image) ([]uint8, int, int) {
	b := img.Bounds()
	if b.Empty() {
		return nil, 0, 0
	}
	nrgba := imaging.Clone(img)
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	out := make([]uint8, 0, w*h*numChannels)
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		for x := 0; x < len(row); x += 4 {
			out = append(out, row[x], row[x+1], row[x+2])
		}
	}
	return out, w, h
}
