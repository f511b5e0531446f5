package engine

import (
	"fmt"
	"math"
)

// ResizeBilinear is a two-input, one-output graph: input 0 holds source
// pixels as float32 [1, height, width, channels], input 1 holds the target
// size as int32 [height, width]. Output 0 is float32
// [1, newHeight, newWidth, channels]. Sampling follows the RESIZE_BILINEAR
// builtin with half_pixel_centers disabled, so preprocessing matches models
// exported with that op.
type ResizeBilinear struct {
	AlignCorners bool

	srcH, srcW, channels int

	pixels *Buffer
	size   *Buffer
	output *Buffer
}

var _ Interpreter = (*ResizeBilinear)(nil)

// NewResizeBilinear returns an unallocated resize graph for images of the
// given source dimensions.
func NewResizeBilinear(srcH, srcW, channels int) *ResizeBilinear {
	return &ResizeBilinear{srcH: srcH, srcW: srcW, channels: channels}
}

func (r *ResizeBilinear) AllocateTensors() error {
	pixels, err := NewBuffer("input", Float32, 1, r.srcH, r.srcW, r.channels)
	if err != nil {
		return err
	}
	size, err := NewBuffer("new_size", Int32, 2)
	if err != nil {
		return err
	}
	r.pixels, r.size, r.output = pixels, size, nil
	return nil
}

func (r *ResizeBilinear) Invoke() error {
	if r.pixels == nil {
		return ErrNotAllocated
	}
	dstH, dstW := int(r.size.i32[0]), int(r.size.i32[1])
	if dstH <= 0 || dstW <= 0 {
		return fmt.Errorf("%w: new_size %dx%d", ErrShape, dstH, dstW)
	}
	if r.output == nil || r.output.shape[1] != dstH || r.output.shape[2] != dstW {
		out, err := NewBuffer("output", Float32, 1, dstH, dstW, r.channels)
		if err != nil {
			return err
		}
		r.output = out
	}

	scaleY := r.scale(r.srcH, dstH)
	scaleX := r.scale(r.srcW, dstW)
	in, out, c := r.pixels.f32, r.output.f32, r.channels
	rowStride := r.srcW * c

	for y := 0; y < dstH; y++ {
		inY := float64(y) * scaleY
		y0 := int(math.Floor(inY))
		y1 := min(y0+1, r.srcH-1)
		dy := float32(inY - float64(y0))
		for x := 0; x < dstW; x++ {
			inX := float64(x) * scaleX
			x0 := int(math.Floor(inX))
			x1 := min(x0+1, r.srcW-1)
			dx := float32(inX - float64(x0))

			o := (y*dstW + x) * c
			p00 := y0*rowStride + x0*c
			p01 := y0*rowStride + x1*c
			p10 := y1*rowStride + x0*c
			p11 := y1*rowStride + x1*c
			for ch := 0; ch < c; ch++ {
				out[o+ch] = in[p00+ch]*(1-dy)*(1-dx) +
					in[p10+ch]*dy*(1-dx) +
					in[p01+ch]*(1-dy)*dx +
					in[p11+ch]*dy*dx
			}
		}
	}
	return nil
}

func (r *ResizeBilinear) scale(in, out int) float64 {
	if r.AlignCorners && out > 1 {
		return float64(in-1) / float64(out-1)
	}
	return float64(in) / float64(out)
}

func (r *ResizeBilinear) InputCount() int  { return 2 }
func (r *ResizeBilinear) OutputCount() int { return 1 }

func (r *ResizeBilinear) Input(i int) Tensor {
	switch {
	case i == 0 && r.pixels != nil:
		return r.pixels
	case i == 1 && r.size != nil:
		return r.size
	}
	return nil
}

func (r *ResizeBilinear) Output(i int) Tensor {
	if i != 0 || r.output == nil {
		return nil
	}
	return r.output
}

// Resize is a convenience wrapper: it fills both inputs and invokes the graph.
func (r *ResizeBilinear) Resize(pixels []uint8, dstH, dstW int) ([]float32, error) {
	if r.pixels == nil {
		if err := r.AllocateTensors(); err != nil {
			return nil, err
		}
	}
	if len(pixels) != len(r.pixels.f32) {
		return nil, fmt.Errorf("%w: got %d pixels values, want %d", ErrShape, len(pixels), len(r.pixels.f32))
	}
	for i, v := range pixels {
		r.pixels.f32[i] = float32(v)
	}
	r.size.i32[0] = int32(dstH)
	r.size.i32[1] = int32(dstW)
	if err := r.Invoke(); err != nil {
		return nil, err
	}
	return r.output.f32, nil
}

// Matches reports whether the graph was built for the given source dimensions.
func (r *ResizeBilinear) Matches(srcH, srcW, channels int) bool {
	return r.srcH == srcH && r.srcW == srcW && r.channels == channels
}

func (r *ResizeBilinear) Close() error {
	r.pixels, r.size, r.output = nil, nil, nil
	return nil
}
