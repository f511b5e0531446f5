package engine

import "fmt"

// Buffer is a Tensor backed by Go memory. It is used by the resize graph and
// by Mock, and by backends that allocate tensors on the Go heap.
type Buffer struct {
	name  string
	dtype TensorType
	shape []int

	f32 []float32
	u8  []uint8
	i32 []int32
}

// NewBuffer allocates a zeroed tensor of the given type and shape.
func NewBuffer(name string, dtype TensorType, shape ...int) (*Buffer, error) {
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("%w: %s %v", ErrShape, name, shape)
		}
	}
	b := &Buffer{name: name, dtype: dtype, shape: append([]int(nil), shape...)}
	n := NumElements(shape)
	switch dtype {
	case Float32:
		b.f32 = make([]float32, n)
	case UInt8:
		b.u8 = make([]uint8, n)
	case Int32:
		b.i32 = make([]int32, n)
	}
	return b, nil
}

// MustBuffer is like NewBuffer but panics on an invalid shape.
func MustBuffer(name string, dtype TensorType, shape ...int) *Buffer {
	b, err := NewBuffer(name, dtype, shape...)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Buffer) Name() string        { return b.name }
func (b *Buffer) Type() TensorType    { return b.dtype }
func (b *Buffer) Shape() []int        { return append([]int(nil), b.shape...) }
func (b *Buffer) Float32s() []float32 { return b.f32 }
func (b *Buffer) UInt8s() []uint8     { return b.u8 }
func (b *Buffer) Int32s() []int32     { return b.i32 }

// SetFloat32s copies v into the buffer.
func (b *Buffer) SetFloat32s(v []float32) error {
	if b.dtype != Float32 {
		return fmt.Errorf("%w: %s is %v", ErrTypeMismatch, b.name, b.dtype)
	}
	copy(b.f32, v)
	return nil
}

// SetUint8s copies v into the buffer.
func (b *Buffer) SetUint8s(v []uint8) error {
	if b.dtype != UInt8 {
		return fmt.Errorf("%w: %s is %v", ErrTypeMismatch, b.name, b.dtype)
	}
	copy(b.u8, v)
	return nil
}

// SetInt32s copies v into the buffer.
func (b *Buffer) SetInt32s(v []int32) error {
	if b.dtype != Int32 {
		return fmt.Errorf("%w: %s is %v", ErrTypeMismatch, b.name, b.dtype)
	}
	copy(b.i32, v)
	return nil
}
