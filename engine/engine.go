/*
 * SPDX-License-Identifier: Unlicense
 *
 * This is free and unencumbered software released into the public domain.
 *
 * Anyone is free to copy, modify, publish, use, compile, sell, or distribute this
 * software, either in source code form or as a compiled binary, for any purpose,
 * commercial or non-commercial, and by any means.
 *
 * For more information, please refer to <http://unlicense.org/>
 */

// Package engine defines the contract between the inference pipeline and the
// runtime that executes a model graph. Backends live in sub-packages.
package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrModel reports a model file that cannot be opened or parsed.
	ErrModel = errors.New("cannot load model")
	// ErrBuild reports an interpreter that cannot be built from a loaded model.
	ErrBuild = errors.New("cannot create interpreter")

	ErrTypeMismatch = errors.New("tensor type mismatch")
	ErrNotAllocated = errors.New("tensors not allocated")
	ErrShape        = errors.New("invalid tensor shape")
)

// TensorType is the element type of a tensor buffer.
type TensorType int

const (
	NoType TensorType = iota
	Float32
	UInt8
	Int32
	Unsupported
)

func (t TensorType) String() string {
	switch t {
	case NoType:
		return "none"
	case Float32:
		return "float32"
	case UInt8:
		return "uint8"
	case Int32:
		return "int32"
	default:
		return fmt.Sprintf("unsupported(%d)", int(t))
	}
}

// Tensor is a view over a buffer owned by an Interpreter. Slices returned by
// the accessors alias the engine memory and are only valid until the owning
// Interpreter is closed.
type Tensor interface {
	Name() string
	Type() TensorType
	Shape() []int

	// Float32s, UInt8s and Int32s return nil when the element type differs.
	Float32s() []float32
	UInt8s() []uint8
	Int32s() []int32
}

// Interpreter executes one compiled graph. It is not safe for concurrent use.
type Interpreter interface {
	AllocateTensors() error
	Invoke() error

	InputCount() int
	Input(i int) Tensor
	OutputCount() int
	Output(i int) Tensor

	Close() error
}

// Options are applied by a Loader before tensors are allocated.
type Options struct {
	// NumThreads is passed to the runtime when > 0, otherwise the runtime
	// default is kept.
	NumThreads int
	// Accelerate enables the backend hardware delegate when one is available.
	Accelerate bool
}

// Loader builds an Interpreter from a serialized model file.
type Loader interface {
	Load(path string, opts Options) (Interpreter, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string, opts Options) (Interpreter, error)

func (f LoaderFunc) Load(path string, opts Options) (Interpreter, error) {
	return f(path, opts)
}

// NumElements returns the product of the dimensions of shape.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
