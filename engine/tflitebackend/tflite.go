// Package tflitebackend runs TensorFlow Lite flatbuffer models through
// github.com/mattn/go-tflite.
package tflitebackend

import (
	"fmt"

	"github.com/mattn/go-tflite"
	"github.com/mattn/go-tflite/delegates/edgetpu"
	"github.com/sirupsen/logrus"

	"github.com/mpromonet/tflite-pipeline/engine"
)

// Loader builds interpreters bound to the builtin operator set.
type Loader struct {
	Log logrus.FieldLogger
}

var _ engine.Loader = Loader{}

// Interpreter owns the model, its options, the optional accelerator delegate
// and the interpreter built from them. All are released together by Close.
type Interpreter struct {
	model    *tflite.Model
	options  *tflite.InterpreterOptions
	delegate deleter
	interp   *tflite.Interpreter
}

// deleter is the part of a go-tflite delegate needed to free it.
type deleter interface {
	Delete()
}

func (l Loader) logger() logrus.FieldLogger {
	if l.Log == nil {
		return logrus.StandardLogger().WithField("backend", "tflite")
	}
	return l.Log.WithField("backend", "tflite")
}

func (l Loader) Load(path string, opts engine.Options) (engine.Interpreter, error) {
	log := l.logger()

	model := tflite.NewModelFromFile(path)
	if model == nil {
		return nil, fmt.Errorf("%w: %s", engine.ErrModel, path)
	}

	options := tflite.NewInterpreterOptions()
	options.SetErrorReporter(func(msg string, _ interface{}) {
		log.Warn(msg)
	}, nil)
	if opts.NumThreads > 0 {
		options.SetNumThread(opts.NumThreads)
	}

	i := &Interpreter{model: model, options: options}
	if opts.Accelerate {
		devices, err := edgetpu.DeviceList()
		if err != nil {
			log.WithError(err).Warn("could not get EdgeTPU devices")
		}
		if len(devices) == 0 {
			log.Info("no EdgeTPU devices found, running on CPU")
		} else if d := edgetpu.New(devices[0]); d == nil {
			log.WithField("device", devices[0]).Warn("cannot create EdgeTPU delegate, running on CPU")
		} else {
			options.AddDelegate(d)
			i.delegate = d
			log.WithField("device", devices[0]).Info("EdgeTPU delegate enabled")
		}
	}

	i.interp = tflite.NewInterpreter(model, options)
	if i.interp == nil {
		i.Close()
		return nil, fmt.Errorf("%w: %s", engine.ErrBuild, path)
	}
	return i, nil
}

func (i *Interpreter) AllocateTensors() error {
	if status := i.interp.AllocateTensors(); status != tflite.OK {
		return fmt.Errorf("allocate tensors: status %v", status)
	}
	return nil
}

func (i *Interpreter) Invoke() error {
	if status := i.interp.Invoke(); status != tflite.OK {
		return fmt.Errorf("invoke: status %v", status)
	}
	return nil
}

func (i *Interpreter) InputCount() int  { return i.interp.GetInputTensorCount() }
func (i *Interpreter) OutputCount() int { return i.interp.GetOutputTensorCount() }

func (i *Interpreter) Input(n int) engine.Tensor {
	t := i.interp.GetInputTensor(n)
	if t == nil {
		return nil
	}
	return tensor{t}
}

func (i *Interpreter) Output(n int) engine.Tensor {
	t := i.interp.GetOutputTensor(n)
	if t == nil {
		return nil
	}
	return tensor{t}
}

func (i *Interpreter) Close() error {
	if i.interp != nil {
		i.interp.Delete()
		i.interp = nil
	}
	// the delegate must outlive the interpreter that uses it
	if i.delegate != nil {
		i.delegate.Delete()
		i.delegate = nil
	}
	if i.options != nil {
		i.options.Delete()
		i.options = nil
	}
	if i.model != nil {
		i.model.Delete()
		i.model = nil
	}
	return nil
}

// tensor adapts *tflite.Tensor. The slices alias the interpreter arena.
type tensor struct {
	t *tflite.Tensor
}

func (t tensor) Name() string { return t.t.Name() }

func (t tensor) Type() engine.TensorType {
	return convertType(t.t.Type())
}

func (t tensor) Shape() []int {
	shape := []int{}
	for idx := 0; idx < t.t.NumDims(); idx++ {
		shape = append(shape, t.t.Dim(idx))
	}
	return shape
}

func (t tensor) Float32s() []float32 {
	if t.t.Type() != tflite.Float32 {
		return nil
	}
	return t.t.Float32s()
}

func (t tensor) UInt8s() []uint8 {
	if t.t.Type() != tflite.UInt8 {
		return nil
	}
	return t.t.UInt8s()
}

func (t tensor) Int32s() []int32 {
	if t.t.Type() != tflite.Int32 {
		return nil
	}
	return t.t.Int32s()
}

func convertType(tt tflite.TensorType) engine.TensorType {
	switch tt {
	case tflite.NoType:
		return engine.NoType
	case tflite.Float32:
		return engine.Float32
	case tflite.UInt8:
		return engine.UInt8
	case tflite.Int32:
		return engine.Int32
	default:
		return engine.Unsupported
	}
}
