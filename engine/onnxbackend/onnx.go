// Package onnxbackend runs ONNX models through github.com/yalue/onnxruntime_go.
// Tensors are pre-allocated on AllocateTensors and bound to an
// AdvancedSession, so Invoke reuses the same buffers for every frame.
package onnxbackend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/mpromonet/tflite-pipeline/engine"
)

var errClosed = errors.New("onnx interpreter closed")

var envMu sync.Mutex

// Loader builds ONNX Runtime sessions. LibraryPath, when set, points to the
// onnxruntime shared library.
type Loader struct {
	LibraryPath string
	Log         logrus.FieldLogger
}

var _ engine.Loader = Loader{}

type Interpreter struct {
	path    string
	log     logrus.FieldLogger
	options *ort.SessionOptions
	session *ort.AdvancedSession

	inputInfo  []ort.InputOutputInfo
	outputInfo []ort.InputOutputInfo
	inputs     []*tensor
	outputs    []*tensor
}

func (l Loader) Load(path string, opts engine.Options) (engine.Interpreter, error) {
	log := l.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("backend", "onnx")

	if err := initEnvironment(l.LibraryPath); err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrBuild, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", engine.ErrModel, path, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %w", engine.ErrBuild, err)
	}
	if opts.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.NumThreads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("error setting thread count: %w", err)
		}
	}
	if opts.Accelerate {
		if err := appendCUDA(options); err != nil {
			log.WithError(err).Info("CUDA provider unavailable, running on CPU")
		} else {
			log.Info("CUDA execution provider enabled")
		}
	}

	return &Interpreter{
		path:       path,
		log:        log,
		options:    options,
		inputInfo:  inputs,
		outputInfo: outputs,
	}, nil
}

func initEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// Shutdown releases the process-wide ONNX Runtime environment.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func appendCUDA(options *ort.SessionOptions) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()
	return options.AppendExecutionProviderCUDA(cuda)
}

func (i *Interpreter) AllocateTensors() error {
	if i.options == nil {
		return errClosed
	}
	i.releaseTensors()

	inputs, inputNames, inputValues, err := newTensors(i.inputInfo)
	if err != nil {
		return fmt.Errorf("error creating input tensor: %w", err)
	}
	outputs, outputNames, outputValues, err := newTensors(i.outputInfo)
	if err != nil {
		destroyAll(inputs)
		return fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(i.path, inputNames, outputNames, inputValues, outputValues, i.options)
	if err != nil {
		destroyAll(inputs)
		destroyAll(outputs)
		return fmt.Errorf("error creating session: %w", err)
	}
	i.inputs, i.outputs, i.session = inputs, outputs, session
	i.log.WithFields(logrus.Fields{"inputs": len(inputs), "outputs": len(outputs)}).Debug("tensors allocated")
	return nil
}

func (i *Interpreter) Invoke() error {
	if i.session == nil {
		return engine.ErrNotAllocated
	}
	if err := i.session.Run(); err != nil {
		return fmt.Errorf("model inference: %w", err)
	}
	return nil
}

func (i *Interpreter) InputCount() int  { return len(i.inputInfo) }
func (i *Interpreter) OutputCount() int { return len(i.outputInfo) }

func (i *Interpreter) Input(n int) engine.Tensor {
	if n < 0 || n >= len(i.inputs) {
		return nil
	}
	return i.inputs[n]
}

func (i *Interpreter) Output(n int) engine.Tensor {
	if n < 0 || n >= len(i.outputs) {
		return nil
	}
	return i.outputs[n]
}

func (i *Interpreter) Close() error {
	var errs []error
	if i.session != nil {
		errs = append(errs, i.session.Destroy())
		i.session = nil
	}
	i.releaseTensors()
	if i.options != nil {
		errs = append(errs, i.options.Destroy())
		i.options = nil
	}
	return errors.Join(errs...)
}

func (i *Interpreter) releaseTensors() {
	if i.session != nil {
		i.session.Destroy()
		i.session = nil
	}
	destroyAll(i.inputs)
	destroyAll(i.outputs)
	i.inputs, i.outputs = nil, nil
}

type tensor struct {
	name  string
	dtype engine.TensorType
	shape []int
	value ort.Value

	f32 *ort.Tensor[float32]
	u8  *ort.Tensor[uint8]
	i32 *ort.Tensor[int32]
}

// newTensors allocates one tensor per info entry. Dynamic dimensions are
// pinned to 1: the pipeline always runs with a batch of one image.
func newTensors(infos []ort.InputOutputInfo) ([]*tensor, []string, []ort.Value, error) {
	tensors := make([]*tensor, 0, len(infos))
	names := make([]string, 0, len(infos))
	values := make([]ort.Value, 0, len(infos))
	for _, info := range infos {
		dims := make([]int64, len(info.Dimensions))
		shape := make([]int, len(info.Dimensions))
		for d, v := range info.Dimensions {
			if v <= 0 {
				v = 1
			}
			dims[d] = v
			shape[d] = int(v)
		}
		t := &tensor{name: info.Name, shape: shape}
		var err error
		switch info.DataType {
		case ort.TensorElementDataTypeFloat:
			t.dtype = engine.Float32
			t.f32, err = ort.NewEmptyTensor[float32](ort.NewShape(dims...))
			t.value = t.f32
		case ort.TensorElementDataTypeUint8:
			t.dtype = engine.UInt8
			t.u8, err = ort.NewEmptyTensor[uint8](ort.NewShape(dims...))
			t.value = t.u8
		case ort.TensorElementDataTypeInt32:
			t.dtype = engine.Int32
			t.i32, err = ort.NewEmptyTensor[int32](ort.NewShape(dims...))
			t.value = t.i32
		default:
			err = fmt.Errorf("%s: %w (%v)", info.Name, engine.ErrTypeMismatch, info.DataType)
		}
		if err != nil {
			destroyAll(tensors)
			return nil, nil, nil, err
		}
		tensors = append(tensors, t)
		names = append(names, info.Name)
		values = append(values, t.value)
	}
	return tensors, names, values, nil
}

func destroyAll(tensors []*tensor) {
	for _, t := range tensors {
		if t.value != nil {
			t.value.Destroy()
		}
	}
}

func (t *tensor) Name() string            { return t.name }
func (t *tensor) Type() engine.TensorType { return t.dtype }
func (t *tensor) Shape() []int            { return append([]int(nil), t.shape...) }

func (t *tensor) Float32s() []float32 {
	if t.f32 == nil {
		return nil
	}
	return t.f32.GetData()
}

func (t *tensor) UInt8s() []uint8 {
	if t.u8 == nil {
		return nil
	}
	return t.u8.GetData()
}

func (t *tensor) Int32s() []int32 {
	if t.i32 == nil {
		return nil
	}
	return t.i32.GetData()
}
