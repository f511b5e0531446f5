package pipeline

import (
	"errors"
	"fmt"
	"image/color"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpromonet/tflite-pipeline/engine"
)

// classifierMock is a 2x2 float model with one class per score; the scores are
// written on every invoke.
func classifierMock(scores ...float32) func() *Mock {
	return func() *Mock {
		m := engine.NewMock(
			[]*engine.Buffer{engine.MustBuffer("input", engine.Float32, 1, 2, 2, 3)},
			engine.MustBuffer("scores", engine.Float32, 1, len(scores)),
		)
		m.OnInvoke = func(m *engine.Mock) error {
			return m.Outputs[0].SetFloat32s(scores)
		}
		return m
	}
}

// detectorMock is an SSD model with a quantized input reporting two candidates.
func detectorMock() *Mock {
	m := engine.NewMock(
		[]*engine.Buffer{engine.MustBuffer("input", engine.UInt8, 1, 2, 2, 3)},
		engine.MustBuffer("boxes", engine.Float32, 1, 2, 4),
		engine.MustBuffer("classes", engine.Float32, 1, 2),
		engine.MustBuffer("scores", engine.Float32, 1, 2),
		engine.MustBuffer("count", engine.Float32, 1),
	)
	m.OnInvoke = func(m *engine.Mock) error {
		if err := m.Outputs[0].SetFloat32s([]float32{0.1, 0.2, 0.5, 0.6, 0, 0, 1, 1}); err != nil {
			return err
		}
		if err := m.Outputs[1].SetFloat32s([]float32{0, 3}); err != nil {
			return err
		}
		if err := m.Outputs[2].SetFloat32s([]float32{0.8, 0.1}); err != nil {
			return err
		}
		return m.Outputs[3].SetFloat32s([]float32{2})
	}
	return m
}

type Mock = engine.Mock

func newTestPipeline(loader engine.Loader) (*Pipeline, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return New(loader, log), hook
}

func TestInit_NoModel(t *testing.T) {
	loader := &engine.MockLoader{New: classifierMock(0.9)}
	p, _ := newTestPipeline(loader)

	err := p.Init(Config{ModelPath: " ", LabelsPath: ""})
	assert.ErrorIs(t, err, ErrNoModel)
	assert.False(t, p.Ready())
	assert.Equal(t, 0, loader.Calls)

	_, err = p.Run(solidImage(2, 2, color.NRGBA{A: 255}))
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestInit_Failures(t *testing.T) {
	tests := []struct {
		name   string
		loader *engine.MockLoader
		want   error
	}{
		{
			name:   "model cannot be read",
			loader: &engine.MockLoader{Err: fmt.Errorf("%w: no such file", engine.ErrModel)},
			want:   ErrModelLoad,
		},
		{
			name:   "interpreter cannot be built",
			loader: &engine.MockLoader{Err: fmt.Errorf("%w: unsupported op", engine.ErrBuild)},
			want:   ErrEngineBuild,
		},
		{
			name: "tensors cannot be allocated",
			loader: &engine.MockLoader{New: func() *Mock {
				m := classifierMock(0.9)()
				m.AllocateErr = errors.New("out of memory")
				return m
			}},
			want: ErrAllocate,
		},
		{
			name: "engine panics",
			loader: &engine.MockLoader{New: func() *Mock {
				m := classifierMock(0.9)()
				m.PanicOnAllocate = true
				return m
			}},
			want: ErrInternal,
		},
		{
			name: "input is not an image",
			loader: &engine.MockLoader{New: func() *Mock {
				return engine.NewMock(
					[]*engine.Buffer{engine.MustBuffer("input", engine.Float32, 2, 2, 3)},
					engine.MustBuffer("scores", engine.Float32, 1, 4),
				)
			}},
			want: engine.ErrShape,
		},
		{
			name: "model has no input",
			loader: &engine.MockLoader{New: func() *Mock {
				return engine.NewMock(nil, engine.MustBuffer("scores", engine.Float32, 1, 4))
			}},
			want: ErrUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, hook := newTestPipeline(tt.loader)

			err := p.Init(Config{ModelPath: "model.tflite", Threshold: 0.5})
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, p.Ready())
			assert.Equal(t, UnknownTask, p.Task())
			for _, m := range tt.loader.Built {
				assert.True(t, m.Closed, "a failed init releases the interpreter")
			}
			require.NotNil(t, hook.LastEntry())
			assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

			_, err = p.Run(solidImage(2, 2, color.NRGBA{A: 255}))
			assert.ErrorIs(t, err, ErrNotReady)
		})
	}
}

func TestPipeline_Classification(t *testing.T) {
	labels := writeFile(t, "labels.txt", "dog\ncat\nbird\nfish\n")
	loader := &engine.MockLoader{New: classifierMock(0.1, 0.7, 0.2, 0.9)}
	p, hook := newTestPipeline(loader)

	require.NoError(t, p.Init(Config{ModelPath: "mobilenet.tflite", LabelsPath: labels, Threshold: 0.5}))
	assert.True(t, p.Ready())
	assert.Equal(t, ClassificationTask, p.Task())
	assert.Equal(t, "mobilenet.tflite", loader.LastPath)
	h, w, c := p.InputSize()
	assert.Equal(t, []int{2, 2, 3}, []int{h, w, c})
	assert.Equal(t, 4, p.Labels().Len())

	found := false
	for _, e := range hook.AllEntries() {
		if e.Message == "There are 4 labels." {
			found = true
		}
	}
	assert.True(t, found, "label count is logged")

	res, err := p.Run(solidImage(4, 3, color.NRGBA{R: 255, G: 255, B: 255, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, ClassificationTask, res.Task)
	assert.Equal(t, []string{"Fish", "Cat"}, res.Captions())
	assert.Equal(t, []float32{0.9, 0.7}, res.Confidences())
	assert.Empty(t, res.Boxes())

	input := loader.Built[0].Inputs[0].Float32s()
	assert.InDelta(t, 1.0, input[0], 1e-6, "pixels are normalized before the forward pass")

	assert.Same(t, res, p.Last())
	width, height := p.ImageSize()
	assert.Equal(t, 4, width)
	assert.Equal(t, 3, height)
	assert.Equal(t, res.Elapsed, p.InferenceTime())
}

func TestPipeline_Detection(t *testing.T) {
	labels := writeFile(t, "labels.txt", "???\nperson\nbicycle\ncar\nmotorcycle\n")
	loader := &engine.MockLoader{New: detectorMock}
	p, _ := newTestPipeline(loader)

	require.NoError(t, p.Init(Config{ModelPath: "ssd.tflite", LabelsPath: labels, Threshold: 0.5, ClassOffset: 1}))
	assert.Equal(t, DetectionTask, p.Task())

	res, err := p.Run(solidImage(200, 100, color.NRGBA{R: 12, G: 34, B: 56, A: 255}))
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Person", res.Items[0].Caption)
	assert.Equal(t, 1, res.Items[0].Class)
	assert.InDelta(t, 0.8, res.Items[0].Confidence, 1e-6)
	require.NotNil(t, res.Items[0].Box)
	assert.Equal(t, []Box{{X: 40, Y: 10, Width: 80, Height: 40}}, res.Boxes())

	assert.Equal(t, []uint8{12, 34, 56}, loader.Built[0].Inputs[0].UInt8s()[:3])

	p.SetThreshold(0.05)
	res, err = p.Run(solidImage(200, 100, color.NRGBA{A: 255}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Person", "Motorcycle"}, res.Captions())
}

func TestPipeline_DetectionWithoutBackgroundLabel(t *testing.T) {
	labels := writeFile(t, "labels.txt", "person\nbicycle\ncar\nmotorcycle\n")
	p, _ := newTestPipeline(&engine.MockLoader{New: detectorMock})

	require.NoError(t, p.Init(Config{ModelPath: "ssd.tflite", LabelsPath: labels, Threshold: 0.5}))
	res, err := p.Run(solidImage(200, 100, color.NRGBA{A: 255}))
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, 0, res.Items[0].Class)
	assert.Equal(t, "Person", res.Items[0].Caption)
}

func TestPipeline_SetThreshold(t *testing.T) {
	p, _ := newTestPipeline(&engine.MockLoader{New: classifierMock(0.9, 0.6, 0.2, 0.1)})
	require.NoError(t, p.Init(Config{ModelPath: "m.tflite", Threshold: 0.5}))

	res, err := p.Run(solidImage(2, 2, color.NRGBA{A: 255}))
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, []string{"", ""}, res.Captions(), "no labels gives empty captions")

	p.SetThreshold(0.15)
	assert.Equal(t, float32(0.15), p.Threshold())
	res, err = p.Run(solidImage(2, 2, color.NRGBA{A: 255}))
	require.NoError(t, err)
	assert.Len(t, res.Items, 3)
}

func TestInit_EngineOptions(t *testing.T) {
	loader := &engine.MockLoader{New: classifierMock(0.9)}
	p, _ := newTestPipeline(loader)

	require.NoError(t, p.Init(Config{ModelPath: "m.tflite", NumThreads: 4, Acceleration: true}))
	assert.Equal(t, engine.Options{NumThreads: 4, Accelerate: true}, loader.LastOptions)

	require.NoError(t, p.Init(Config{ModelPath: "m.tflite", NumThreads: 1}))
	assert.Equal(t, engine.Options{}, loader.LastOptions, "a single thread is the engine default")
}

func TestInit_ReplacesPreviousModel(t *testing.T) {
	loader := &engine.MockLoader{New: classifierMock(0.9)}
	p, _ := newTestPipeline(loader)

	require.NoError(t, p.Init(Config{ModelPath: "a.tflite", Threshold: 0.5}))
	_, err := p.Run(solidImage(2, 2, color.NRGBA{A: 255}))
	require.NoError(t, err)
	require.NotNil(t, p.Last())

	require.NoError(t, p.Init(Config{ModelPath: "a.tflite", Threshold: 0.5}))
	require.Len(t, loader.Built, 2)
	assert.Equal(t, ClassificationTask, p.Task())
	h, w, c := p.InputSize()
	assert.Equal(t, []int{2, 2, 3}, []int{h, w, c})
	assert.True(t, loader.Built[0].Closed)
	assert.False(t, loader.Built[1].Closed)
	assert.Nil(t, p.Last())
	assert.Equal(t, DefaultTopN, p.Config().TopN)

	require.NoError(t, p.Close())
	assert.True(t, loader.Built[1].Closed)
	assert.False(t, p.Ready())
}

func TestInit_MissingLabelsIsNotFatal(t *testing.T) {
	p, hook := newTestPipeline(&engine.MockLoader{New: classifierMock(0.9)})

	err := p.Init(Config{
		ModelPath:  "m.tflite",
		LabelsPath: filepath.Join(t.TempDir(), "missing.txt"),
		Threshold:  0.5,
	})
	require.NoError(t, err)
	assert.True(t, p.Ready())
	assert.Equal(t, 0, p.Labels().Len())
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
}

func TestRun_InvokeFailure(t *testing.T) {
	loader := &engine.MockLoader{New: classifierMock(0.9)}
	p, _ := newTestPipeline(loader)
	require.NoError(t, p.Init(Config{ModelPath: "m.tflite", Threshold: 0.5}))

	m := loader.Built[0]
	m.InvokeErr = errors.New("delegate failure")
	_, err := p.Run(solidImage(2, 2, color.NRGBA{A: 255}))
	assert.ErrorIs(t, err, ErrInvoke)
	assert.Nil(t, p.Last())
	assert.True(t, p.Ready(), "a failed frame does not unload the model")

	m.InvokeErr = nil
	res, err := p.Run(solidImage(2, 2, color.NRGBA{A: 255}))
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)
	assert.Equal(t, 2, m.InvokeCount)
}

func TestRun_EmptyImage(t *testing.T) {
	p, _ := newTestPipeline(&engine.MockLoader{New: classifierMock(0.9)})
	require.NoError(t, p.Init(Config{ModelPath: "m.tflite"}))

	_, err := p.Run(solidImage(0, 0, color.NRGBA{}))
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestTaskKind_Text(t *testing.T) {
	for _, k := range []TaskKind{UnknownTask, ClassificationTask, DetectionTask} {
		b, err := k.MarshalText()
		require.NoError(t, err)
		var got TaskKind
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, k, got)
	}
	var k TaskKind
	assert.Error(t, k.UnmarshalText([]byte("segmentation")))
	assert.Equal(t, ClassificationTask, taskFromOutputs(1))
	assert.Equal(t, DetectionTask, taskFromOutputs(4))
}

func TestInit_LoaderFunc(t *testing.T) {
	var gotPath string
	loader := engine.LoaderFunc(func(path string, opts engine.Options) (engine.Interpreter, error) {
		gotPath = path
		return classifierMock(0.2, 0.8)(), nil
	})
	p, _ := newTestPipeline(loader)

	require.NoError(t, p.Init(Config{ModelPath: "models/mobilenet_v1.tflite", Threshold: 0.5}))
	assert.Equal(t, "models/mobilenet_v1.tflite", gotPath)
	assert.Equal(t, "models/mobilenet_v1.tflite", p.ModelPath())
	assert.Equal(t, 0, p.NumThreads())
	assert.False(t, p.Acceleration())
	assert.Equal(t, "", p.LabelsPath())
}

func TestPipeline_SetLast(t *testing.T) {
	p, _ := newTestPipeline(&engine.MockLoader{New: classifierMock(0.9)})
	require.NoError(t, p.Init(Config{ModelPath: "m.tflite", Threshold: 0.5}))

	cached := &Result{Task: ClassificationTask, ImageWidth: 7, ImageHeight: 5, Elapsed: 3 * time.Millisecond}
	p.SetLast(cached)
	assert.Same(t, cached, p.Last())
	w, h := p.ImageSize()
	assert.Equal(t, []int{7, 5}, []int{w, h})
	assert.Equal(t, 3*time.Millisecond, p.InferenceTime())
}

func TestPipeline_GettersDuringInit(t *testing.T) {
	p, _ := newTestPipeline(&engine.MockLoader{New: classifierMock(0.9, 0.1)})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			_ = p.Ready()
			_ = p.Task()
			_, _, _ = p.InputSize()
			_ = p.Labels().Len()
			_ = p.Last()
		}
	}()

	for i := 0; i < 20; i++ {
		require.NoError(t, p.Init(Config{ModelPath: "m.tflite", Threshold: 0.5}))
		_, err := p.Run(solidImage(2, 2, color.NRGBA{A: 255}))
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()
	assert.True(t, p.Ready())
}
