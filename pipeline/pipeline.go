// Package pipeline turns one image into classification labels or detected
// objects by running a single model: preprocessing, one forward pass and a
// task specific decoding of the outputs.
package pipeline

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mpromonet/tflite-pipeline/engine"
)

// Config is read by Init. Threshold can also be changed between runs with
// SetThreshold; everything else takes effect on the next Init.
type Config struct {
	ModelPath    string
	LabelsPath   string
	Acceleration bool
	// NumThreads is only applied when greater than 1.
	NumThreads int
	Threshold  float32

	TopN int
	// ClassOffset is added to raw detection class ids. The zero value keeps
	// the raw ids and reserves no background class; DefaultConfig uses 1.
	ClassOffset int
	FullScan    bool
	Dequantize  Dequantizer
}

func DefaultConfig() Config {
	return Config{
		NumThreads:  1,
		Threshold:   0.5,
		TopN:        DefaultTopN,
		ClassOffset: 1,
	}
}

// Pipeline owns one interpreter. Init and Run must not be called
// concurrently; the getters may be called from any goroutine.
type Pipeline struct {
	loader engine.Loader
	log    logrus.FieldLogger

	interp  engine.Interpreter
	outputs []engine.Tensor
	post    PostProcessing

	// guarded by mu
	mu     sync.RWMutex
	ready  bool
	task   TaskKind
	labels Labels
	pre    *Preprocessor
	cfg    Config
	last   *Result
}

func New(loader engine.Loader, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{
		loader: loader,
		log:    log.WithField("component", "pipeline"),
		cfg:    DefaultConfig(),
	}
}

// Init loads the model and labels of cfg. On failure the pipeline is left not
// ready with no model held; a panic raised by the engine is reported as
// ErrInternal.
func (p *Pipeline) Init(cfg Config) (err error) {
	p.release()
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	if strings.TrimSpace(cfg.ModelPath) == "" && strings.TrimSpace(cfg.LabelsPath) == "" {
		p.log.Error("TensorFlow model loading: no model configured")
		return ErrNoModel
	}

	defer func() {
		if r := recover(); r != nil {
			p.release()
			err = fmt.Errorf("%w: %v", ErrInternal, r)
			p.log.WithError(err).Error("exception loading model")
		}
	}()

	if err := p.init(cfg); err != nil {
		p.release()
		p.log.WithError(err).WithField("model", cfg.ModelPath).Error("TensorFlow initialization failed")
		return err
	}
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	p.log.WithFields(logrus.Fields{
		"task":   p.task,
		"height": p.pre.Height,
		"width":  p.pre.Width,
	}).Info("TensorFlow initialization: OK")
	return nil
}

func (p *Pipeline) init(cfg Config) error {
	opts := engine.Options{Accelerate: cfg.Acceleration}
	if cfg.NumThreads > 1 {
		opts.NumThreads = cfg.NumThreads
	}

	interp, err := p.loader.Load(cfg.ModelPath, opts)
	if err != nil {
		if errors.Is(err, engine.ErrBuild) {
			return fmt.Errorf("%w: %w", ErrEngineBuild, err)
		}
		return fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	p.interp = interp
	p.log.WithFields(logrus.Fields{
		"acceleration": cfg.Acceleration,
		"threads":      cfg.NumThreads,
	}).Info("interpreter built")

	if err := interp.AllocateTensors(); err != nil {
		return fmt.Errorf("%w: %w", ErrAllocate, err)
	}

	task := taskFromOutputs(interp.OutputCount())

	if interp.InputCount() < 1 || interp.Input(0) == nil {
		return fmt.Errorf("%w: model has no input tensor", ErrUnavailable)
	}
	dims := interp.Input(0).Shape()
	if len(dims) != 4 {
		return fmt.Errorf("%w: input shape %v, want [batch height width channels]", engine.ErrShape, dims)
	}
	pre := &Preprocessor{Height: dims[1], Width: dims[2], Channels: dims[3]}

	p.outputs = make([]engine.Tensor, 0, interp.OutputCount())
	for i := 0; i < interp.OutputCount(); i++ {
		p.outputs = append(p.outputs, interp.Output(i))
	}

	labels, err := LoadLabels(cfg.LabelsPath)
	if err != nil {
		p.log.WithError(err).Warn("cannot read labels")
	}
	if labels.Len() > 0 {
		p.log.Infof("There are %d labels.", labels.Len())
	} else {
		p.log.Info("There are NO labels")
	}

	p.mu.Lock()
	p.task = task
	p.pre = pre
	p.labels = labels
	p.mu.Unlock()

	switch task {
	case DetectionTask:
		p.post = ssdPostProcessing{
			labels:      labels,
			classOffset: cfg.ClassOffset,
			fullScan:    cfg.FullScan,
			dequantize:  cfg.Dequantize,
		}
	default:
		p.post = classifierPostProcessing{labels: labels, topN: cfg.TopN, dequantize: cfg.Dequantize}
	}
	return nil
}

// Run processes one image. The returned Result is also kept as Last.
func (p *Pipeline) Run(img image.Image) (*Result, error) {
	if !p.Ready() {
		return nil, ErrNotReady
	}

	width, height, err := p.pre.Prepare(img, p.interp.Input(0))
	if err != nil {
		p.log.WithError(err).Warn("cannot set inputs")
		return nil, err
	}

	elapsed, err := Invoke(p.interp)
	if err != nil {
		p.log.WithError(err).Error("failed to invoke interpreter")
		return nil, err
	}

	items, err := p.post.extractResult(p.outputs, frame{
		width:     width,
		height:    height,
		threshold: p.Threshold(),
	})
	if err != nil {
		p.log.WithError(err).Warn("cannot decode outputs")
		return nil, err
	}

	res := &Result{
		Task:        p.Task(),
		Items:       items,
		Elapsed:     elapsed,
		ImageWidth:  width,
		ImageHeight: height,
	}
	p.SetLast(res)
	return res, nil
}

// SetLast records res as the latest result, as if Run had produced it. It is
// used for results served from a cache.
func (p *Pipeline) SetLast(res *Result) {
	p.mu.Lock()
	p.last = res
	p.mu.Unlock()
}

// release drops the interpreter and every reference into its buffers.
func (p *Pipeline) release() {
	p.mu.Lock()
	p.ready = false
	p.pre = nil
	p.labels = nil
	p.task = UnknownTask
	p.last = nil
	p.mu.Unlock()

	if p.interp != nil {
		if err := p.interp.Close(); err != nil {
			p.log.WithError(err).Warn("closing interpreter")
		}
	}
	p.interp = nil
	p.outputs = nil
	p.post = nil
}

func (p *Pipeline) Close() error {
	p.release()
	return nil
}

func (p *Pipeline) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *Pipeline) Task() TaskKind {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.task
}

// InputSize is the height, width and channel count of the model input.
func (p *Pipeline) InputSize() (height, width, channels int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pre == nil {
		return 0, 0, 0
	}
	return p.pre.Height, p.pre.Width, p.pre.Channels
}

func (p *Pipeline) Labels() Labels {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.labels
}

// Last returns the result of the most recent successful Run, or nil.
func (p *Pipeline) Last() *Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// ImageSize is the size of the image processed by the last successful Run.
func (p *Pipeline) ImageSize() (width, height int) {
	if r := p.Last(); r != nil {
		return r.ImageWidth, r.ImageHeight
	}
	return 0, 0
}

func (p *Pipeline) InferenceTime() time.Duration {
	if r := p.Last(); r != nil {
		return r.Elapsed
	}
	return 0
}

func (p *Pipeline) Threshold() float32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Threshold
}

// SetThreshold changes the confidence cutoff used from the next Run on.
func (p *Pipeline) SetThreshold(v float32) {
	p.mu.Lock()
	p.cfg.Threshold = v
	p.mu.Unlock()
}

func (p *Pipeline) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Pipeline) ModelPath() string  { return p.Config().ModelPath }
func (p *Pipeline) LabelsPath() string { return p.Config().LabelsPath }
func (p *Pipeline) NumThreads() int    { return p.Config().NumThreads }
func (p *Pipeline) Acceleration() bool { return p.Config().Acceleration }
