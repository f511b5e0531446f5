package pipeline

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mpromonet/tflite-pipeline/metrics"
)

// Runner is the part of Pipeline the Worker needs.
type Runner interface {
	Run(img image.Image) (*Result, error)
}

// Event is delivered once per submitted frame.
type Event struct {
	Result *Result
	Err    error
}

type job struct {
	img   image.Image
	reply chan Event
}

// Worker runs a pipeline on its own goroutine, one frame at a time. A frame
// submitted while another is in flight is rejected with ErrBusy: there is no
// queue, the newest frame is dropped.
type Worker struct {
	runner Runner
	log    logrus.FieldLogger

	frames   chan job
	finished chan struct{}
	stop     chan struct{}
	done     chan struct{}

	busy     atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once

	mu     sync.Mutex
	closed bool
}

func NewWorker(runner Runner, log logrus.FieldLogger) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{
		runner:   runner,
		log:      log.WithField("component", "worker"),
		frames:   make(chan job, 1),
		finished: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine. It returns when ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	defer w.drain()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case j := <-w.frames:
			j.reply <- w.process(j.img)
			w.busy.Store(false)
			metrics.SetBusy(false)
			select {
			case w.finished <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Worker) process(img image.Image) Event {
	start := time.Now()
	res, err := w.runner.Run(img)
	frameTime := time.Since(start)
	if err != nil {
		w.log.WithError(err).Warn("frame failed")
		metrics.RecordRun("", 0, 0, frameTime.Seconds(), err)
		return Event{Err: err}
	}
	metrics.RecordRun(res.Task.String(), len(res.Items), res.Elapsed.Seconds(), frameTime.Seconds(), nil)
	w.log.WithFields(logrus.Fields{
		"task":         res.Task,
		"items":        len(res.Items),
		"inference_ms": float64(res.Elapsed.Microseconds()) / 1000.0,
		"total_ms":     float64(frameTime.Microseconds()) / 1000.0,
	}).Debug("frame processed")
	return Event{Result: res}
}

// drain answers a frame accepted but never processed.
func (w *Worker) drain() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	select {
	case j := <-w.frames:
		j.reply <- Event{Err: ErrStopped}
	default:
	}
	w.busy.Store(false)
	metrics.SetBusy(false)
}

// Submit hands img to the worker. The returned channel receives exactly one
// Event.
func (w *Worker) Submit(img image.Image) (<-chan Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stop:
		return nil, ErrStopped
	default:
	}
	if w.closed {
		return nil, ErrStopped
	}
	if !w.busy.CompareAndSwap(false, true) {
		metrics.RecordDropped()
		return nil, ErrBusy
	}
	metrics.SetBusy(true)
	reply := make(chan Event, 1)
	w.frames <- job{img: img, reply: reply}
	return reply, nil
}

// Process submits img and waits for its result or for ctx. The frame keeps
// running when ctx is done first.
func (w *Worker) Process(ctx context.Context, img image.Image) (*Result, error) {
	reply, err := w.Submit(img)
	if err != nil {
		return nil, err
	}
	select {
	case ev := <-reply:
		return ev.Result, ev.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Finished signals each time the worker becomes free for the next frame.
func (w *Worker) Finished() <-chan struct{} { return w.finished }

func (w *Worker) Busy() bool { return w.busy.Load() }

// Stop ends the worker goroutine and waits for the frame in flight.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}
