package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InferenceLatencySeconds is the forward pass latency reported by the pipeline.
	InferenceLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_latency_seconds",
			Help:    "Histogram of forward pass latency (seconds), excluding pre and post processing.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"task"},
	)

	// FrameSeconds covers a whole frame: preprocessing, inference and decoding.
	FrameSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "frame_processing_seconds",
			Help:    "Histogram of end to end frame processing time (seconds).",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Number of frames processed, by outcome.",
		},
		[]string{"outcome"},
	)

	DetectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_items_total",
			Help: "Number of labels or objects reported.",
		},
	)

	DroppedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_dropped_frames_total",
			Help: "Frames rejected because an inference was already in flight.",
		},
	)

	WorkerBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_worker_busy",
			Help: "1 while a frame is being processed.",
		},
	)

	// HTTPRequestSeconds is recorded by the server middleware.
	HTTPRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latency (seconds).",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "code"},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "result_cache_lookups_total",
			Help: "Result cache lookups, by outcome (hit, miss, error).",
		},
		[]string{"outcome"},
	)

	ModelReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_model_ready",
			Help: "1 once a model is loaded and ready.",
		},
	)
)

// RecordRun records one processed frame. task is empty for failed frames.
func RecordRun(task string, items int, inferenceSeconds, frameSeconds float64, err error) {
	FrameSeconds.Observe(frameSeconds)
	if err != nil {
		RunsTotal.WithLabelValues("error").Inc()
		return
	}
	RunsTotal.WithLabelValues("ok").Inc()
	InferenceLatencySeconds.WithLabelValues(task).Observe(inferenceSeconds)
	DetectionsTotal.Add(float64(items))
}

func RecordDropped() {
	DroppedFramesTotal.Inc()
}

func SetBusy(busy bool) {
	if busy {
		WorkerBusy.Set(1)
	} else {
		WorkerBusy.Set(0)
	}
}

func SetReady(ready bool) {
	if ready {
		ModelReady.Set(1)
	} else {
		ModelReady.Set(0)
	}
}

// RecordRequest records the latency of one HTTP request.
func RecordRequest(route, code string, seconds float64) {
	HTTPRequestSeconds.WithLabelValues(route, code).Observe(seconds)
}

func RecordCacheLookup(outcome string) {
	CacheLookupsTotal.WithLabelValues(outcome).Inc()
}
