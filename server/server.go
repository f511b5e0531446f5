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

// Package server exposes a pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mpromonet/tflite-pipeline/cache"
	"github.com/mpromonet/tflite-pipeline/metrics"
	"github.com/mpromonet/tflite-pipeline/pipeline"
)

// Decoder turns uploaded bytes into an image.
type Decoder func(data []byte) (image.Image, error)

// Annotator draws res over the uploaded image and returns it JPEG encoded.
type Annotator func(data []byte, res *pipeline.Result) ([]byte, error)

// ResultCache stores results by key. *cache.Cache implements it over Redis.
type ResultCache interface {
	Get(ctx context.Context, key string) (*pipeline.Result, error)
	Put(ctx context.Context, key string, res *pipeline.Result) error
}

var _ ResultCache = (*cache.Cache)(nil)

type Options struct {
	StaticDir string
	Decode    Decoder
	// Annotate is optional; POST /annotate answers 501 without it.
	Annotate Annotator
	// Cache is optional.
	Cache ResultCache
	Log   logrus.FieldLogger
}

type Server struct {
	pipe   *pipeline.Pipeline
	worker *pipeline.Worker
	opts   Options
	log    logrus.FieldLogger
}

func New(pipe *pipeline.Pipeline, worker *pipeline.Worker, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		pipe:   pipe,
		worker: worker,
		opts:   opts,
		log:    log.WithField("component", "server"),
	}
}

// Router builds the gin engine serving the API, the metrics and the static UI.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(s.log))
	if s.opts.StaticDir != "" {
		r.Use(static.Serve("/", static.LocalFile(s.opts.StaticDir, false)))
	}

	r.POST("/runmodel", s.runModel)
	r.POST("/annotate", s.annotate)
	r.GET("/status", s.status)
	r.PUT("/threshold", s.setThreshold)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("listen", addr).Info("HTTP server started")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(httpStatus(err), gin.H{
		"error":      err.Error(),
		"request_id": GetRequestID(c),
	})
}

// infer reads the upload and runs it through the worker, going through the
// result cache when there is one.
func (s *Server) infer(c *gin.Context) ([]byte, *pipeline.Result, error) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBadImage, err)
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: empty body", ErrBadImage)
	}
	log := s.log.WithField("request_id", GetRequestID(c))
	log.WithField("size", len(data)).Debug("image received")

	ctx := c.Request.Context()
	var key string
	if s.opts.Cache != nil {
		key = cache.Key(s.pipe.Config(), data)
		res, err := s.opts.Cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.RecordCacheLookup("error")
			log.WithError(err).Warn("cache lookup failed")
		case res != nil:
			metrics.RecordCacheLookup("hit")
			c.Header("X-Cache", "hit")
			s.pipe.SetLast(res)
			return data, res, nil
		default:
			metrics.RecordCacheLookup("miss")
		}
	}

	img, err := s.opts.Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBadImage, err)
	}

	res, err := s.worker.Process(ctx, img)
	if err != nil {
		return nil, nil, err
	}
	if s.opts.Cache != nil {
		if err := s.opts.Cache.Put(ctx, key, res); err != nil {
			log.WithError(err).Warn("cache store failed")
		}
	}
	return data, res, nil
}

func (s *Server) runModel(c *gin.Context) {
	_, res, err := s.infer(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) annotate(c *gin.Context) {
	if s.opts.Annotate == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "annotation not available"})
		return
	}
	data, res, err := s.infer(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	out, err := s.opts.Annotate(data, res)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", out)
}

type statusResponse struct {
	Ready        bool              `json:"ready"`
	Busy         bool              `json:"busy"`
	Model        string            `json:"model"`
	Labels       int               `json:"labels"`
	Task         pipeline.TaskKind `json:"task"`
	InputHeight  int               `json:"input_height"`
	InputWidth   int               `json:"input_width"`
	Channels     int               `json:"channels"`
	Threshold    float32           `json:"threshold"`
	Acceleration bool              `json:"acceleration"`
	Threads      int               `json:"threads"`
	InferenceMs  float64           `json:"inference_ms"`
	ImageWidth   int               `json:"image_width"`
	ImageHeight  int               `json:"image_height"`
}

func (s *Server) status(c *gin.Context) {
	h, w, ch := s.pipe.InputSize()
	iw, ih := s.pipe.ImageSize()
	c.JSON(http.StatusOK, statusResponse{
		Ready:        s.pipe.Ready(),
		Busy:         s.worker.Busy(),
		Model:        s.pipe.ModelPath(),
		Labels:       s.pipe.Labels().Len(),
		Task:         s.pipe.Task(),
		InputHeight:  h,
		InputWidth:   w,
		Channels:     ch,
		Threshold:    s.pipe.Threshold(),
		Acceleration: s.pipe.Acceleration(),
		Threads:      s.pipe.NumThreads(),
		InferenceMs:  float64(s.pipe.InferenceTime().Microseconds()) / 1000.0,
		ImageWidth:   iw,
		ImageHeight:  ih,
	})
}

type thresholdRequest struct {
	Threshold *float32 `json:"threshold" binding:"required"`
}

func (s *Server) setThreshold(c *gin.Context) {
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if *req.Threshold < 0 || *req.Threshold > 1 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "threshold must be within [0, 1]"})
		return
	}
	s.pipe.SetThreshold(*req.Threshold)
	s.log.WithField("threshold", *req.Threshold).Info("threshold updated")
	c.JSON(http.StatusOK, gin.H{"threshold": *req.Threshold})
}
