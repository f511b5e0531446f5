package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/mpromonet/tflite-pipeline/cache"
	"github.com/mpromonet/tflite-pipeline/config"
	"github.com/mpromonet/tflite-pipeline/metrics"
	"github.com/mpromonet/tflite-pipeline/pipeline"
	"github.com/mpromonet/tflite-pipeline/server"
)

// configKeys maps command line flags to configuration keys.
var configKeys = map[string]string{
	"model":        "model",
	"labels":       "labels",
	"acceleration": "acceleration",
	"threads":      "threads",
	"threshold":    "threshold",
	"top-n":        "top_n",
	"class-offset": "class_offset",
	"full-scan":    "full_scan",
	"listen":       "listen",
	"static-dir":   "static_dir",
	"redis":        "redis",
	"cache-ttl":    "cache_ttl",
	"log-level":    "log_level",
}

func main() {
	app := &cli.App{
		Name:  "tflite-pipeline",
		Usage: "classify images or detect objects with a TensorFlow Lite or ONNX model",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a YAML config file"},
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "path to model file (.tflite or .onnx)"},
			&cli.StringFlag{Name: "labels", Aliases: []string{"l"}, Usage: "path to label file"},
			&cli.BoolFlag{Name: "acceleration", Usage: "use an accelerator (EdgeTPU, CUDA) when available"},
			&cli.IntFlag{Name: "threads", Usage: "number of inference threads"},
			&cli.Float64Flag{Name: "threshold", Usage: "minimum confidence of reported results"},
			&cli.IntFlag{Name: "top-n", Usage: "number of classes reported by classifiers"},
			&cli.IntFlag{Name: "class-offset", Usage: "offset added to detected class ids"},
			&cli.BoolFlag{Name: "full-scan", Usage: "examine every detection instead of stopping at the first low score"},
			&cli.StringFlag{Name: "log-level", Usage: "panic, fatal, error, warn, info, debug or trace"},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "serve the model over HTTP",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Usage: "HTTP listen address"},
					&cli.StringFlag{Name: "static-dir", Usage: "directory served at /"},
					&cli.StringFlag{Name: "redis", Usage: "Redis address of the result cache, empty to disable"},
					&cli.DurationFlag{Name: "cache-ttl", Usage: "lifetime of cached results"},
				},
				Action: serve,
			},
			{
				Name:      "run",
				Usage:     "run the model on image files and print the results as JSON lines",
				ArgsUsage: "IMAGE...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "annotate", Usage: "write annotated copies of the images to this directory"},
				},
				Action: run,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	overrides := map[string]any{}
	for flag, key := range configKeys {
		if c.IsSet(flag) {
			overrides[key] = c.Value(flag)
		}
	}
	cfg, err := config.Load(c.String("config"), overrides)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return cfg, nil
}

// openPipeline loads the configured model. The returned release function
// must be called once the pipeline is no longer used.
func openPipeline(cfg *config.Config, log logrus.FieldLogger) (*pipeline.Pipeline, func(), error) {
	loader := selectLoader(cfg.Model, log)
	p := pipeline.New(loader, log)
	release := func() {
		p.Close()
		releaseLoader(loader, log)
		metrics.SetReady(false)
	}
	err := p.Init(cfg.Pipeline())
	metrics.SetReady(err == nil)
	return p, release, err
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, release, err := openPipeline(cfg, log)
	defer release()
	if err != nil {
		// keep serving: /status reports the model as not ready
		log.WithError(err).Error("model not loaded")
	}

	worker := pipeline.NewWorker(p, log)
	worker.Start(ctx)
	defer worker.Stop()

	opts := server.Options{
		StaticDir: cfg.StaticDir,
		Decode:    decodeImage,
		Annotate:  annotateJPEG,
		Log:       log,
	}
	if cfg.Redis != "" {
		results, err := cache.New(ctx, cfg.Redis, cfg.CacheTTL, log)
		if err != nil {
			log.WithError(err).Warn("result cache disabled")
		} else {
			defer results.Close()
			opts.Cache = results
		}
	}

	return server.New(p, worker, opts).Run(ctx, cfg.Listen)
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("no image given", 1)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := logrus.StandardLogger()

	p, release, err := openPipeline(cfg, log)
	defer release()
	if err != nil {
		return err
	}

	outDir := c.String("annotate")
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(c.App.Writer)
	failed := 0
	for _, path := range c.Args().Slice() {
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			log.WithError(err).WithField("image", path).Error("cannot open image")
			failed++
			continue
		}
		res, err := p.Run(img)
		if err != nil {
			log.WithError(err).WithField("image", path).Error("inference failed")
			failed++
			continue
		}
		if err := enc.Encode(struct {
			Image string `json:"image"`
			*pipeline.Result
		}{path, res}); err != nil {
			return err
		}
		if outDir != "" {
			out := filepath.Join(outDir, filepath.Base(path))
			if err := writeAnnotated(out, img, res); err != nil {
				log.WithError(err).WithField("image", path).Error("cannot write annotated image")
			}
		}
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d images failed", failed, c.NArg()), 1)
	}
	return nil
}
