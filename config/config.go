// Package config loads the service and pipeline settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mpromonet/tflite-pipeline/pipeline"
)

// Config holds all configuration of the server and of the one-shot runner.
type Config struct {
	// Pipeline
	Model        string  `mapstructure:"model"`
	Labels       string  `mapstructure:"labels"`
	Acceleration bool    `mapstructure:"acceleration"`
	Threads      int     `mapstructure:"threads"`
	Threshold    float64 `mapstructure:"threshold"`
	TopN         int     `mapstructure:"top_n"`
	ClassOffset  int     `mapstructure:"class_offset"`
	FullScan     bool    `mapstructure:"full_scan"`

	// Server
	Listen    string `mapstructure:"listen"`
	StaticDir string `mapstructure:"static_dir"`

	// Result cache, disabled when Redis is empty
	Redis    string        `mapstructure:"redis"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	LogLevel string `mapstructure:"log_level"`
}

const envPrefix = "TFLITE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("model", "models/ssd_mobilenet_v1_coco_quant_postprocess.tflite")
	v.SetDefault("labels", "models/coco_labels.txt")
	v.SetDefault("acceleration", false)
	v.SetDefault("threads", 1)
	v.SetDefault("threshold", 0.5)
	v.SetDefault("top_n", pipeline.DefaultTopN)
	v.SetDefault("class_offset", 1)
	v.SetDefault("full_scan", false)
	v.SetDefault("listen", ":8080")
	v.SetDefault("static_dir", "static")
	v.SetDefault("redis", "")
	v.SetDefault("cache_ttl", 10*time.Minute)
	v.SetDefault("log_level", "info")
}

// Load reads configuration from defaults, an optional YAML file, TFLITE_*
// environment variables and overrides, in increasing priority. With an empty
// configPath a config.yaml is looked up in the working directory and in
// /etc/tflite-pipeline, and its absence is not an error. Overrides are
// typically the command line flags the user actually set.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tflite-pipeline/")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("invalid threshold: %v, must be within [0, 1]", c.Threshold)
	}
	if c.Threads < 1 {
		return fmt.Errorf("invalid threads: %d", c.Threads)
	}
	if c.TopN < 1 {
		return fmt.Errorf("invalid top_n: %d", c.TopN)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("invalid cache_ttl: %v", c.CacheTTL)
	}
	return nil
}

// Pipeline returns the part of the configuration read by pipeline.Init.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		ModelPath:    c.Model,
		LabelsPath:   c.Labels,
		Acceleration: c.Acceleration,
		NumThreads:   c.Threads,
		Threshold:    float32(c.Threshold),
		TopN:         c.TopN,
		ClassOffset:  c.ClassOffset,
		FullScan:     c.FullScan,
	}
}
