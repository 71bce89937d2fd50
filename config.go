package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tutortoise/detection-service/detections"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultAddr         = ":8001"
	DefaultModelPath    = "models/yolo11n.onnx"
	DefaultModelName    = "YOLO11n"
	DefaultMaxBodyBytes = 32 << 20
	ServerTimeout       = 60 * time.Second
	ShutdownTimeout     = 15 * time.Second
)

type Config struct {
	Addr           string
	ModelPath      string
	LabelsPath     string
	ModelName      string
	LibPath        string
	Sessions       int
	AcquireTimeout time.Duration
	MaxBodyBytes   int64
	MaxImagePixels int
	Warmup         bool
	GPUMinMemoryGB float64
	SentryDSN      string
	LogLevel       string
	LogFormat      string
	Debug          bool
}

// env collects parse failures so every bad variable is reported at once.
type env struct {
	errs []string
}

func (e *env) str(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func (e *env) integer(key string, fallback int) int {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func (e *env) boolean(key string, fallback bool) bool {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return fallback
	}
	return b
}

func (e *env) float(key string, fallback float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return fallback
	}
	return f
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return fallback
	}
	return d
}

// loadConfig reads flags from args; environment variables supply the
// defaults so either can be used.
func loadConfig(args []string) (*Config, error) {
	e := &env{}
	cfg := &Config{}

	fs := flag.NewFlagSet("detection-service", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", e.str("ADDR", DefaultAddr), "Address to listen on")
	fs.StringVar(&cfg.ModelPath, "model-path", e.str("MODEL_PATH", DefaultModelPath), "Path to the ONNX model")
	fs.StringVar(&cfg.LabelsPath, "labels-path", e.str("LABELS_PATH", ""), "Class names file, one per line (default: built-in COCO table)")
	fs.StringVar(&cfg.ModelName, "model-name", e.str("MODEL_NAME", DefaultModelName), "Model name reported by the capability endpoints")
	fs.StringVar(&cfg.LibPath, "ort-lib", e.str("ORT_LIB_PATH", ""), "Path to the ONNX Runtime shared library")
	fs.IntVar(&cfg.Sessions, "sessions", e.integer("SESSIONS", detections.DefaultPoolSize), "Number of inference sessions")
	fs.DurationVar(&cfg.AcquireTimeout, "acquire-timeout", e.duration("ACQUIRE_TIMEOUT", 0), "Max wait for a free session (0 waits indefinitely)")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", int64(e.integer("MAX_BODY_BYTES", DefaultMaxBodyBytes)), "Max request body size")
	fs.IntVar(&cfg.MaxImagePixels, "max-image-pixels", e.integer("MAX_IMAGE_PIXELS", detections.DefaultMaxImagePixels), "Max decoded image width times height")
	fs.BoolVar(&cfg.Warmup, "warmup", e.boolean("WARMUP", false), "Load the model and run a warm-up frame at startup")
	fs.Float64Var(&cfg.GPUMinMemoryGB, "gpu-min-memory", e.float("GPU_MIN_MEMORY_GB", 2), "Minimum adapter memory in GB to use CUDA")
	fs.StringVar(&cfg.SentryDSN, "sentry-dsn", e.str("SENTRY_DSN", ""), "Sentry DSN for error reporting")
	fs.StringVar(&cfg.LogLevel, "log-level", e.str("LOG_LEVEL", "info"), "Log level")
	fs.StringVar(&cfg.LogFormat, "log-format", e.str("LOG_FORMAT", "text"), "Log format (text or json)")
	fs.BoolVar(&cfg.Debug, "debug", e.boolean("DEBUG", false), "Log per-request stage timings")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %s", strings.Join(e.errs, "; "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string
	if c.Addr == "" {
		problems = append(problems, "listen address is empty")
	}
	if c.ModelPath == "" {
		problems = append(problems, "model path is empty")
	}
	if c.Sessions < 1 {
		problems = append(problems, fmt.Sprintf("sessions must be at least 1, got %d", c.Sessions))
	}
	if c.AcquireTimeout < 0 {
		problems = append(problems, "acquire timeout must not be negative")
	}
	if c.MaxBodyBytes <= 0 {
		problems = append(problems, "max body bytes must be positive")
	}
	if c.MaxImagePixels <= 0 {
		problems = append(problems, "max image pixels must be positive")
	}
	if c.GPUMinMemoryGB < 0 {
		problems = append(problems, "gpu minimum memory must not be negative")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.LogFormat))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

func setupLogging(c *Config) {
	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	if c.Debug && level < log.DebugLevel {
		level = log.DebugLevel
	}
	log.SetLevel(level)
}
