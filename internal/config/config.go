package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

const (
	TimeFormat = "2006-01-02T15:04:05.999999-07:00"

	DefaultModel           = "Salesforce/blip-image-captioning-large"
	DefaultRevision        = "main"
	DefaultMaxTokens       = 100
	DefaultMaxRequestBytes = 20 << 20
	DefaultMaxPixels       = 40_000_000
)

type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// Config holds all configuration for the captioning service
type Config struct {
	// Server configuration
	Host                  string
	Port                  int
	AwaitExplicitShutdown bool
	ShutdownTimeout       time.Duration

	// Model configuration
	Model         string
	ModelRevision string
	CacheDir      string
	HFToken       string
	HFEndpoint    string
	S3Endpoint    string

	// Static S3 keys; the default AWS credential chain is used when empty
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Runtime configuration
	ONNXLibrary    string
	Device         Device
	DeviceID       int
	IntraOpThreads int

	// Inference configuration
	MaxConcurrency   int
	MaxTokens        int
	InferenceTimeout time.Duration

	// Request limits
	MaxRequestBytes int64
	MaxPixels       int

	// Caption cache; disabled when RedisAddr is empty
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration
}

// Validate reports the first setting that cannot be served.
func (c Config) Validate() error {
	switch {
	case c.Model == "":
		return errors.New("model must be set")
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.Device != DeviceCPU && c.Device != DeviceCUDA:
		return fmt.Errorf("unsupported device %q, expected %q or %q", c.Device, DeviceCPU, DeviceCUDA)
	case c.MaxTokens < 2:
		return fmt.Errorf("max tokens must be at least 2, got %d", c.MaxTokens)
	case c.MaxConcurrency < 0:
		return fmt.Errorf("max concurrency must not be negative, got %d", c.MaxConcurrency)
	case c.IntraOpThreads < 0:
		return fmt.Errorf("intra-op threads must not be negative, got %d", c.IntraOpThreads)
	case c.InferenceTimeout <= 0:
		return errors.New("inference timeout must be positive")
	case c.MaxRequestBytes <= 0:
		return errors.New("max request bytes must be positive")
	case c.MaxPixels <= 0:
		return errors.New("max pixels must be positive")
	case (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == ""):
		return errors.New("S3 access key ID and secret access key must be set together")
	case c.RedisAddr != "" && c.CacheTTL <= 0:
		return errors.New("cache TTL must be positive when the caption cache is enabled")
	}
	return nil
}

// Concurrency resolves MaxConcurrency. 0 means one slot per IntraOpThreads
// worth of CPUs, or a single slot when ONNX Runtime sizes its own thread
// pool, since that pool already spans every core.
func (c Config) Concurrency() int {
	if c.MaxConcurrency > 0 {
		return c.MaxConcurrency
	}
	if c.IntraOpThreads <= 0 {
		return 1
	}
	return max(1, runtime.NumCPU()/c.IntraOpThreads)
}

// CacheEnabled reports whether captions are cached in Redis.
func (c Config) CacheEnabled() bool {
	return c.RedisAddr != ""
}
