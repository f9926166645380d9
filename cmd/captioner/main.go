package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"

	"github.com/replicate/captioner/internal/config"
	"github.com/replicate/captioner/internal/logging"
	"github.com/replicate/captioner/internal/service"
	"github.com/replicate/captioner/internal/version"
)

type ServeCmd struct {
	ModelFlags     `embed:""`
	InferenceFlags `embed:""`

	Host                  string        `help:"Host address to bind the HTTP server to" default:"0.0.0.0" env:"CAPTIONER_HOST"`
	Port                  int           `help:"Port number for the HTTP server" default:"5000" env:"CAPTIONER_PORT"`
	AwaitExplicitShutdown bool          `help:"Serve POST /shutdown to stop the server" name:"await-explicit-shutdown" env:"CAPTIONER_AWAIT_EXPLICIT_SHUTDOWN"`
	ShutdownTimeout       time.Duration `help:"Time to let in-flight captions finish on shutdown" name:"shutdown-timeout" default:"30s" env:"CAPTIONER_SHUTDOWN_TIMEOUT"`
	MaxRequestBytes       int64         `help:"Largest accepted request body, in bytes" name:"max-request-bytes" default:"20971520" env:"CAPTIONER_MAX_REQUEST_BYTES"`
	RedisAddr             string        `help:"Redis address for the caption cache; empty disables caching" name:"redis-addr" env:"CAPTIONER_REDIS_ADDR"`
	RedisPassword         string        `help:"Redis password" name:"redis-password" env:"CAPTIONER_REDIS_PASSWORD"`
	RedisDB               int           `help:"Redis database number" name:"redis-db" default:"0" env:"CAPTIONER_REDIS_DB"`
	CacheTTL              time.Duration `help:"Lifetime of cached captions" name:"cache-ttl" default:"24h" env:"CAPTIONER_CACHE_TTL"`
}

type FetchCmd struct {
	ModelFlags `embed:""`
}

type CLI struct {
	Config  kong.ConfigFlag  `help:"Load flag values from a YAML file"`
	Version kong.VersionFlag `help:"Show version"`

	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Start the captioning HTTP server"`
	Caption CaptionCmd `cmd:"" help:"Caption local image files"`
	Fetch   FetchCmd   `cmd:"" help:"Download the model files into the cache directory"`
}

// buildServiceConfig converts CLI ServeCmd to service configuration
func buildServiceConfig(s *ServeCmd) (config.Config, error) {
	cfg := config.Config{
		Host:                  s.Host,
		Port:                  s.Port,
		AwaitExplicitShutdown: s.AwaitExplicitShutdown,
		ShutdownTimeout:       s.ShutdownTimeout,
		MaxRequestBytes:       s.MaxRequestBytes,
		RedisAddr:             s.RedisAddr,
		RedisPassword:         s.RedisPassword,
		RedisDB:               s.RedisDB,
		CacheTTL:              s.CacheTTL,
	}
	s.ModelFlags.apply(&cfg)
	s.InferenceFlags.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (s *ServeCmd) Run() error {
	baseLogger := logging.New("captioner")
	log := baseLogger.Sugar()

	cfg, err := buildServiceConfig(s)
	if err != nil {
		return err
	}

	log.Infow("service configuration",
		"addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		"model", cfg.Model,
		"device", cfg.Device,
		"max_concurrency", cfg.Concurrency(),
		"max_tokens", cfg.MaxTokens,
		"inference_timeout", cfg.InferenceTimeout,
		"cache_enabled", cfg.CacheEnabled(),
		"version", version.Version(),
		"pid", os.Getpid(),
	)

	svc := service.New(cfg, baseLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Initialize(ctx); err != nil {
		return err
	}
	return svc.Run(ctx)
}

func (f *FetchCmd) Run() error {
	baseLogger := logging.New("captioner")
	var cfg config.Config
	f.ModelFlags.apply(&cfg)

	_, dir, err := service.FetchModel(context.Background(), cfg, baseLogger)
	if err != nil {
		return err
	}
	fmt.Println(dir) //nolint:forbidigo // command output
	return nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "captioner")
	}
	return filepath.Join(os.TempDir(), "captioner")
}

func newParser(cli *CLI, opts ...kong.Option) (*kong.Kong, error) {
	opts = append([]kong.Option{
		kong.Name("captioner"),
		kong.Description("Image captioning service"),
		kong.UsageOnError(),
		kong.Configuration(config.YAML),
		kong.Vars{
			"version":           version.Version(),
			"default_model":     config.DefaultModel,
			"default_cache_dir": defaultCacheDir(),
		},
	}, opts...)
	return kong.New(cli, opts...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		panic(err)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err) //nolint:forbidigo // main function error handling
		os.Exit(1)
	}
}
