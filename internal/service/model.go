package service

import (
	"context"

	"github.com/replicate/captioner/internal/config"
	"github.com/replicate/captioner/internal/errs"
	"github.com/replicate/captioner/internal/logging"
	"github.com/replicate/captioner/internal/model"
	"github.com/replicate/captioner/internal/onnx"
	"github.com/replicate/captioner/internal/weights"
)

// FetchModel resolves cfg.Model to a directory containing every model file,
// downloading remote sources into cfg.CacheDir.
func FetchModel(ctx context.Context, cfg config.Config, logger *logging.Logger) (weights.Source, string, error) {
	src, err := weights.ParseSource(cfg.Model, cfg.ModelRevision)
	if err != nil {
		return weights.Source{}, "", errs.Startup(err, "invalid model %q", cfg.Model)
	}
	fetcher, err := weights.NewFetcher(weights.Options{
		CacheDir:          cfg.CacheDir,
		HFToken:           cfg.HFToken,
		HFEndpoint:        cfg.HFEndpoint,
		S3Endpoint:        cfg.S3Endpoint,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
	}, logger)
	if err != nil {
		return weights.Source{}, "", errs.Startup(err, "invalid hub endpoint")
	}
	dir, err := fetcher.Fetch(ctx, src)
	if err != nil {
		return weights.Source{}, "", err
	}
	return src, dir, nil
}

// LoadModel fetches and loads the model named by cfg. A nil opener uses
// ONNX Runtime with the configured device.
func LoadModel(ctx context.Context, cfg config.Config, open model.RuntimeOpener, logger *logging.Logger) (*model.Handle, error) {
	src, dir, err := FetchModel(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if open == nil {
		open = onnx.Opener(onnx.Options{
			LibraryPath:    cfg.ONNXLibrary,
			CUDA:           cfg.Device == config.DeviceCUDA,
			DeviceID:       cfg.DeviceID,
			IntraOpThreads: cfg.IntraOpThreads,
		}, logger)
	}

	handle, err := model.Load(dir, open, model.Options{Name: src.String(), MaxTokens: cfg.MaxTokens})
	if err != nil {
		return nil, errs.Startup(err, "failed to load model %s", src)
	}
	logger.Sugar().Infow("model loaded", "model", handle.Name(), "dir", dir, "device", cfg.Device, "max_tokens", handle.MaxTokens())
	return handle, nil
}
