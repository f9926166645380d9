package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/replicate/captioner/internal/config"
	"github.com/replicate/captioner/internal/errs"
	"github.com/replicate/captioner/internal/imagedec"
	"github.com/replicate/captioner/internal/inference"
	"github.com/replicate/captioner/internal/logging"
	"github.com/replicate/captioner/internal/model"
	"github.com/replicate/captioner/internal/service"
)

type CaptionCmd struct {
	ModelFlags     `embed:""`
	InferenceFlags `embed:""`

	Files []string `arg:"" help:"Image files to caption" type:"existingfile"`
}

func (c *CaptionCmd) Run() error {
	return c.run(context.Background(), os.Stdout, nil, logging.New("captioner"))
}

// run captions every file with one loaded model, printing "file: caption"
// lines in argument order. Files that fail are reported and counted.
func (c *CaptionCmd) run(ctx context.Context, out io.Writer, open model.RuntimeOpener, baseLogger *logging.Logger) error {
	log := baseLogger.Sugar()

	var cfg config.Config
	c.ModelFlags.apply(&cfg)
	c.InferenceFlags.apply(&cfg)

	handle, err := service.LoadModel(ctx, cfg, open, baseLogger)
	if err != nil {
		return err
	}
	defer handle.Close()

	svc := inference.New(handle, inference.Options{
		MaxConcurrency: cfg.Concurrency(),
		Timeout:        cfg.InferenceTimeout,
	}, baseLogger)
	decoder := imagedec.New(cfg.MaxPixels)

	captions, failures := captionFiles(ctx, c.Files, cfg.Concurrency(), func(ctx context.Context, path string) (string, error) {
		res, err := captionFile(ctx, svc, decoder, path)
		if err != nil {
			return "", err
		}
		return res.Text, nil
	})

	failed := 0
	for i, path := range c.Files {
		if failures[i] != nil {
			failed++
			log.Errorw("failed to caption image", "file", path, "error", failures[i])
			fmt.Fprintf(out, "%s: error: %s\n", path, errs.PublicMessage(failures[i], failures[i].Error()))
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", path, captions[i])
	}

	if err := svc.Stop(ctx); err != nil {
		log.Warnw("failed to drain inference", "error", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(c.Files))
	}
	return nil
}

// captionFiles runs caption over files with at most limit files read and
// decoded at once. Results and errors are indexed like files.
func captionFiles(ctx context.Context, files []string, limit int, caption func(context.Context, string) (string, error)) ([]string, []error) {
	captions := make([]string, len(files))
	failures := make([]error, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, limit))
	for i, path := range files {
		g.Go(func() error {
			captions[i], failures[i] = caption(gctx, path)
			return nil
		})
	}
	_ = g.Wait()
	return captions, failures
}

func captionFile(ctx context.Context, svc *inference.Service, decoder *imagedec.Decoder, path string) (*model.Result, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user supplied input file
	if err != nil {
		return nil, err
	}
	img, err := decoder.DecodeBytes(data, mime.TypeByExtension(filepath.Ext(path)))
	if err != nil {
		return nil, err
	}
	return svc.Caption(ctx, img)
}
