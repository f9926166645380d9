// Package inference schedules caption generation on a bounded pool of
// worker slots.
package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/replicate/captioner/internal/cache"
	"github.com/replicate/captioner/internal/errs"
	"github.com/replicate/captioner/internal/imagedec"
	"github.com/replicate/captioner/internal/logging"
	"github.com/replicate/captioner/internal/metrics"
	"github.com/replicate/captioner/internal/model"
)

var ErrStopped = errors.New("inference service is stopped")

const cacheWriteTimeout = 2 * time.Second

// Captioner is the model surface the service needs; *model.Handle
// implements it.
type Captioner interface {
	Caption(ctx context.Context, img image.Image) (*model.Result, error)
	Name() string
	MaxTokens() int
}

// Cache stores results by content key.
type Cache interface {
	Get(ctx context.Context, key string) (*model.Result, bool, error)
	Set(ctx context.Context, key string, res *model.Result) error
}

type Options struct {
	MaxConcurrency int
	// Timeout bounds queueing plus generation for a single call.
	Timeout time.Duration
	Cache   Cache
	Metrics *metrics.Metrics
}

type Concurrency struct {
	Max     int `json:"max"`
	Current int `json:"current"`
}

type Service struct {
	model   Captioner
	slots   *semaphore.Weighted
	max     int
	current atomic.Int64
	timeout time.Duration
	cache   Cache
	metrics *metrics.Metrics

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	logger *logging.Logger
}

func New(m Captioner, opts Options, baseLogger *logging.Logger) *Service {
	maxConcurrency := max(1, opts.MaxConcurrency)
	met := opts.Metrics
	if met == nil {
		met = metrics.Nop()
	}
	return &Service{
		model:   m,
		slots:   semaphore.NewWeighted(int64(maxConcurrency)),
		max:     maxConcurrency,
		timeout: opts.Timeout,
		cache:   opts.Cache,
		metrics: met,
		logger:  baseLogger.Named("inference"),
	}
}

// Caption generates the caption for img. The call returns when the result
// is ready or the timeout expires, whichever is first; on timeout the
// worker keeps its slot until generation observes the cancellation.
func (s *Service) Caption(ctx context.Context, img *imagedec.Image) (*model.Result, error) {
	log := s.logger.Sugar()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if !s.track() {
		return nil, errs.Inference(ErrStopped, "server shutting down")
	}
	defer s.wg.Done()

	key := ""
	if s.cache != nil && img.Digest != "" {
		key = cache.Key(s.model.Name(), s.model.MaxTokens(), img.Digest)
		if res := s.lookup(ctx, key); res != nil {
			return res, nil
		}
	}

	if err := s.claimSlot(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Debugw("caller went away while queued", "error", err)
		} else {
			log.Warnw("no worker slot before deadline", "error", err, "max", s.max)
		}
		return nil, classify(err)
	}

	type outcome struct {
		res *model.Result
		err error
	}
	done := make(chan outcome, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		start := time.Now()
		s.metrics.InferenceStarted()
		res, err := s.model.Caption(ctx, img.Pixels)
		elapsed := time.Since(start)
		if err == nil {
			s.metrics.InferenceFinished(elapsed, res.Tokens, true)
			log.Debugw("generated caption", "tokens", res.Tokens, "truncated", res.Truncated, "duration", elapsed)
		} else {
			s.metrics.InferenceFinished(elapsed, 0, false)
		}
		s.releaseSlot()
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() == nil {
				log.Errorw("inference failed", "error", out.err, "format", img.Format, "width", img.Width(), "height", img.Height())
			}
			return nil, classify(out.err)
		}
		if key != "" {
			s.store(key, out.res)
		}
		return out.res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			log.Debugw("caller went away during inference", "error", ctx.Err())
		} else {
			log.Warnw("inference abandoned", "error", ctx.Err(), "timeout", s.timeout)
		}
		return nil, classify(ctx.Err())
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Inference(err, "inference timed out")
	case errors.Is(err, context.Canceled):
		return errs.Inference(err, "request canceled")
	case errors.Is(err, model.ErrEmptyCaption):
		return errs.Inference(err, "model produced an empty caption")
	case errors.Is(err, model.ErrClosed):
		return errs.Inference(fmt.Errorf("%w: %w", ErrStopped, err), "server shutting down")
	default:
		return errs.Inference(err, "inference failed")
	}
}

func (s *Service) lookup(ctx context.Context, key string) *model.Result {
	res, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		s.metrics.CacheLookup(metrics.CacheError)
		s.logger.Sugar().Warnw("caption cache lookup failed", "error", err)
		return nil
	case !ok:
		s.metrics.CacheLookup(metrics.CacheMiss)
		return nil
	default:
		s.metrics.CacheLookup(metrics.CacheHit)
		s.logger.Sugar().Tracew("caption cache hit", "key", key)
		return res
	}
}

func (s *Service) store(key string, res *model.Result) {
	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		if err := s.cache.Set(ctx, key, res); err != nil {
			s.logger.Sugar().Warnw("caption cache write failed", "error", err)
		}
	}()
}

// track registers one unit of work unless the service is stopped.
func (s *Service) track() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) claimSlot(ctx context.Context) error {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	n := s.current.Add(1)
	s.logger.Sugar().Tracew("claimed slot", "current", n, "max", s.max)
	return nil
}

func (s *Service) releaseSlot() {
	s.logger.Trace("releasing slot")
	s.current.Add(-1)
	s.slots.Release(1)
}

func (s *Service) Concurrency() Concurrency {
	return Concurrency{Max: s.max, Current: int(s.current.Load())}
}

// Stop rejects new work and waits for in-flight generations and cache
// writes, or for ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Sugar().Info("inference drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight inference: %w", ctx.Err())
	}
}

// Stopped reports whether Stop has been called.
func (s *Service) Stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}
