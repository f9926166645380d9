// Package onnx runs exported captioning graphs with ONNX Runtime.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/replicate/captioner/internal/logging"
	"github.com/replicate/captioner/internal/model"
)

type Options struct {
	// LibraryPath points at libonnxruntime; empty uses the platform default.
	LibraryPath    string
	CUDA           bool
	DeviceID       int
	IntraOpThreads int
}

var (
	envMu   sync.Mutex
	envRefs int
)

// acquireEnvironment initializes the process-wide ONNX Runtime environment
// on first use. Every call must be paired with releaseEnvironment.
func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs > 0 {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("failed to destroy ONNX Runtime environment: %w", err)
	}
	return nil
}

// Runtime implements model.Runtime over two sessions: the vision encoder
// and the text decoder. Sessions are shared and Run is called concurrently.
type Runtime struct {
	encoder *ort.DynamicAdvancedSession
	decoder *ort.DynamicAdvancedSession

	enc encoderSignature
	dec decoderSignature

	patchSize int64
	hidden    int64
	vocabSize int64

	logger *logging.Logger
}

var _ model.Runtime = (*Runtime)(nil)

// Opener adapts Open to model.RuntimeOpener.
func Opener(opts Options, logger *logging.Logger) model.RuntimeOpener {
	return func(dir string, cfg *model.Config) (model.Runtime, error) {
		return Open(dir, cfg, opts, logger)
	}
}

func Open(dir string, cfg *model.Config, opts Options, logger *logging.Logger) (rt *Runtime, err error) {
	log := logger.Named("onnx").Sugar()

	if err := acquireEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = releaseEnvironment()
		}
	}()

	encPath := filepath.Join(dir, model.VisionModelFile)
	decPath := filepath.Join(dir, model.TextDecoderFile)

	encIn, encOut, err := ort.GetInputOutputInfo(encPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", model.VisionModelFile, err)
	}
	encSig, err := resolveEncoder(encIn, encOut)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", model.VisionModelFile, err)
	}
	decIn, decOut, err := ort.GetInputOutputInfo(decPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", model.TextDecoderFile, err)
	}
	decSig, err := resolveDecoder(decIn, decOut)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", model.TextDecoderFile, err)
	}

	sessOpts, err := newSessionOptions(opts)
	if err != nil {
		return nil, err
	}
	defer sessOpts.Destroy()

	encoder, err := ort.NewDynamicAdvancedSession(encPath, []string{encSig.pixels}, []string{encSig.output}, sessOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision encoder session: %w", err)
	}
	decoder, err := ort.NewDynamicAdvancedSession(decPath, decSig.inputNames(), []string{decSig.logits}, sessOpts)
	if err != nil {
		_ = encoder.Destroy()
		return nil, fmt.Errorf("failed to create text decoder session: %w", err)
	}

	vocab := int64(cfg.VocabSize)
	if decSig.vocabSize > 0 {
		vocab = decSig.vocabSize
	}

	log.Infow("loaded ONNX graphs",
		"dir", dir,
		"cuda", opts.CUDA,
		"intra_op_threads", opts.IntraOpThreads,
		"decoder_inputs", decSig.inputNames(),
		"vocab_size", vocab,
	)

	return &Runtime{
		encoder:   encoder,
		decoder:   decoder,
		enc:       encSig,
		dec:       decSig,
		patchSize: int64(cfg.PatchSize),
		hidden:    int64(cfg.VisionHidden),
		vocabSize: vocab,
		logger:    logger.Named("onnx"),
	}, nil
}

func newSessionOptions(opts Options) (*ort.SessionOptions, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if opts.IntraOpThreads > 0 {
		if err := so.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			_ = so.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	if opts.CUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			_ = so.Destroy()
			return nil, fmt.Errorf("failed to create CUDA provider options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(opts.DeviceID)}); err != nil {
			_ = so.Destroy()
			return nil, fmt.Errorf("failed to configure CUDA device %d: %w", opts.DeviceID, err)
		}
		if err := so.AppendExecutionProviderCUDA(cuda); err != nil {
			_ = so.Destroy()
			return nil, fmt.Errorf("failed to enable CUDA execution provider: %w", err)
		}
	}
	return so, nil
}

func (r *Runtime) Encode(ctx context.Context, in *model.Inputs) (*model.Hidden, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pixels, err := ort.NewTensor(ort.NewShape(in.Shape[:]...), in.Pixels)
	if err != nil {
		return nil, fmt.Errorf("failed to create pixel tensor: %w", err)
	}
	defer pixels.Destroy()

	seq := (in.Shape[2]/r.patchSize)*(in.Shape[3]/r.patchSize) + 1
	shape := [3]int64{in.Shape[0], seq, r.hidden}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(shape[:]...))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate encoder output: %w", err)
	}
	defer out.Destroy()

	if err := r.encoder.Run([]ort.ArbitraryTensor{pixels}, []ort.ArbitraryTensor{out}); err != nil {
		return nil, fmt.Errorf("vision encoder run failed: %w", err)
	}
	return &model.Hidden{Data: slices.Clone(out.GetData()), Shape: shape}, nil
}

func (r *Runtime) Decode(ctx context.Context, ids []int64, enc *model.Hidden) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.New("empty decoder prefix")
	}

	n := int64(len(ids))
	tensors := make(map[string]ort.ArbitraryTensor, 4)
	defer func() {
		for _, t := range tensors {
			_ = t.Destroy()
		}
	}()

	add := func(name string, t ort.ArbitraryTensor, err error) error {
		if err != nil {
			return fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		tensors[name] = t
		return nil
	}

	idsT, err := ort.NewTensor(ort.NewShape(1, n), slices.Clone(ids))
	if err := add(r.dec.inputIDs, idsT, err); err != nil {
		return nil, err
	}
	hidden, err := ort.NewTensor(ort.NewShape(enc.Shape[:]...), enc.Data)
	if err := add(r.dec.encoderHidden, hidden, err); err != nil {
		return nil, err
	}
	if r.dec.attentionMask != "" {
		mask, err := ort.NewTensor(ort.NewShape(1, n), ones(n))
		if err := add(r.dec.attentionMask, mask, err); err != nil {
			return nil, err
		}
	}
	if r.dec.encoderMask != "" {
		mask, err := ort.NewTensor(ort.NewShape(1, enc.Shape[1]), ones(enc.Shape[1]))
		if err := add(r.dec.encoderMask, mask, err); err != nil {
			return nil, err
		}
	}

	logits, err := ort.NewEmptyTensor[float32](ort.NewShape(1, n, r.vocabSize))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate logits: %w", err)
	}
	defer logits.Destroy()

	inputs := make([]ort.ArbitraryTensor, 0, len(tensors))
	for _, name := range r.dec.inputNames() {
		inputs = append(inputs, tensors[name])
	}
	if err := r.decoder.Run(inputs, []ort.ArbitraryTensor{logits}); err != nil {
		return nil, fmt.Errorf("text decoder run failed: %w", err)
	}

	data := logits.GetData()
	last := data[(n-1)*r.vocabSize : n*r.vocabSize]
	return slices.Clone(last), nil
}

func (r *Runtime) Close() error {
	var errs []error
	if r.decoder != nil {
		errs = append(errs, r.decoder.Destroy())
	}
	if r.encoder != nil {
		errs = append(errs, r.encoder.Destroy())
	}
	errs = append(errs, releaseEnvironment())
	r.logger.Sugar().Info("released ONNX sessions")
	return errors.Join(errs...)
}

func ones(n int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
