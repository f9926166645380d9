// Package modeltest provides a tiny model directory and a deterministic
// runtime that captions solid-colour images without ONNX Runtime.
package modeltest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replicate/captioner/internal/model"
)

// Vocabulary of the fake model. [DEC] and [ENC] come from added_tokens.json.
var Vocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"a", "picture", "of", "white", "black", "red", "green", "blue", "gray", "square", ".", "##s",
}

const (
	SEP      = 3
	DEC      = 17
	ENC      = 18
	VocabLen = 19

	ImageSize = 8
	PatchSize = 4
	Hidden    = 3
)

// WriteModelDir writes a loadable model directory (without ONNX graphs
// unless withGraphs is set) and returns its path.
func WriteModelDir(t *testing.T, withGraphs bool) string {
	t.Helper()

	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, model.ConfigFile), map[string]any{
		"architectures": []string{"BlipForConditionalGeneration"},
		"text_config": map[string]any{
			"vocab_size":   VocabLen,
			"bos_token_id": DEC,
			"sep_token_id": SEP,
			"pad_token_id": 0,
		},
		"vision_config": map[string]any{
			"image_size":  ImageSize,
			"patch_size":  PatchSize,
			"hidden_size": Hidden,
		},
	})
	writeJSON(t, filepath.Join(dir, model.PreprocessorFile), map[string]any{
		"do_resize":      true,
		"do_rescale":     true,
		"do_normalize":   true,
		"size":           map[string]int{"height": ImageSize, "width": ImageSize},
		"resample":       model.ResampleBicubic,
		"rescale_factor": 1.0 / 255.0,
		"image_mean":     []float64{0.5, 0.5, 0.5},
		"image_std":      []float64{0.5, 0.5, 0.5},
	})
	writeJSON(t, filepath.Join(dir, model.AddedTokensFile), map[string]int{"[DEC]": DEC, "[ENC]": ENC})
	writeJSON(t, filepath.Join(dir, model.SpecialTokensFile), map[string]any{
		"bos_token":                 "[DEC]",
		"cls_token":                 "[CLS]",
		"mask_token":                "[MASK]",
		"pad_token":                 "[PAD]",
		"sep_token":                 "[SEP]",
		"unk_token":                 map[string]any{"content": "[UNK]"},
		"additional_special_tokens": []string{"[ENC]"},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, model.VocabFile), []byte(strings.Join(Vocab, "\n")+"\n"), 0o644))

	if withGraphs {
		for _, f := range []string{model.VisionModelFile, model.TextDecoderFile} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("onnx"), 0o644))
		}
	}
	return dir
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	bs, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bs, 0o644))
}

// Runtime classifies the mean colour of the encoder input and spells out
// "a picture of a <colour> square." one token per Decode call.
type Runtime struct {
	// StepDelay is slept before every Decode, honouring ctx.
	StepDelay time.Duration
	// NeverEnd suppresses the end-of-sequence token.
	NeverEnd bool
	// Mute ends every sequence at the first step.
	Mute bool
	// Err, when set, is returned by Encode.
	Err error

	Encodes  atomic.Int64
	Decodes  atomic.Int64
	inFlight atomic.Int64
	MaxSeen  atomic.Int64
	closed   atomic.Bool

	mu     sync.Mutex
	closes int
}

var _ model.Runtime = (*Runtime)(nil)

// Opener returns a model.RuntimeOpener yielding rt.
func (rt *Runtime) Opener() model.RuntimeOpener {
	return func(string, *model.Config) (model.Runtime, error) { return rt, nil }
}

func (rt *Runtime) Encode(ctx context.Context, in *model.Inputs) (*model.Hidden, error) {
	rt.Encodes.Add(1)
	if rt.Err != nil {
		return nil, rt.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plane := int(in.Shape[2] * in.Shape[3])
	var means [3]float32
	for c := 0; c < 3; c++ {
		var sum float32
		for _, v := range in.Pixels[c*plane : (c+1)*plane] {
			sum += v
		}
		means[c] = sum / float32(plane)
	}

	seq := int64(ImageSize/PatchSize)*int64(ImageSize/PatchSize) + 1
	data := make([]float32, 0, seq*Hidden)
	for i := int64(0); i < seq; i++ {
		data = append(data, means[:]...)
	}
	return &model.Hidden{Data: data, Shape: [3]int64{1, seq, Hidden}}, nil
}

func (rt *Runtime) Decode(ctx context.Context, ids []int64, enc *model.Hidden) ([]float32, error) {
	rt.Decodes.Add(1)
	n := rt.inFlight.Add(1)
	defer rt.inFlight.Add(-1)
	for {
		seen := rt.MaxSeen.Load()
		if n <= seen || rt.MaxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if rt.StepDelay > 0 {
		select {
		case <-time.After(rt.StepDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	script := Script(enc.Data[0], enc.Data[1], enc.Data[2])
	step := len(ids) - 1
	next := int64(SEP)
	switch {
	case rt.Mute:
	case step < len(script):
		next = script[step]
	case rt.NeverEnd:
		next = script[step%len(script)]
	}

	logits := make([]float32, VocabLen)
	logits[next] = 1
	return logits, nil
}

func (rt *Runtime) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.closes++
	rt.closed.Store(true)
	return nil
}

func (rt *Runtime) Closed() bool { return rt.closed.Load() }

func (rt *Runtime) CloseCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closes
}

// Script is the token sequence for an image whose normalized channel means
// are r, g and b.
func Script(r, g, b float32) []int64 {
	return []int64{5, 6, 7, 5, colour(r, g, b), 14, 15}
}

// Caption is the text Script decodes to for the named colour.
func Caption(colour string) string {
	return "a picture of a " + colour + " square."
}

func colour(r, g, b float32) int64 {
	const (
		white = 8
		black = 9
		red   = 10
		green = 11
		blue  = 12
		gray  = 13
	)
	switch {
	case r > 0.5 && g > 0.5 && b > 0.5:
		return white
	case r < -0.5 && g < -0.5 && b < -0.5:
		return black
	case r > 0.5 && g < 0 && b < 0:
		return red
	case g > 0.5 && r < 0 && b < 0:
		return green
	case b > 0.5 && r < 0 && g < 0:
		return blue
	default:
		return gray
	}
}
