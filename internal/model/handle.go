package model

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
)

const DefaultMaxTokens = 100

var (
	ErrClosed       = errors.New("model handle is closed")
	ErrEmptyCaption = errors.New("model produced an empty caption")
)

// Result is the outcome of one generation.
type Result struct {
	Text string `json:"text"`
	// Tokens counts generated tokens, excluding the start token.
	Tokens int `json:"tokens"`
	// Truncated is set when the token cap was reached before end of sequence.
	Truncated bool `json:"truncated"`
	Cached    bool `json:"-"`
}

type Options struct {
	// Name identifies the weights, e.g. "Salesforce/blip-image-captioning-large@main".
	Name string
	// MaxTokens caps the sequence length including the start token.
	MaxTokens int
}

// Handle is a loaded captioning model. It is immutable after Load and safe
// for concurrent use until Close.
type Handle struct {
	name      string
	cfg       *Config
	vocab     *Vocab
	pre       *Preprocessor
	rt        Runtime
	maxTokens int

	mu     sync.RWMutex
	closed bool
}

// Load reads the model description from dir and opens its runtime.
func Load(dir string, open RuntimeOpener, opts Options) (*Handle, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	vocab, err := LoadVocab(dir)
	if err != nil {
		return nil, err
	}
	rt, err := open(dir, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open model runtime: %w", err)
	}
	return New(cfg, vocab, rt, opts), nil
}

// New assembles a handle from already loaded parts.
func New(cfg *Config, vocab *Vocab, rt Runtime, opts Options) *Handle {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	vocab.MarkSpecial(cfg.BOS, cfg.EOS, cfg.Pad)
	return &Handle{
		name:      opts.Name,
		cfg:       cfg,
		vocab:     vocab,
		pre:       NewPreprocessor(cfg.Preprocess),
		rt:        rt,
		maxTokens: maxTokens,
	}
}

func (h *Handle) Name() string    { return h.name }
func (h *Handle) Config() *Config { return h.cfg }
func (h *Handle) MaxTokens() int  { return h.maxTokens }

// Prepare converts img into encoder inputs.
func (h *Handle) Prepare(img image.Image) (*Inputs, error) {
	return h.pre.Prepare(img)
}

// Caption prepares img and generates its caption.
func (h *Handle) Caption(ctx context.Context, img image.Image) (*Result, error) {
	in, err := h.Prepare(img)
	if err != nil {
		return nil, err
	}
	return h.Generate(ctx, in)
}

// Generate decodes greedily from the start token until end of sequence or
// until the sequence holds MaxTokens ids. Ties pick the lowest id, so the
// same inputs always produce the same text.
func (h *Handle) Generate(ctx context.Context, in *Inputs) (*Result, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrClosed
	}

	enc, err := h.rt.Encode(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("vision encoder: %w", err)
	}

	ids := make([]int64, 1, h.maxTokens)
	ids[0] = h.cfg.BOS
	finished := false
	for len(ids) < h.maxTokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits, err := h.rt.Decode(ctx, ids, enc)
		if err != nil {
			return nil, fmt.Errorf("text decoder step %d: %w", len(ids), err)
		}
		if len(logits) == 0 {
			return nil, fmt.Errorf("text decoder step %d: empty logits", len(ids))
		}
		next := argmax(logits)
		ids = append(ids, next)
		if next == h.cfg.EOS {
			finished = true
			break
		}
	}

	generated := ids[1:]
	if finished {
		generated = generated[:len(generated)-1]
	}
	text := h.vocab.Decode(generated)
	if text == "" {
		return nil, fmt.Errorf("%w after %d tokens", ErrEmptyCaption, len(ids)-1)
	}
	return &Result{
		Text:      text,
		Tokens:    len(ids) - 1,
		Truncated: !finished,
	}, nil
}

// Close releases the runtime. Generations in flight finish first; later
// calls fail with ErrClosed.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.rt.Close()
}

func argmax(logits []float32) int64 {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return int64(best)
}
