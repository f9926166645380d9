package model

import "context"

// Hidden holds the vision encoder output, shaped [batch, sequence, hidden].
type Hidden struct {
	Data  []float32
	Shape [3]int64
}

// Runtime executes the two graphs of a captioning model. Implementations
// must allow concurrent calls.
type Runtime interface {
	// Encode runs the vision encoder once per image.
	Encode(ctx context.Context, in *Inputs) (*Hidden, error)
	// Decode runs the text decoder over the full prefix ids and returns the
	// logits for the position after the last id.
	Decode(ctx context.Context, ids []int64, enc *Hidden) ([]float32, error)
	Close() error
}

// RuntimeOpener opens the runtime for a model directory.
type RuntimeOpener func(dir string, cfg *Config) (Runtime, error)
