package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Files making up an exported captioning model directory.
const (
	VisionModelFile   = "vision_model.onnx"
	TextDecoderFile   = "text_decoder.onnx"
	ConfigFile        = "config.json"
	PreprocessorFile  = "preprocessor_config.json"
	VocabFile         = "vocab.txt"
	SpecialTokensFile = "special_tokens_map.json"
	AddedTokensFile   = "added_tokens.json"
)

// RequiredFiles lists the files without which a model cannot be loaded.
func RequiredFiles() []string {
	return []string{VisionModelFile, TextDecoderFile, ConfigFile, PreprocessorFile, VocabFile}
}

// OptionalFiles lists files used when present.
func OptionalFiles() []string {
	return []string{SpecialTokensFile, AddedTokensFile}
}

// Resampling filters, numbered as in preprocessor_config.json.
const (
	ResampleNearest  = 0
	ResampleLanczos  = 1
	ResampleBilinear = 2
	ResampleBicubic  = 3
)

type Config struct {
	// Vision encoder geometry.
	ImageSize    int
	PatchSize    int
	VisionHidden int

	// Text decoder vocabulary and control tokens.
	VocabSize int
	BOS       int64
	EOS       int64
	Pad       int64

	Preprocess PreprocessConfig
}

type PreprocessConfig struct {
	Width, Height int
	Resample      int
	DoResize      bool
	DoRescale     bool
	DoNormalize   bool
	RescaleFactor float32
	Mean          [3]float32
	Std           [3]float32
}

// EncoderSeqLen is the number of patch embeddings plus the class embedding.
func (c *Config) EncoderSeqLen() int64 {
	n := int64(c.ImageSize / c.PatchSize)
	return n*n + 1
}

type rawConfig struct {
	TextConfig struct {
		VocabSize  int    `json:"vocab_size"`
		BOSTokenID *int64 `json:"bos_token_id"`
		SepTokenID *int64 `json:"sep_token_id"`
		EOSTokenID *int64 `json:"eos_token_id"`
		PadTokenID *int64 `json:"pad_token_id"`
	} `json:"text_config"`
	VisionConfig struct {
		ImageSize  int `json:"image_size"`
		PatchSize  int `json:"patch_size"`
		HiddenSize int `json:"hidden_size"`
	} `json:"vision_config"`
}

type rawPreprocess struct {
	DoResize      *bool           `json:"do_resize"`
	DoRescale     *bool           `json:"do_rescale"`
	DoNormalize   *bool           `json:"do_normalize"`
	Size          json.RawMessage `json:"size"`
	Resample      *int            `json:"resample"`
	RescaleFactor *float32        `json:"rescale_factor"`
	ImageMean     []float32       `json:"image_mean"`
	ImageStd      []float32       `json:"image_std"`
}

// LoadConfig reads config.json and preprocessor_config.json from dir.
func LoadConfig(dir string) (*Config, error) {
	var raw rawConfig
	if err := readJSON(filepath.Join(dir, ConfigFile), &raw); err != nil {
		return nil, err
	}

	cfg := &Config{
		ImageSize:    raw.VisionConfig.ImageSize,
		PatchSize:    raw.VisionConfig.PatchSize,
		VisionHidden: raw.VisionConfig.HiddenSize,
		VocabSize:    raw.TextConfig.VocabSize,
	}
	if cfg.ImageSize <= 0 || cfg.PatchSize <= 0 || cfg.ImageSize%cfg.PatchSize != 0 {
		return nil, fmt.Errorf("invalid vision_config: image_size %d, patch_size %d", cfg.ImageSize, cfg.PatchSize)
	}
	if cfg.VisionHidden <= 0 {
		return nil, fmt.Errorf("invalid vision_config: hidden_size %d", cfg.VisionHidden)
	}
	if cfg.VocabSize <= 0 {
		return nil, fmt.Errorf("invalid text_config: vocab_size %d", cfg.VocabSize)
	}
	if raw.TextConfig.BOSTokenID == nil {
		return nil, errors.New("text_config has no bos_token_id")
	}
	cfg.BOS = *raw.TextConfig.BOSTokenID

	// The captioning head ends sequences with [SEP]; eos_token_id is the
	// fallback for exports that do not set it.
	switch {
	case raw.TextConfig.SepTokenID != nil:
		cfg.EOS = *raw.TextConfig.SepTokenID
	case raw.TextConfig.EOSTokenID != nil:
		cfg.EOS = *raw.TextConfig.EOSTokenID
	default:
		return nil, errors.New("text_config has neither sep_token_id nor eos_token_id")
	}
	if raw.TextConfig.PadTokenID != nil {
		cfg.Pad = *raw.TextConfig.PadTokenID
	}
	for _, id := range []int64{cfg.BOS, cfg.EOS, cfg.Pad} {
		if id < 0 || id >= int64(cfg.VocabSize) {
			return nil, fmt.Errorf("control token %d outside vocabulary of %d", id, cfg.VocabSize)
		}
	}

	pre, err := loadPreprocess(filepath.Join(dir, PreprocessorFile), cfg.ImageSize)
	if err != nil {
		return nil, err
	}
	cfg.Preprocess = pre
	return cfg, nil
}

func loadPreprocess(path string, imageSize int) (PreprocessConfig, error) {
	pre := PreprocessConfig{
		Width:         imageSize,
		Height:        imageSize,
		Resample:      ResampleBicubic,
		DoResize:      true,
		DoRescale:     true,
		DoNormalize:   true,
		RescaleFactor: 1.0 / 255.0,
		Mean:          [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:           [3]float32{0.26862954, 0.26130258, 0.27577711},
	}

	var raw rawPreprocess
	if err := readJSON(path, &raw); err != nil {
		return pre, err
	}
	if raw.DoResize != nil {
		pre.DoResize = *raw.DoResize
	}
	if raw.DoRescale != nil {
		pre.DoRescale = *raw.DoRescale
	}
	if raw.DoNormalize != nil {
		pre.DoNormalize = *raw.DoNormalize
	}
	if raw.Resample != nil {
		pre.Resample = *raw.Resample
	}
	if raw.RescaleFactor != nil {
		pre.RescaleFactor = *raw.RescaleFactor
	}
	if len(raw.Size) > 0 {
		w, h, err := parseSize(raw.Size)
		if err != nil {
			return pre, fmt.Errorf("%s: %w", path, err)
		}
		pre.Width, pre.Height = w, h
	}
	if raw.ImageMean != nil {
		if len(raw.ImageMean) != 3 {
			return pre, fmt.Errorf("%s: image_mean must have 3 values, got %d", path, len(raw.ImageMean))
		}
		copy(pre.Mean[:], raw.ImageMean)
	}
	if raw.ImageStd != nil {
		if len(raw.ImageStd) != 3 {
			return pre, fmt.Errorf("%s: image_std must have 3 values, got %d", path, len(raw.ImageStd))
		}
		copy(pre.Std[:], raw.ImageStd)
		for _, s := range pre.Std {
			if s == 0 {
				return pre, fmt.Errorf("%s: image_std must not contain zero", path)
			}
		}
	}
	if pre.Width <= 0 || pre.Height <= 0 {
		return pre, fmt.Errorf("%s: invalid size %dx%d", path, pre.Width, pre.Height)
	}
	return pre, nil
}

// parseSize accepts both the legacy integer form and the
// {"height": h, "width": w} / {"shortest_edge": n} objects.
func parseSize(raw json.RawMessage) (int, int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, n, nil
	}
	var obj struct {
		Height       int `json:"height"`
		Width        int `json:"width"`
		ShortestEdge int `json:"shortest_edge"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, 0, fmt.Errorf("invalid size: %w", err)
	}
	if obj.Height > 0 && obj.Width > 0 {
		return obj.Width, obj.Height, nil
	}
	if obj.ShortestEdge > 0 {
		return obj.ShortestEdge, obj.ShortestEdge, nil
	}
	return 0, 0, fmt.Errorf("invalid size %s", string(raw))
}

func readJSON(path string, v any) error {
	bs, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(bs, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
