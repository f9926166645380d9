package main

import (
	"time"

	"github.com/replicate/captioner/internal/config"
)

// ModelFlags select and load the model; shared by every command.
type ModelFlags struct {
	Model          string        `help:"Model directory, hub repository (org/name or hf://org/name) or s3://bucket/prefix" default:"${default_model}" env:"CAPTIONER_MODEL"`
	ModelRevision  string        `help:"Hub revision to download" name:"model-revision" default:"main" env:"CAPTIONER_MODEL_REVISION"`
	CacheDir       string        `help:"Directory for downloaded model files" name:"cache-dir" default:"${default_cache_dir}" env:"CAPTIONER_CACHE_DIR"`
	HFToken        string        `help:"Hugging Face access token for gated or private repositories" name:"hf-token" env:"CAPTIONER_HF_TOKEN,HF_TOKEN"`
	HFEndpoint     string        `help:"Hugging Face hub endpoint" name:"hf-endpoint" default:"https://huggingface.co" env:"CAPTIONER_HF_ENDPOINT,HF_ENDPOINT"`
	S3Endpoint     string        `help:"Custom S3 endpoint for s3:// model sources" name:"s3-endpoint" env:"CAPTIONER_S3_ENDPOINT"`
	S3AccessKeyID  string        `help:"S3 access key ID (defaults to the AWS credential chain)" name:"s3-access-key-id" env:"CAPTIONER_S3_ACCESS_KEY_ID"`
	S3SecretKey    string        `help:"S3 secret access key" name:"s3-secret-access-key" env:"CAPTIONER_S3_SECRET_ACCESS_KEY"`
	ONNXLibrary    string        `help:"Path to the ONNX Runtime shared library" name:"onnx-library" env:"CAPTIONER_ONNX_LIBRARY"`
	Device         config.Device `help:"Execution device" enum:"cpu,cuda" default:"cpu" env:"CAPTIONER_DEVICE"`
	DeviceID       int           `help:"CUDA device ordinal" name:"device-id" default:"0" env:"CAPTIONER_DEVICE_ID"`
	IntraOpThreads int           `help:"Threads per inference (0 lets ONNX Runtime decide)" name:"intra-op-threads" default:"0" env:"CAPTIONER_INTRA_OP_THREADS"`
	MaxTokens      int           `help:"Maximum caption length in tokens, including the start token" name:"max-tokens" default:"100" env:"CAPTIONER_MAX_TOKENS"`
}

// InferenceFlags bound how captions are computed.
type InferenceFlags struct {
	MaxConcurrency   int           `help:"Concurrent inferences (0 for auto-detect)" name:"max-concurrency" default:"0" env:"CAPTIONER_MAX_CONCURRENCY"`
	InferenceTimeout time.Duration `help:"Deadline for queueing plus generation of one caption" name:"inference-timeout" default:"60s" env:"CAPTIONER_INFERENCE_TIMEOUT"`
	MaxPixels        int           `help:"Largest accepted image, in pixels" name:"max-pixels" default:"40000000" env:"CAPTIONER_MAX_PIXELS"`
}

func (f *ModelFlags) apply(cfg *config.Config) {
	cfg.Model = f.Model
	cfg.ModelRevision = f.ModelRevision
	cfg.CacheDir = f.CacheDir
	cfg.HFToken = f.HFToken
	cfg.HFEndpoint = f.HFEndpoint
	cfg.S3Endpoint = f.S3Endpoint
	cfg.S3AccessKeyID = f.S3AccessKeyID
	cfg.S3SecretAccessKey = f.S3SecretKey
	cfg.ONNXLibrary = f.ONNXLibrary
	cfg.Device = f.Device
	cfg.DeviceID = f.DeviceID
	cfg.IntraOpThreads = f.IntraOpThreads
	cfg.MaxTokens = f.MaxTokens
}

func (f *InferenceFlags) apply(cfg *config.Config) {
	cfg.MaxConcurrency = f.MaxConcurrency
	cfg.InferenceTimeout = f.InferenceTimeout
	cfg.MaxPixels = f.MaxPixels
}
