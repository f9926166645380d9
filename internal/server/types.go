package server

import (
	"github.com/replicate/captioner/internal/inference"
)

type Status string

const (
	StatusReady    Status = "READY"
	StatusDraining Status = "DRAINING"
)

type AnalyzeResponse struct {
	Description string `json:"description"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ModelInfo struct {
	Name      string `json:"name"`
	MaxTokens int    `json:"max_tokens"`
}

type HealthCheck struct {
	Status      Status                `json:"status"`
	StartedAt   string                `json:"started_at"`
	Model       ModelInfo             `json:"model"`
	Concurrency inference.Concurrency `json:"concurrency"`
	Version     string                `json:"version"`
}
