package server

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/replicate/captioner/internal/config"
	"github.com/replicate/captioner/internal/errs"
	"github.com/replicate/captioner/internal/imagedec"
	"github.com/replicate/captioner/internal/inference"
	"github.com/replicate/captioner/internal/logging"
	"github.com/replicate/captioner/internal/metrics"
	"github.com/replicate/captioner/internal/model"
	"github.com/replicate/captioner/internal/version"
)

const msgShuttingDown = "server shutting down"

// statusClientClosedRequest is nginx's code for a client that went away
// before the response was written.
const statusClientClosedRequest = 499

//go:embed static/index.html
var indexHTML []byte

// Captioner runs inference for decoded images; *inference.Service
// implements it.
type Captioner interface {
	Caption(ctx context.Context, img *imagedec.Image) (*model.Result, error)
	Concurrency() inference.Concurrency
	Stop(ctx context.Context) error
}

type Handler struct {
	captioner        Captioner
	decoder          *imagedec.Decoder
	model            ModelInfo
	metrics          *metrics.Metrics
	maxRequestBytes  int64
	startedAt        time.Time
	gracefulShutdown atomic.Bool

	logger *logging.Logger
}

func NewHandler(cfg config.Config, captioner Captioner, info ModelInfo, met *metrics.Metrics, baseLogger *logging.Logger) *Handler {
	maxBytes := cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxRequestBytes
	}
	if met == nil {
		met = metrics.Nop()
	}
	return &Handler{
		captioner:       captioner,
		decoder:         imagedec.New(cfg.MaxPixels),
		model:           info,
		metrics:         met,
		maxRequestBytes: maxBytes,
		startedAt:       time.Now(),
		logger:          baseLogger.Named("handler"),
	}
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	h.writeBytes(w, indexHTML)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, http.StatusOK, h.healthCheck())
}

func (h *Handler) healthCheck() HealthCheck {
	status := StatusReady
	if h.gracefulShutdown.Load() {
		status = StatusDraining
	}
	return HealthCheck{
		Status:      status,
		StartedAt:   h.startedAt.UTC().Format(config.TimeFormat),
		Model:       h.model,
		Concurrency: h.captioner.Concurrency(),
		Version:     version.Version(),
	}
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.Handler().ServeHTTP(w, r)
}

// Stop rejects further analyze requests and waits for in-flight inference
// until ctx expires.
func (h *Handler) Stop(ctx context.Context) error {
	h.gracefulShutdown.Store(true)

	if err := h.captioner.Stop(ctx); err != nil {
		h.logger.Sugar().Errorw("failed to drain inference", "error", err)
		return err
	}
	return nil
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	log := h.logger.Sugar()
	st := newRequestState(middleware.GetReqID(r.Context()))

	if h.gracefulShutdown.Load() {
		h.metrics.Request(metrics.OutcomeUnavailable)
		h.writeError(w, http.StatusServiceUnavailable, msgShuttingDown)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = errs.Validation("request body exceeds %d bytes", tooLarge.Limit)
		} else {
			err = errs.Validation("failed to read request body")
		}
		h.fail(w, st, err)
		return
	}

	payload, err := parseAnalyzeRequest(body)
	if err != nil {
		h.fail(w, st, err)
		return
	}
	h.mustAdvance(st, StateValidated)

	img, err := h.decoder.Decode(payload)
	if err != nil {
		h.fail(w, st, err)
		return
	}
	h.mustAdvance(st, StateDecoded)
	log.Tracew("decoded image", "request_id", st.id, "format", img.Format, "width", img.Width(), "height", img.Height())

	res, err := h.captioner.Caption(r.Context(), img)
	if err != nil {
		h.fail(w, st, err)
		return
	}
	h.mustAdvance(st, StateInferred)

	h.metrics.Request(metrics.OutcomeSuccess)
	h.writeResponse(w, http.StatusOK, AnalyzeResponse{Description: res.Text})
	h.mustAdvance(st, StateResponded)
	log.Infow("analyzed image",
		"request_id", st.id,
		"format", img.Format,
		"tokens", res.Tokens,
		"truncated", res.Truncated,
		"cached", res.Cached,
		"duration", st.elapsed(),
	)
}

// parseAnalyzeRequest extracts the image payload from a body of the form
// {"image": "..."}; anything else is a validation error.
func parseAnalyzeRequest(body []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return "", errs.Validation("request body must be a JSON object")
	}
	raw, ok := fields["image"]
	if !ok {
		return "", errs.Validation("missing required field: image")
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", errs.Validation("image must be a string")
	}
	var payload string
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", errs.Validation("image must be a string")
	}
	if len(bytes.TrimSpace([]byte(payload))) == 0 {
		return "", errs.Validation("image is empty")
	}
	return payload, nil
}

func (h *Handler) mustAdvance(st *requestState, next RequestState) {
	if err := st.advance(next); err != nil {
		h.logger.Sugar().DPanicw("request state machine violated", "request_id", st.id, "error", err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, st *requestState, err error) {
	log := h.logger.Sugar()
	st.fail()

	status, outcome := classify(err)
	msg := errs.PublicMessage(err, http.StatusText(status))
	if status == http.StatusServiceUnavailable {
		msg = msgShuttingDown
	}
	h.metrics.Request(outcome)

	switch {
	case outcome == metrics.OutcomeCanceled:
		log.Debugw("client closed request", "request_id", st.id, "state", st.failedIn, "error", err, "duration", st.elapsed())
	case status >= http.StatusInternalServerError:
		log.Errorw("analyze failed", "request_id", st.id, "state", st.failedIn, "status", status, "error", err, "duration", st.elapsed())
	default:
		log.Warnw("analyze rejected", "request_id", st.id, "state", st.failedIn, "status", status, "error", err)
	}
	h.writeError(w, status, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, inference.ErrStopped):
		return http.StatusServiceUnavailable, metrics.OutcomeUnavailable
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest, metrics.OutcomeValidation
	case errors.Is(err, errs.ErrDecode):
		return http.StatusBadRequest, metrics.OutcomeDecode
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, metrics.OutcomeCanceled
	case errors.Is(err, errs.ErrInference) && errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, metrics.OutcomeInference
	default:
		return http.StatusInternalServerError, metrics.OutcomeInference
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeResponse(w, status, ErrorResponse{Error: msg})
}

func (h *Handler) writeResponse(w http.ResponseWriter, status int, v any) {
	log := h.logger.Sugar()
	bs, err := json.Marshal(v)
	if err != nil {
		log.Errorw("failed to marshal response", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	h.writeBytes(w, bs)
}

func (h *Handler) writeBytes(w http.ResponseWriter, bs []byte) {
	if _, err := w.Write(bs); err != nil {
		h.logger.Sugar().Errorw("failed to write response", "error", err)
	}
}
