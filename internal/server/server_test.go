package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/captioner/internal/config"
	"github.com/replicate/captioner/internal/inference"
	"github.com/replicate/captioner/internal/logging"
	"github.com/replicate/captioner/internal/loggingtest"
	"github.com/replicate/captioner/internal/metrics"
	"github.com/replicate/captioner/internal/model"
	"github.com/replicate/captioner/internal/model/modeltest"
	"github.com/replicate/captioner/internal/version"
)

var (
	white = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	red   = color.NRGBA{R: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
	blue  = color.NRGBA{B: 255, A: 255}
	black = color.NRGBA{A: 255}
)

type testOptions struct {
	timeout         time.Duration
	maxTokens       int
	maxRequestBytes int64
	// quietInference keeps inference goroutines that outlive the test from
	// logging to it.
	quietInference bool
}

type testServer struct {
	*httptest.Server
	handler *Handler
	rt      *modeltest.Runtime
}

func newTestServer(t *testing.T, rt *modeltest.Runtime, opts testOptions) *testServer {
	t.Helper()

	if opts.timeout == 0 {
		opts.timeout = 5 * time.Second
	}
	logger := loggingtest.NewTestLogger(t)
	inferenceLogger := logger
	if opts.quietInference {
		inferenceLogger = logging.NewNop()
	}

	handle, err := model.Load(modeltest.WriteModelDir(t, false), rt.Opener(), model.Options{Name: "test/model@main", MaxTokens: opts.maxTokens})
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })

	met := metrics.New(prometheus.NewRegistry())
	svc := inference.New(handle, inference.Options{MaxConcurrency: 2, Timeout: opts.timeout, Metrics: met}, inferenceLogger)
	h := NewHandler(
		config.Config{MaxRequestBytes: opts.maxRequestBytes},
		svc,
		ModelInfo{Name: handle.Name(), MaxTokens: handle.MaxTokens()},
		met,
		logger,
	)
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, handler: h, rt: rt}
}

func solid(c color.NRGBA, w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func encode(t *testing.T, format string, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	switch format {
	case "png":
		require.NoError(t, png.Encode(&buf, img))
	case "jpeg":
		require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	case "gif":
		require.NoError(t, gif.Encode(&buf, img, nil))
	default:
		t.Fatalf("unknown format %s", format)
	}
	return buf.Bytes()
}

func dataURL(mediaType string, bs []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(bs)
}

func analyzeBody(t *testing.T, image string) string {
	t.Helper()
	bs, err := json.Marshal(map[string]string{"image": image})
	require.NoError(t, err)
	return string(bs)
}

func (s *testServer) analyze(t *testing.T, body string) (int, map[string]string) {
	t.Helper()

	resp, err := http.Post(s.URL+"/analyze", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{}, testOptions{})

	testCases := []struct {
		name    string
		payload func(t *testing.T) string
		want    string
	}{
		{
			name:    "png data url",
			payload: func(t *testing.T) string { return dataURL("image/png", encode(t, "png", solid(blue, 16, 12))) },
			want:    modeltest.Caption("blue"),
		},
		{
			name:    "jpeg data url",
			payload: func(t *testing.T) string { return dataURL("image/jpeg", encode(t, "jpeg", solid(red, 32, 32))) },
			want:    modeltest.Caption("red"),
		},
		{
			name:    "gif data url",
			payload: func(t *testing.T) string { return dataURL("image/gif", encode(t, "gif", solid(red, 10, 10))) },
			want:    modeltest.Caption("red"),
		},
		{
			name: "bare base64",
			payload: func(t *testing.T) string {
				return base64.StdEncoding.EncodeToString(encode(t, "png", solid(green, 8, 8)))
			},
			want: modeltest.Caption("green"),
		},
		{
			name:    "one pixel white png",
			payload: func(t *testing.T) string { return dataURL("image/png", encode(t, "png", solid(white, 1, 1))) },
			want:    modeltest.Caption("white"),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			status, body := srv.analyze(t, analyzeBody(t, tc.payload(t)))
			require.Equal(t, http.StatusOK, status, body)
			assert.Equal(t, tc.want, body["description"])
			assert.NotContains(t, body, "error")
		})
	}
}

func TestAnalyzeRejectsBadRequests(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{}, testOptions{})
	noise := make([]byte, 256)
	for i := range noise {
		noise[i] = byte(i * 7)
	}

	testCases := []struct {
		name string
		body string
		want string
	}{
		{name: "empty object", body: `{}`, want: "missing required field: image"},
		{name: "null image", body: `{"image": null}`, want: "image must be a string"},
		{name: "numeric image", body: `{"image": 42}`, want: "image must be a string"},
		{name: "object image", body: `{"image": {"data": "x"}}`, want: "image must be a string"},
		{name: "empty image", body: `{"image": ""}`, want: "image is empty"},
		{name: "blank image", body: `{"image": "   "}`, want: "image is empty"},
		{name: "not json", body: `image=abc`, want: "request body must be a JSON object"},
		{name: "json array", body: `[]`, want: "request body must be a JSON object"},
		{name: "json null", body: `null`, want: "request body must be a JSON object"},
		{name: "empty body", body: ``, want: "request body must be a JSON object"},
		{name: "random bytes", body: analyzeBody(t, base64.StdEncoding.EncodeToString(noise))},
		{name: "invalid base64", body: analyzeBody(t, "data:image/png;base64,!!!not-base64!!!")},
		{name: "truncated png", body: analyzeBody(t, dataURL("image/png", encode(t, "png", solid(white, 4, 4))[:20]))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			status, body := srv.analyze(t, tc.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.NotEmpty(t, body["error"])
			assert.NotContains(t, body, "description")
			if tc.want != "" {
				assert.Equal(t, tc.want, body["error"])
			}
		})
	}

	assert.Zero(t, srv.rt.Encodes.Load(), "rejected requests never reach the model")
}

func TestAnalyzeBodyLimit(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{}, testOptions{maxRequestBytes: 64})

	status, body := srv.analyze(t, analyzeBody(t, dataURL("image/png", encode(t, "png", solid(white, 64, 64)))))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "request body exceeds 64 bytes", body["error"])
}

func TestAnalyzeTimeout(t *testing.T) {
	t.Parallel()

	rt := &modeltest.Runtime{StepDelay: 50 * time.Millisecond}
	srv := newTestServer(t, rt, testOptions{timeout: 20 * time.Millisecond, quietInference: true})

	status, body := srv.analyze(t, analyzeBody(t, dataURL("image/png", encode(t, "png", solid(white, 4, 4)))))
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "inference timed out", body["error"])
}

func TestAnalyzeInferenceFailure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{Err: errors.New("CUDA error: device-side assert triggered")}, testOptions{})

	status, body := srv.analyze(t, analyzeBody(t, dataURL("image/png", encode(t, "png", solid(white, 4, 4)))))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "inference failed", body["error"])
}

func TestAnalyzeEmptyCaption(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{Mute: true}, testOptions{})

	status, body := srv.analyze(t, analyzeBody(t, dataURL("image/png", encode(t, "png", solid(white, 1, 1)))))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "model produced an empty caption", body["error"])
	assert.NotContains(t, body, "description")
}

func TestAnalyzeClientGone(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{}, testOptions{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	body := analyzeBody(t, dataURL("image/png", encode(t, "png", solid(white, 4, 4))))
	req := httptest.NewRequestWithContext(ctx, http.MethodPost, "/analyze", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handler.Analyze(rec, req)
	assert.Equal(t, statusClientClosedRequest, rec.Code)
	assert.Equal(t, int64(0), srv.rt.Encodes.Load())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	bs, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(bs), `captioner_requests_total{outcome="canceled"} 1`)
	assert.NotContains(t, string(bs), `outcome="inference_error"`)
}

func TestAnalyzeTruncated(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{NeverEnd: true}, testOptions{maxTokens: 5})

	status, body := srv.analyze(t, analyzeBody(t, dataURL("image/png", encode(t, "png", solid(white, 4, 4)))))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "a picture of a", body["description"])
}

func TestAnalyzeIsRepeatable(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{}, testOptions{})
	good := analyzeBody(t, dataURL("image/png", encode(t, "png", solid(black, 6, 6))))

	for i := 0; i < 3; i++ {
		status, body := srv.analyze(t, good)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, modeltest.Caption("black"), body["description"])

		status, body = srv.analyze(t, `{"image": 1}`)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "image must be a string", body["error"])
	}
}

func TestAnalyzeConcurrentRequests(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{StepDelay: time.Millisecond}, testOptions{})
	colours := map[string]color.NRGBA{"white": white, "black": black, "red": red, "green": green, "blue": blue}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for name, c := range colours {
			body := analyzeBody(t, dataURL("image/png", encode(t, "png", solid(c, 8+i, 8))))
			wg.Add(1)
			go func() {
				defer wg.Done()
				status, out := srv.analyze(t, body)
				assert.Equal(t, http.StatusOK, status)
				assert.Equal(t, modeltest.Caption(name), out["description"])
			}()
		}
	}
	wg.Wait()

	assert.LessOrEqual(t, srv.rt.MaxSeen.Load(), int64(2))
}

func TestDraining(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{}, testOptions{})
	require.NoError(t, srv.handler.Stop(t.Context()))

	status, body := srv.analyze(t, analyzeBody(t, dataURL("image/png", encode(t, "png", solid(white, 4, 4)))))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "server shutting down", body["error"])

	hc := getHealthCheck(t, srv)
	assert.Equal(t, StatusDraining, hc.Status)
}

func TestStoppedInferenceIsUnavailable(t *testing.T) {
	t.Parallel()

	rt := &modeltest.Runtime{}
	srv := newTestServer(t, rt, testOptions{})
	// the inference pool stops without the handler noticing
	require.NoError(t, srv.handler.captioner.Stop(t.Context()))

	status, body := srv.analyze(t, analyzeBody(t, dataURL("image/png", encode(t, "png", solid(white, 4, 4)))))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "server shutting down", body["error"])
}

func getHealthCheck(t *testing.T, srv *testServer) HealthCheck {
	t.Helper()

	resp, err := http.Get(srv.URL + "/health-check")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hc HealthCheck
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hc))
	return hc
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{}, testOptions{maxTokens: 30})

	hc := getHealthCheck(t, srv)
	assert.Equal(t, StatusReady, hc.Status)
	assert.Equal(t, ModelInfo{Name: "test/model@main", MaxTokens: 30}, hc.Model)
	assert.Equal(t, inference.Concurrency{Max: 2, Current: 0}, hc.Concurrency)
	assert.Equal(t, version.Version(), hc.Version)
	_, err := time.Parse(config.TimeFormat, hc.StartedAt)
	assert.NoError(t, err)
}

func TestRoot(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{}, testOptions{})

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	bs, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(bs), `fetch("/analyze"`)
	assert.Contains(t, string(bs), "speechSynthesis")
}

func TestCORS(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{}, testOptions{})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/analyze", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))

	resp, err = http.Post(srv.URL+"/analyze", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{}, testOptions{})
	status, _ := srv.analyze(t, analyzeBody(t, dataURL("image/png", encode(t, "png", solid(white, 4, 4)))))
	require.Equal(t, http.StatusOK, status)
	status, _ = srv.analyze(t, `{}`)
	require.Equal(t, http.StatusBadRequest, status)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	bs, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(bs), `captioner_requests_total{outcome="success"} 1`)
	assert.Contains(t, string(bs), `captioner_requests_total{outcome="validation_error"} 1`)
	assert.Contains(t, string(bs), "captioner_inference_duration_seconds_count 1")
}

func TestUnknownRoutes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &modeltest.Runtime{}, testOptions{})

	for path, want := range map[string]int{"/nope": http.StatusNotFound, "/analyze": http.StatusMethodNotAllowed} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		var body ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
		assert.NotEmpty(t, body.Error)
	}
}

func TestRecoverer(t *testing.T) {
	t.Parallel()

	h := &Handler{logger: loggingtest.NewTestLogger(t)}
	wrapped := h.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(fmt.Sprintf("index out of range [%d]", 3))
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyze", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())

	aborting := h.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		aborting.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestClassify(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		err     error
		status  int
		outcome string
	}{
		{err: fmt.Errorf("wrapped: %w", inference.ErrStopped), status: http.StatusServiceUnavailable, outcome: metrics.OutcomeUnavailable},
		{err: context.Canceled, status: statusClientClosedRequest, outcome: metrics.OutcomeCanceled},
		{err: fmt.Errorf("wrapped: %w", model.ErrEmptyCaption), status: http.StatusInternalServerError, outcome: metrics.OutcomeInference},
		{err: errors.New("boom"), status: http.StatusInternalServerError, outcome: metrics.OutcomeInference},
	}
	for _, tc := range testCases {
		status, outcome := classify(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.outcome, outcome, tc.err.Error())
	}
}
