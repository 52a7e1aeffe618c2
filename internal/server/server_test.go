package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fmueller/whisperd/internal/config"
	"github.com/fmueller/whisperd/internal/metrics"
	"github.com/fmueller/whisperd/internal/service"
	"github.com/fmueller/whisperd/internal/whisper"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeReadiness struct{ ready atomic.Bool }

func (f *fakeReadiness) IsReady() bool { return f.ready.Load() }

type fakeTranscriber struct {
	result *service.Result
	err    error
	wait   bool

	mu   sync.Mutex
	reqs []service.Request
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req service.Request) (*service.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.wait {
		<-ctx.Done()
		return nil, &service.Error{Kind: service.KindModelFailure, Message: "transcription abandoned", Err: ctx.Err()}
	}
	return f.result, f.err
}

func (f *fakeTranscriber) last(t *testing.T) service.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.reqs)
	return f.reqs[len(f.reqs)-1]
}

type harness struct {
	server      *Server
	readiness   *fakeReadiness
	transcriber *fakeTranscriber
	metrics     *metrics.Recorder
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	cfg, err := config.NewServiceConfig("medium", whisper.ComputeCPU, 1, 5)
	require.NoError(t, err)

	readiness := &fakeReadiness{}
	readiness.ready.Store(true)
	transcriber := &fakeTranscriber{result: sampleResult()}
	recorder := metrics.New(readiness.IsReady)

	opts := Options{
		Readiness:         readiness,
		Transcriber:       transcriber,
		Metrics:           recorder,
		Service:           cfg,
		MaxFileSize:       1024,
		AllowedExtensions: []string{".wav", ".mp3"},
		Version:           "1.0.0",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{server: New(opts), readiness: readiness, transcriber: transcriber, metrics: recorder}
}

func sampleResult() *service.Result {
	return &service.Result{
		Filename:         "hello.wav",
		Language:         "en",
		AllLanguageProbs: map[string]float64{"en": 1},
		Transcription: service.Transcription{
			FullText: "Hello world",
			Segments: []service.Segment{{ID: 0, Start: 0, End: 1, Text: "Hello world", Words: []service.Word{}}},
		},
		ModelInfo: service.ModelInfo{ModelSize: "medium", ComputeType: "cpu", BeamSize: 5},
	}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, query, filename, contentType string, payload []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/transcribe"+query, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	detail, _ := body["detail"].(string)
	return detail
}

func counterValue(h *harness, family, labelName, labelValue string) float64 {
	families, err := h.metrics.Registry().Gather()
	if err != nil {
		return -1
	}
	for _, f := range families {
		if f.GetName() != family {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == labelName && label.GetValue() == labelValue {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return -1
}

func errorCount(h *harness, errorType string) float64 {
	return counterValue(h, "transcription_errors_total", "error_type", errorType)
}

func TestRootDescriptor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"service":"whisper-inference-service","version":"1.0.0","status":"running","docs":"/docs","health":"/healthz","ready":"/readyz","metrics":"/metrics"}`, rec.Body.String())
}

func TestDocsListsRoutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/docs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"path":"/transcribe"`)
	require.Contains(t, rec.Body.String(), `"allowed_extensions":[".wav",".mp3"]`)
}

func TestHealthAlwaysOK(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.readiness.ready.Store(false)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"healthy","service":"whisper-inference-service"}`, rec.Body.String())
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready","service":"whisper-inference-service"}`, rec.Body.String())

	h.readiness.ready.Store(false)
	rec = h.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "Whisper service not ready", decodeDetail(t, rec))
}

func TestTranscribeSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(uploadRequest(t, "?language=es&task=translate", "hello.wav", "audio/wav", []byte("RIFF....")))
	require.Equal(t, http.StatusOK, rec.Code)

	var result service.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, "Hello world", result.Transcription.FullText)
	require.Equal(t, "medium", result.ModelInfo.ModelSize)

	req := h.transcriber.last(t)
	require.Equal(t, "hello.wav", req.Filename)
	require.Equal(t, "es", req.Language)
	require.Equal(t, whisper.TaskTranslate, req.Task)
	require.Equal(t, []byte("RIFF...."), req.Audio)

	require.NotEmpty(t, rec.Header().Get(headerRequestID))
	require.InDelta(t, 1, counterValue(h, "transcription_requests_total", "model_size", "medium"), 1e-9)
}

func TestTranscribeNotAvailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.readiness.ready.Store(false)

	rec := h.do(uploadRequest(t, "", "a.wav", "audio/wav", []byte("x")))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "Whisper service not available", decodeDetail(t, rec))
	require.Empty(t, h.transcriber.reqs)
}

func TestTranscribeValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		query       string
		contentType string
		payload     []byte
		status      int
		detail      string
		errorType   string
	}{
		{"wrong content type", "", "text/plain", []byte("x"), http.StatusBadRequest, "File must be an audio file", metrics.ErrorInvalidFileType},
		{"missing content type", "", "", []byte("x"), http.StatusBadRequest, "File must be an audio file", metrics.ErrorInvalidFileType},
		{"bad task", "?task=summarize", "audio/mpeg", []byte("x"), http.StatusBadRequest, "Task must be 'transcribe' or 'translate'", metrics.ErrorInvalidTask},
		{"empty file", "", "audio/wav", nil, http.StatusBadRequest, "Empty audio file", metrics.ErrorEmptyFile},
		{"too large", "", "audio/wav", bytes.Repeat([]byte("a"), 2048), http.StatusRequestEntityTooLarge, "File too large", metrics.ErrorFileTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			rec := h.do(uploadRequest(t, tc.query, "a.wav", tc.contentType, tc.payload))
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.detail, decodeDetail(t, rec))
			require.InDelta(t, 1, errorCount(h, tc.errorType), 1e-9)
			require.Empty(t, h.transcriber.reqs)
		})
	}
}

func TestTranscribeMissingFile(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader(""))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")

	rec := h.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "File is required", decodeDetail(t, rec))
}

func TestTranscribeOversizedBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	req := uploadRequest(t, "", "big.wav", "audio/wav", bytes.Repeat([]byte("a"), 3<<20))

	rec := h.do(req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, "File too large", decodeDetail(t, rec))
}

func TestTranscribeModelFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.transcriber.result = nil
	h.transcriber.err = &service.Error{Kind: service.KindModelFailure, Message: "transcription failed", Err: errors.New("unsupported codec")}

	rec := h.do(uploadRequest(t, "", "a.wma", "audio/x-ms-wma", []byte("x")))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Transcription failed: unsupported codec", decodeDetail(t, rec))
	require.InDelta(t, 1, errorCount(h, metrics.ErrorTranscriptionFailed), 1e-9)
}

func TestTranscribeLostReadiness(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.transcriber.result = nil
	h.transcriber.err = service.ErrNotReady

	rec := h.do(uploadRequest(t, "", "a.wav", "audio/wav", []byte("x")))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTranscribeTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) { o.RequestTimeout = 20 * time.Millisecond })
	h.transcriber.wait = true

	rec := h.do(uploadRequest(t, "", "a.wav", "audio/wav", []byte("x")))
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Equal(t, "Transcription timed out", decodeDetail(t, rec))
	require.InDelta(t, 1, errorCount(h, metrics.ErrorTimeout), 1e-9)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/transcribe", nil)
	req.Header.Set("Origin", "http://localhost:8501")

	rec := h.do(req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:8501", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "abc-123")

	rec := h.do(req)
	require.Equal(t, "abc-123", rec.Header().Get(headerRequestID))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `transcription_requests_total{compute_type="cpu",model_size="medium"} 0`)
	require.Contains(t, body, `transcription_errors_total{error_type="invalid_task"} 0`)
	require.Contains(t, body, "whisper_model_ready 1")
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "Not Found", decodeDetail(t, rec))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- h.server.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
