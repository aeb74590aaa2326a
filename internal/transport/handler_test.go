package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plantmeds/internal/config"
	"plantmeds/internal/diagnosis"
	"plantmeds/internal/intake"
	"plantmeds/internal/observer"
	"plantmeds/internal/prediction"
	"plantmeds/internal/session"
	"plantmeds/pkg/models"
	"plantmeds/pkg/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testApp struct {
	handler  http.Handler
	previews *intake.PreviewStore
	cookie   *http.Cookie
}

func newTestApp(t *testing.T, predictor prediction.Predictor, mutate func(*config.Config)) *testApp {
	t.Helper()

	cfg := config.Default()
	cfg.MaxUploadSize = 1024
	cfg.SubmitWait = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	previews := intake.NewPreviewStore()
	in := intake.New(previews, validation.NewMediaTypeValidator(cfg.MaxUploadSize))
	events := observer.NewEventPublisher()
	metrics := observer.NewMetricsObserver()
	events.Subscribe(metrics)
	sessions := session.NewStore(cfg.SessionTTL, func(id string) *diagnosis.View {
		return diagnosis.NewView(id, in, predictor, events, cfg.PredictionTimeout)
	})
	t.Cleanup(sessions.Close)

	h, err := NewHandler(sessions, previews, metrics, cfg)
	require.NoError(t, err)
	return &testApp{handler: h, previews: previews}
}

// do sends a request, carrying the session cookie like a browser would
func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	if a.cookie != nil {
		req.AddCookie(a.cookie)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookie {
			a.cookie = c
		}
	}
	return w
}

func (a *testApp) upload(t *testing.T, name, mediaType string, data []byte, asJSON bool) *httptest.ResponseRecorder {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="`+name+`"`)
	h.Set("Content-Type", mediaType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/model/image", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if asJSON {
		req.Header.Set("Accept", "application/json")
	}
	return a.do(req)
}

func (a *testApp) submit(asJSON bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/model/submit", nil)
	if asJSON {
		req.Header.Set("Accept", "application/json")
	}
	return a.do(req)
}

func (a *testApp) snapshot(t *testing.T) models.ViewSnapshot {
	t.Helper()
	w := a.do(httptest.NewRequest(http.MethodGet, "/model/state", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var snap models.ViewSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	return snap
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) models.ViewSnapshot {
	t.Helper()
	var snap models.ViewSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	return snap
}

// predictionServer fakes the remote /predict endpoint
func predictionServer(t *testing.T, status int, body string, requests *int32) *prediction.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			atomic.AddInt32(requests, 1)
		}
		if _, _, err := r.FormFile("image"); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"No image provided"}`))
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	client, err := prediction.NewClient(server.URL+"/predict", 2*time.Second)
	require.NoError(t, err)
	return client
}

type gatedPredictor struct {
	gate chan struct{}
}

func (p *gatedPredictor) Predict(ctx context.Context, file intake.File) (models.DiagnosisResult, error) {
	<-p.gate
	return prediction.Decode(200, []byte(`{"disease_name":"Grape Black Rot","cure":"c","precaution":"p"}`))
}

var pngBytes = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

const diagnosisBody = `{"disease_name":"Peach Bacterial Spot","cure":"Copper bactericide","precaution":"Plant resistant varieties"}`

func TestLandingPage(t *testing.T) {
	app := newTestApp(t, predictionServer(t, 200, diagnosisBody, nil), nil)

	w := app.do(httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "PROTECTING CROPS.")
	assert.Contains(t, w.Body.String(), `href="/model"`)
}

func TestModelPage_Initial(t *testing.T) {
	app := newTestApp(t, predictionServer(t, 200, diagnosisBody, nil), nil)

	w := app.do(httptest.NewRequest(http.MethodGet, "/model", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, app.cookie, "a session cookie is issued")
	assert.True(t, app.cookie.HttpOnly)
	assert.Contains(t, w.Body.String(), "Upload Image")
	assert.Contains(t, w.Body.String(), `accept="image/*"`)
	assert.Contains(t, w.Body.String(), "disabled")
}

func TestUnknownRoute(t *testing.T) {
	app := newTestApp(t, predictionServer(t, 200, diagnosisBody, nil), nil)

	w := app.do(httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSelectImage_BrowserFlow(t *testing.T) {
	app := newTestApp(t, predictionServer(t, 200, diagnosisBody, nil), nil)

	w := app.upload(t, "leaf.png", "image/png", pngBytes, false)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/model", w.Header().Get("Location"))

	snap := app.snapshot(t)
	assert.Equal(t, models.StateReady, snap.State)
	assert.Equal(t, "leaf.png", snap.FileName)
	require.True(t, strings.HasPrefix(snap.PreviewURL, intake.PreviewPathPrefix))

	preview := app.do(httptest.NewRequest(http.MethodGet, snap.PreviewURL, nil))
	assert.Equal(t, http.StatusOK, preview.Code)
	assert.Equal(t, "image/png", preview.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", preview.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, pngBytes, preview.Body.Bytes())

	page := app.do(httptest.NewRequest(http.MethodGet, "/model", nil))
	assert.Contains(t, page.Body.String(), `src="`+snap.PreviewURL+`"`)
}

func TestSelectImage_ReplacingRevokesPreview(t *testing.T) {
	app := newTestApp(t, predictionServer(t, 200, diagnosisBody, nil), nil)

	app.upload(t, "a.png", "image/png", pngBytes, true)
	first := app.snapshot(t).PreviewURL
	app.upload(t, "b.png", "image/png", pngBytes, true)

	w := app.do(httptest.NewRequest(http.MethodGet, first, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1, app.previews.Live())
}

func TestSelectImage_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		mediaType string
		data      []byte
		wantCode  int
		wantAlert string
	}{
		{"pdf", "application/pdf", []byte("%PDF-1.4"), http.StatusUnsupportedMediaType, intake.InvalidFileTypeAlert},
		{"text", "text/plain", []byte("hello"), http.StatusUnsupportedMediaType, intake.InvalidFileTypeAlert},
		{"too large", "image/png", bytes.Repeat([]byte{1}, 2048), http.StatusUnsupportedMediaType, "The selected image is too large."},
		{"over request body limit", "image/png", bytes.Repeat([]byte{1}, formOverheadBytes+4096), http.StatusRequestEntityTooLarge, "The selected image is too large."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, predictionServer(t, 200, diagnosisBody, nil), nil)
			app.upload(t, "leaf.png", "image/png", pngBytes, true)

			w := app.upload(t, "file", tt.mediaType, tt.data, true)

			assert.Equal(t, tt.wantCode, w.Code)
			snap := decodeSnapshot(t, w)
			assert.Equal(t, models.StateIdle, snap.State)
			assert.Equal(t, tt.wantAlert, snap.Alert)
			assert.Empty(t, snap.PreviewURL)
			assert.Equal(t, 0, app.previews.Live())
		})
	}
}

func TestSelectImage_OversizeBrowserUploadRedirects(t *testing.T) {
	app := newTestApp(t, predictionServer(t, 200, diagnosisBody, nil), nil)
	app.upload(t, "leaf.png", "image/png", pngBytes, false)

	w := app.upload(t, "huge.png", "image/png", bytes.Repeat([]byte{1}, 2<<20), false)

	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/model", w.Header().Get("Location"))

	snap := app.snapshot(t)
	assert.Equal(t, models.StateIdle, snap.State)
	assert.Equal(t, "The selected image is too large.", snap.Alert)
	assert.Empty(t, snap.PreviewURL)
	assert.Equal(t, 0, app.previews.Live())

	page := app.do(httptest.NewRequest(http.MethodGet, "/model", nil))
	assert.Contains(t, page.Body.String(), "The selected image is too large.")
}

func TestSelectImage_NoFile(t *testing.T) {
	emptyMultipart := func() (io.Reader, string) {
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		_ = mw.WriteField("note", "no file here")
		_ = mw.Close()
		return body, mw.FormDataContentType()
	}
	urlEncoded := func() (io.Reader, string) {
		return strings.NewReader("image=nope"), "application/x-www-form-urlencoded"
	}

	tests := []struct {
		name string
		form func() (io.Reader, string)
	}{
		{"multipart without image part", emptyMultipart},
		{"not multipart", urlEncoded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, predictionServer(t, 200, diagnosisBody, nil), nil)
			app.upload(t, "leaf.png", "image/png", pngBytes, true)

			body, contentType := tt.form()
			req := httptest.NewRequest(http.MethodPost, "/model/image", body)
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("Accept", "application/json")
			w := app.do(req)

			assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
			snap := decodeSnapshot(t, w)
			assert.Equal(t, models.StateIdle, snap.State)
			assert.Equal(t, intake.InvalidFileTypeAlert, snap.Alert)
			assert.Equal(t, 0, app.previews.Live())
		})
	}
}

func TestSubmit_WithoutImageIsNoop(t *testing.T) {
	var requests int32
	app := newTestApp(t, predictionServer(t, 200, diagnosisBody, &requests), nil)

	w := app.submit(false)
	assert.Equal(t, http.StatusSeeOther, w.Code)

	w = app.submit(true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, int32(0), atomic.LoadInt32(&requests))
	assert.Equal(t, models.StateIdle, app.snapshot(t).State)
}

func TestSubmit_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantKind    models.ResultKind
		wantMessage string
	}{
		{"server reported", 500, `{"error":"Model not available"}`, models.ResultServerReported, "Model not available"},
		{"invalid format", 200, `{"prediction":"Apple Scab"}`, models.ResultMalformedResponse, prediction.InvalidResponseMessage},
		{"transport", 502, `upstream down`, models.ResultTransportFailure, prediction.ConnectivityMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, predictionServer(t, tt.status, tt.body, nil), nil)
			app.upload(t, "leaf.png", "image/png", pngBytes, true)

			w := app.submit(true)
			require.Equal(t, http.StatusOK, w.Code)

			snap := decodeSnapshot(t, w)
			assert.Equal(t, models.StateSettled, snap.State)
			assert.False(t, snap.Loading)
			require.NotNil(t, snap.Result)
			assert.Equal(t, tt.wantKind, snap.Result.Kind)
			assert.Equal(t, tt.wantMessage, snap.Result.Message())

			page := app.do(httptest.NewRequest(http.MethodGet, "/model", nil))
			assert.Contains(t, page.Body.String(), tt.wantMessage)
			assert.NotContains(t, page.Body.String(), "Scanned Successfully")
		})
	}
}

func TestSubmit_SuccessRendersDiagnosis(t *testing.T) {
	var requests int32
	app := newTestApp(t, predictionServer(t, 200, diagnosisBody, &requests), nil)
	app.upload(t, "leaf.png", "image/png", pngBytes, false)

	w := app.submit(false)
	assert.Equal(t, http.StatusSeeOther, w.Code)

	snap := app.snapshot(t)
	require.NotNil(t, snap.Result)
	require.True(t, snap.Result.IsSuccess())
	assert.Equal(t, "Peach Bacterial Spot", snap.Result.Diagnosis.DiseaseName)

	page := app.do(httptest.NewRequest(http.MethodGet, "/model", nil)).Body.String()
	assert.Contains(t, page, "Scanned Successfully")
	assert.Contains(t, page, "Peach Bacterial Spot")
	assert.Contains(t, page, "Copper bactericide")
	assert.Contains(t, page, "Plant resistant varieties")

	// The held image can be submitted again as an independent request
	w = app.submit(true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestSubmit_PendingShowsLoadingAndRejectsResubmission(t *testing.T) {
	p := &gatedPredictor{gate: make(chan struct{})}
	app := newTestApp(t, p, func(cfg *config.Config) { cfg.SubmitWait = 20 * time.Millisecond })
	app.upload(t, "leaf.png", "image/png", pngBytes, true)

	w := app.submit(true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, decodeSnapshot(t, w).Loading)

	page := app.do(httptest.NewRequest(http.MethodGet, "/model", nil)).Body.String()
	assert.Contains(t, page, "Analyzing...")
	assert.Contains(t, page, `http-equiv="refresh"`)

	w = app.submit(true)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(p.gate)
	require.Eventually(t, func() bool {
		return app.snapshot(t).State == models.StateSettled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionsAreIsolated(t *testing.T) {
	client := predictionServer(t, 200, diagnosisBody, nil)
	app := newTestApp(t, client, nil)
	app.upload(t, "leaf.png", "image/png", pngBytes, true)

	// A second browser without the cookie sees its own idle view
	other := &testApp{handler: app.handler, previews: app.previews}
	assert.Equal(t, models.StateIdle, other.snapshot(t).State)
	assert.Equal(t, models.StateReady, app.snapshot(t).State)
}

func TestPreview_NotFound(t *testing.T) {
	app := newTestApp(t, predictionServer(t, 200, diagnosisBody, nil), nil)

	w := app.do(httptest.NewRequest(http.MethodGet, "/preview/does-not-exist", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndStats(t *testing.T) {
	app := newTestApp(t, predictionServer(t, 200, diagnosisBody, nil), nil)

	w := app.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"available"`)

	app.upload(t, "leaf.png", "image/png", pngBytes, true)
	app.submit(true)

	w = app.do(httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, float64(1), stats["sessions"])
	assert.Equal(t, float64(1), stats["live_previews"])
	diag, ok := stats["diagnosis"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), diag["submissions"])
	assert.Equal(t, float64(1), diag["successful_diagnoses"])
}

func TestDetermineStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, determineStatusCode(context.DeadlineExceeded))
	assert.Equal(t, http.StatusRequestEntityTooLarge, determineStatusCode(&http.MaxBytesError{Limit: 1}))
	assert.Equal(t, http.StatusInternalServerError, determineStatusCode(io.ErrUnexpectedEOF))
}
