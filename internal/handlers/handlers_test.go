package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nicolastibata/catdog-classifier/internal/classifier"
	"github.com/nicolastibata/catdog-classifier/internal/samples"
	"github.com/nicolastibata/catdog-classifier/internal/session"
	"github.com/nicolastibata/catdog-classifier/internal/usecase"
)

type fixedPredictor struct {
	prediction classifier.Prediction
}

func (f *fixedPredictor) Predict(ctx context.Context, tensor []float32) (*classifier.Prediction, error) {
	p := f.prediction
	return &p, nil
}

func (f *fixedPredictor) Metadata() classifier.Metadata {
	return classifier.Metadata{Labels: []string{"cat", "dog"}, ImageSize: 16}
}

func newTestRouter(t *testing.T, sampleDir string) *gin.Engine {
	return newTestRouterWithLimit(t, sampleDir, DefaultMaxUploadSize)
}

func newTestRouterWithLimit(t *testing.T, sampleDir string, maxUploadSize int64) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := session.NewStore(session.NewMemoryCache(), time.Minute, zap.NewNop())
	predictor := &fixedPredictor{prediction: classifier.Prediction{
		Label:         "cat",
		Confidence:    0.93,
		Probabilities: map[string]float32{"cat": 0.93, "dog": 0.07},
		Band:          classifier.BandHigh,
	}}
	uc := usecase.NewClassifyUseCase(store, predictor, samples.NewLibrary(sampleDir), "model.onnx", zap.NewNop())

	router := gin.New()
	router.MaxMultipartMemory = maxUploadSize
	RegisterRoutes(router, uc, maxUploadSize)
	return router
}

func testImagePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 24, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, color.NRGBA{R: 180, G: 120, B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="`+filename+`"`)
	header.Set("Content-Type", "application/octet-stream")

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func sessionCookie(resp *httptest.ResponseRecorder) *http.Cookie {
	for _, cookie := range resp.Result().Cookies() {
		if cookie.Name == SessionCookie {
			return cookie
		}
	}
	return nil
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	var body struct {
		Status     string `json:"status"`
		ModelReady bool   `json:"model_ready"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid health response: %v", err)
	}
	if body.Status != "ok" || !body.ModelReady {
		t.Fatalf("unexpected health body: %s", resp.Body.String())
	}
}

func TestIndexRendersPage(t *testing.T) {
	router := newTestRouter(t, t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if !bytes.Contains(resp.Body.Bytes(), []byte("Cat vs Dog Classifier")) {
		t.Fatal("page body missing title")
	}
	if sessionCookie(resp) == nil {
		t.Fatal("expected a session cookie to be assigned")
	}
}

func TestUploadRejectsLargePayload(t *testing.T) {
	router := newTestRouter(t, t.TempDir())

	body, contentType := buildMultipartBody(t, "big.png", bytes.Repeat([]byte("a"), DefaultMaxUploadSize+1))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestUploadHonorsConfiguredLimit(t *testing.T) {
	router := newTestRouterWithLimit(t, t.TempDir(), 1024)

	// The size gate fires before any decoding, so the payload only has to be
	// over the configured limit.
	body, contentType := buildMultipartBody(t, "cat.png", bytes.Repeat([]byte("a"), 2048))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestUploadRejectsCorruptImage(t *testing.T) {
	router := newTestRouter(t, t.TempDir())

	// Valid PNG signature, garbage body: passes the type sniff, fails decode.
	corrupt := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte("junk"), 16)...)
	body, contentType := buildMultipartBody(t, "broken.png", corrupt)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d: %s", http.StatusBadRequest, resp.Code, resp.Body.String())
	}
}

func TestUploadRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(t, t.TempDir())

	body, contentType := buildMultipartBody(t, "doc.txt", []byte("hello, definitely text"))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestClassifyWithoutImage(t *testing.T) {
	router := newTestRouter(t, t.TempDir())

	req := httptest.NewRequest(http.MethodPost, "/api/classify", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, resp.Code)
	}
}

func TestUploadThenClassifyFlow(t *testing.T) {
	router := newTestRouter(t, t.TempDir())

	body, contentType := buildMultipartBody(t, "cat.png", testImagePNG(t))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("upload failed with status %d: %s", resp.Code, resp.Body.String())
	}
	cookie := sessionCookie(resp)
	if cookie == nil {
		t.Fatal("expected a session cookie from upload")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/classify", nil)
	req.AddCookie(cookie)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("classify failed with status %d: %s", resp.Code, resp.Body.String())
	}

	var result usecase.Result
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid classify response: %v", err)
	}
	if result.Label != "cat" || result.Band != classifier.BandHigh {
		t.Fatalf("unexpected result: %+v", result)
	}

	// Image panels are served for the same session.
	req = httptest.NewRequest(http.MethodGet, "/api/image/preview", nil)
	req.AddCookie(cookie)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("preview failed with status %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png preview, got %s", ct)
	}
}

func TestSampleSelectAndServe(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cat.jpg"), testImagePNG(t), 0o644); err != nil {
		t.Fatalf("seed sample: %v", err)
	}
	router := newTestRouter(t, dir)

	req := httptest.NewRequest(http.MethodGet, "/samples/cat.jpg", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("serving sample failed with status %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/samples/cat.jpg/select", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("sample select failed with status %d: %s", resp.Code, resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/samples/ghost.jpg/select", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sample, got %d", resp.Code)
	}
}
