package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photoingest/internal/batch"
	"photoingest/internal/cache"
	"photoingest/internal/ingest"
	"photoingest/internal/models"
	"photoingest/internal/objectstore"
	"photoingest/internal/processing"
	"photoingest/internal/queue"
	"photoingest/internal/sessions"
	"photoingest/internal/storage"
)

const (
	testSecret  = "test-secret"
	testBaseURL = "http://photoingest.test"
)

type harness struct {
	router  http.Handler
	repo    *storage.Memory
	objects *objectstore.Memory
	queue   *queue.Memory
	proc    *processing.Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := models.DefaultConfig()
	cfg.Environment = "test"
	cfg.JWTSecret = testSecret
	cfg.Upload.MaxBytes = 1 << 20
	cfg.Upload.ContentTypes = []string{"image/jpeg", "image/png"}
	cfg.Variants = []models.VariantConfig{
		{Name: "thumbnail", Width: 16, Height: 16, Fill: true, Format: "jpg"},
		{Name: "medium", Width: 32, Format: "png"},
	}

	h := &harness{
		repo:    storage.NewMemory(),
		objects: objectstore.NewMemory(testBaseURL, []byte(testSecret)),
		queue:   queue.NewMemory(64, zerolog.Nop()),
	}
	svc := ingest.NewService(ingest.Deps{
		Repo:       h.repo,
		Sessions:   sessions.NewMemory(),
		Objects:    h.objects,
		Queue:      h.queue,
		Categories: ingest.NewStaticCategories(cfg.Categories),
		Moderation: ingest.FixedModeration(models.ModerationPending),
		Cache:      cache.NewListing(16, time.Millisecond),
	}, ingest.OptionsFromConfig(cfg), zerolog.Nop())
	h.proc = processing.NewProcessor(h.repo, h.objects, processing.NewImagingDeriver("test"), processing.Options{
		Variants: cfg.Variants,
		LeaseTTL: time.Minute,
	}, zerolog.Nop())

	srv := NewServer(cfg, svc, batch.NewNotifier(zerolog.Nop()), h.objects, zerolog.Nop())
	h.router = srv.Handler()
	return h
}

// startWorker drains the queue into the processor until the test ends.
func (h *harness) startWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.queue.Consume(ctx, h.proc.Handle)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func token(t *testing.T, sub, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func (h *harness) do(t *testing.T, method, path, user string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user, testSecret))
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *harness) doJSON(t *testing.T, method, path, user string, v interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body []byte
	if v != nil {
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return h.do(t, method, path, user, body, "application/json")
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(6 * x), G: uint8(6 * y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type issued struct {
	UploadID     uuid.UUID           `json:"uploadId"`
	ObjectKey    string              `json:"objectKey"`
	UploadTarget *objectstore.Target `json:"uploadTarget"`
}

type accepted struct {
	ImageID          uuid.UUID               `json:"imageId"`
	ProcessingStatus models.ProcessingStatus `json:"processingStatus"`
}

// transfer issues an upload and replays the presigned PUT against the router.
func (h *harness) transfer(t *testing.T, user string, data []byte) issued {
	t.Helper()
	w := h.doJSON(t, http.MethodPost, "/pre-upload", user, gin.H{"contentType": "image/png", "filename": "a.png"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tr issued
	decode(t, w, &tr)
	require.NotNil(t, tr.UploadTarget)
	require.True(t, strings.HasPrefix(tr.UploadTarget.URL, testBaseURL))

	put := httptest.NewRequest(tr.UploadTarget.Method, strings.TrimPrefix(tr.UploadTarget.URL, testBaseURL), bytes.NewReader(data))
	for k, v := range tr.UploadTarget.Headers {
		put.Header.Set(k, v)
	}
	pw := httptest.NewRecorder()
	h.router.ServeHTTP(pw, put)
	require.Equal(t, http.StatusOK, pw.Code, pw.Body.String())
	return tr
}

func (h *harness) finalize(t *testing.T, user string, uploadID uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()
	return h.doJSON(t, http.MethodPost, "/finalize", user, gin.H{
		"uploadId": uploadID,
		"title":    "Morning fog",
		"category": "nature",
		"tags":     []string{"fog", "Forest"},
	})
}

func TestUploadFlow(t *testing.T) {
	h := newHarness(t)
	h.startWorker(t)

	tr := h.transfer(t, "alice", pngBytes(t))
	w := h.finalize(t, "alice", tr.UploadID)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var acc accepted
	decode(t, w, &acc)
	assert.Equal(t, models.ProcessingQueued, acc.ProcessingStatus)

	// repeating finalize returns the same record
	w = h.finalize(t, "alice", tr.UploadID)
	require.Equal(t, http.StatusAccepted, w.Code)
	var again accepted
	decode(t, w, &again)
	assert.Equal(t, acc.ImageID, again.ImageID)

	var img models.Image
	require.Eventually(t, func() bool {
		w := h.do(t, http.MethodGet, "/images/"+acc.ImageID.String(), "", nil, "")
		if w.Code != http.StatusOK {
			return false
		}
		return json.Unmarshal(w.Body.Bytes(), &img) == nil && img.ProcessingStatus == models.ProcessingComplete
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"fog", "forest"}, img.Tags)
	require.Contains(t, img.Derivatives, "thumbnail")
	assert.Equal(t, fmt.Sprintf("%s/objects/derivatives/%s/thumbnail.jpg", testBaseURL, img.ID), img.Derivatives["thumbnail"])

	w = h.do(t, http.MethodGet, strings.TrimPrefix(img.Derivatives["medium"], testBaseURL), "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	w = h.do(t, http.MethodGet, "/images/"+img.ID.String()+"/download?size=thumbnail", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))

	w = h.do(t, http.MethodGet, "/images?category=nature", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var page models.ImagePage
	decode(t, w, &page)
	require.Len(t, page.Items, 1)
	assert.Equal(t, img.ID, page.Items[0].ID)
}

func TestUploadFlow_ProxiedAndLegacy(t *testing.T) {
	h := newHarness(t)

	body, ct := multipartBody(t, map[string]string{}, "file", "image/png", pngBytes(t))
	w := h.do(t, http.MethodPost, "/pre-upload", "bob", body, ct)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tr issued
	decode(t, w, &tr)
	assert.Nil(t, tr.UploadTarget)

	w = h.finalize(t, "bob", tr.UploadID)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	body, ct = multipartBody(t, map[string]string{
		"title":    "Old town",
		"category": "street",
		"tags":     "stone, alley",
	}, "file", "image/png", pngBytes(t))
	w = h.do(t, http.MethodPost, "/upload", "bob", body, ct)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var acc accepted
	decode(t, w, &acc)

	w = h.do(t, http.MethodGet, "/me/images", "bob", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var page models.ImagePage
	decode(t, w, &page)
	assert.Equal(t, 2, page.Pagination.Total)

	img, err := h.repo.GetImage(context.Background(), acc.ImageID)
	require.NoError(t, err)
	assert.Equal(t, []string{"stone", "alley"}, img.Tags)
}

func multipartBody(t *testing.T, fields map[string]string, fileField, contentType string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="photo.png"`, fileField))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func TestErrorStatuses(t *testing.T) {
	h := newHarness(t)

	w := h.doJSON(t, http.MethodPost, "/pre-upload", "", gin.H{"contentType": "image/png"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.doJSON(t, http.MethodPost, "/pre-upload", "alice", gin.H{"contentType": "application/zip"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "validation", body["error"])
	assert.Equal(t, "contentType", body["field"])

	w = h.doJSON(t, http.MethodPost, "/finalize", "alice", gin.H{"uploadId": "nope", "title": "x", "category": "nature"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = h.finalize(t, "alice", uuid.New())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// issued but never transferred
	w = h.doJSON(t, http.MethodPost, "/pre-upload", "alice", gin.H{"contentType": "image/png"})
	require.Equal(t, http.StatusCreated, w.Code)
	var tr issued
	decode(t, w, &tr)
	w = h.finalize(t, "alice", tr.UploadID)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	decode(t, w, &body)
	assert.Equal(t, "storage", body["error"])

	// someone else's upload
	w = h.finalize(t, "mallory", tr.UploadID)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodGet, "/images/not-an-id", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = h.do(t, http.MethodGet, "/images/"+uuid.NewString(), "", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestObjectsRoute(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPut, "/objects/uploads/alice/x.png?expires=99999999999&sig=forged", "", []byte("x"), "image/png")
	assert.Equal(t, http.StatusForbidden, w.Code)

	tr := h.transfer(t, "alice", pngBytes(t))
	// sources are not served directly
	w = h.do(t, http.MethodGet, "/objects/"+tr.ObjectKey, "", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// a presigned target is bound to its content type
	w = h.doJSON(t, http.MethodPost, "/pre-upload", "alice", gin.H{"contentType": "image/png"})
	var tr2 issued
	decode(t, w, &tr2)
	w = h.do(t, http.MethodPut, strings.TrimPrefix(tr2.UploadTarget.URL, testBaseURL), "", []byte("x"), "image/jpeg")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// and to the size limit
	w = h.do(t, http.MethodPut, strings.TrimPrefix(tr2.UploadTarget.URL, testBaseURL), "", make([]byte, 2<<20), "image/png")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestImageLifecycle(t *testing.T) {
	h := newHarness(t)

	tr := h.transfer(t, "alice", pngBytes(t))
	w := h.finalize(t, "alice", tr.UploadID)
	require.Equal(t, http.StatusAccepted, w.Code)
	var acc accepted
	decode(t, w, &acc)
	path := "/images/" + acc.ImageID.String()

	// queued images are hidden from everyone but the owner
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, path, "", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, path, "bob", nil, "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, path, "alice", nil, "").Code)

	w = h.doJSON(t, http.MethodPatch, path, "bob", gin.H{"title": "mine now"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.doJSON(t, http.MethodPatch, path, "alice", gin.H{"title": "Renamed", "version": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var img models.Image
	decode(t, w, &img)
	assert.Equal(t, "Renamed", img.Title)

	w = h.doJSON(t, http.MethodPatch, path, "alice", gin.H{"title": "Again", "version": 1})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, path+"/reprocess", "alice", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	body, ct := multipartBody(t, nil, "file_"+acc.ImageID.String(), "image/png", pngBytes(t))
	w = h.do(t, http.MethodPatch, "/batch/replace", "alice", body, ct)
	// the first job is still pending, so the replace is refused
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodDelete, path, "bob", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = h.do(t, http.MethodDelete, path, "alice", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, path, "alice", nil, "").Code)
}

func TestBatchReplace(t *testing.T) {
	h := newHarness(t)

	tr := h.transfer(t, "alice", pngBytes(t))
	w := h.finalize(t, "alice", tr.UploadID)
	var acc accepted
	decode(t, w, &acc)

	// settle the first job so the image can be replaced
	for h.queue.Len() > 0 {
		var msg models.JobMessage
		ctx, cancel := context.WithCancel(context.Background())
		_ = h.queue.Consume(ctx, func(_ context.Context, m models.JobMessage) error {
			msg = m
			cancel()
			return nil
		})
		require.NoError(t, h.proc.Handle(context.Background(), msg))
	}

	body, ct := multipartBody(t, nil, "file_"+acc.ImageID.String(), "image/png", pngBytes(t))
	w = h.do(t, http.MethodPatch, "/batch/replace", "alice", body, ct)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var res struct {
		SuccessCount int `json:"successCount"`
		FailedCount  int `json:"failedCount"`
		Results      []struct {
			ImageID          string                  `json:"imageId"`
			ProcessingStatus models.ProcessingStatus `json:"processingStatus"`
		} `json:"results"`
	}
	decode(t, w, &res)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Zero(t, res.FailedCount)
	require.Len(t, res.Results, 1)
	assert.Equal(t, models.ProcessingQueued, res.Results[0].ProcessingStatus)

	w = h.do(t, http.MethodPatch, "/batch/replace", "alice", []byte("--x--"), "multipart/form-data; boundary=x")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBulkNotification(t *testing.T) {
	h := newHarness(t)

	w := h.doJSON(t, http.MethodPost, "/bulk-upload-notification", "alice",
		gin.H{"batchId": "b1", "successCount": 3, "failedCount": 2, "totalCount": 4})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.doJSON(t, http.MethodPost, "/bulk-upload-notification", "alice",
		gin.H{"batchId": "b1", "successCount": 8, "failedCount": 2, "totalCount": 10})
	require.Equal(t, http.StatusAccepted, w.Code)
	var totals batch.Totals
	decode(t, w, &totals)
	assert.Equal(t, 8, totals.SuccessCount)
	assert.Equal(t, 10, totals.TotalCount)
}
