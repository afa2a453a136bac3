package ingest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photoingest/internal/cache"
	"photoingest/internal/models"
	"photoingest/internal/objectstore"
	"photoingest/internal/processing"
	"photoingest/internal/queue"
	"photoingest/internal/sessions"
	"photoingest/internal/storage"
)

const owner = "user-1"

var testVariants = []models.VariantConfig{
	{Name: "thumbnail", Width: 16, Height: 16, Fill: true, Format: "jpg"},
	{Name: "medium", Width: 32, Format: "png"},
}

type env struct {
	svc      *Service
	repo     *storage.Memory
	sessions *sessions.Memory
	objects  *objectstore.Memory
	queue    *queue.Memory
	proc     *processing.Processor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		repo:     storage.NewMemory(),
		sessions: sessions.NewMemory(),
		objects:  objectstore.NewMemory("http://cdn.test", []byte("secret")),
		queue:    queue.NewMemory(64, zerolog.Nop()),
	}
	e.svc = e.service(e.repo, e.sessions)
	e.proc = processing.NewProcessor(e.repo, e.objects, processing.NewImagingDeriver(""), processing.Options{
		Variants: testVariants,
		LeaseTTL: time.Minute,
	}, zerolog.Nop())
	return e
}

// service builds a Service over the env's objects and queue with the given stores.
func (e *env) service(repo storage.Repository, sessStore sessions.Store) *Service {
	return NewService(Deps{
		Repo:       repo,
		Sessions:   sessStore,
		Objects:    e.objects,
		Queue:      e.queue,
		Categories: NewStaticCategories([]string{"Landscape", "portrait"}),
		Cache:      cache.NewListing(16, time.Minute),
	}, Options{
		PresignTTL:   15 * time.Minute,
		MaxBytes:     8 << 20,
		ContentTypes: []string{"image/jpeg", "image/png"},
		MaxAttempts:  3,
		PageSize:     10,
		Variants:     testVariants,
	}, zerolog.Nop())
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 48, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 48; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 5), G: 120, B: uint8(y * 7), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func meta() models.Metadata {
	return models.Metadata{Title: "Sunset over the bay", Category: "landscape", Tags: []string{"Sea", "sunset", "sea"}}
}

// upload issues a transfer and writes data the way a client following the
// presigned target would.
func (e *env) upload(t *testing.T, contentType string, data []byte) *Transfer {
	t.Helper()
	tr, err := e.svc.Issue(context.Background(), owner, contentType)
	require.NoError(t, err)
	require.NoError(t, e.objects.Put(context.Background(), tr.ObjectKey, bytes.NewReader(data), int64(len(data)), contentType))
	return tr
}

// finalized uploads a real PNG and finalizes it.
func (e *env) finalized(t *testing.T) *models.Image {
	t.Helper()
	tr := e.upload(t, "image/png", pngBytes(t))
	img, err := e.svc.Finalize(context.Background(), owner, tr.UploadID, meta())
	require.NoError(t, err)
	return img
}

func (e *env) jobFor(t *testing.T, imageID uuid.UUID) *models.Job {
	t.Helper()
	jobs, err := e.repo.DueJobs(context.Background(), time.Now().Add(time.Second), 0, 100)
	require.NoError(t, err)
	for i := range jobs {
		if jobs[i].ImageID == imageID {
			return &jobs[i]
		}
	}
	t.Fatalf("no due job for image %s", imageID)
	return nil
}

// process runs the image's job to completion.
func (e *env) process(t *testing.T, imageID uuid.UUID) {
	t.Helper()
	job := e.jobFor(t, imageID)
	out := e.proc.Process(context.Background(), models.JobMessage{JobID: job.ID, ImageID: imageID})
	require.NoError(t, out.Err)
	require.Equal(t, models.ProcessingComplete, out.Status)
}

func TestIssue_KeyIsScopedToOwner(t *testing.T) {
	e := newEnv(t)

	tr, err := e.svc.Issue(context.Background(), owner, "image/jpeg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tr.ObjectKey, "uploads/"+owner+"/"))
	assert.True(t, strings.HasSuffix(tr.ObjectKey, tr.UploadID.String()+".jpg"))
	require.NotNil(t, tr.Target)
	assert.Contains(t, tr.Target.URL, tr.ObjectKey)

	sess, err := e.sessions.Get(context.Background(), tr.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPending, sess.State)
}

func TestIssue_RejectsContentType(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Issue(context.Background(), owner, "application/pdf")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = e.svc.Issue(context.Background(), "", "image/png")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFinalize_CreatesQueuedRecord(t *testing.T) {
	e := newEnv(t)
	tr := e.upload(t, "image/jpeg", bytes.Repeat([]byte{0xff}, 5<<20))

	img, err := e.svc.Finalize(context.Background(), owner, tr.UploadID, meta())
	require.NoError(t, err)

	assert.Equal(t, models.ProcessingQueued, img.ProcessingStatus)
	assert.Equal(t, models.ModerationPending, img.ModerationStatus)
	assert.Equal(t, owner, img.OwnerID)
	assert.Equal(t, []string{"sea", "sunset"}, img.Tags)
	assert.Equal(t, 1, e.queue.Len())

	sess, err := e.sessions.Get(context.Background(), tr.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFinalized, sess.State)

	job := e.jobFor(t, img.ID)
	assert.Zero(t, job.Attempt)
	assert.False(t, job.PublishedAt.IsZero())
}

func TestFinalize_MissingObject(t *testing.T) {
	e := newEnv(t)
	tr, err := e.svc.Issue(context.Background(), owner, "image/jpeg")
	require.NoError(t, err)

	_, err = e.svc.Finalize(context.Background(), owner, tr.UploadID, meta())
	assert.ErrorIs(t, err, models.ErrStorage)

	_, err = e.repo.GetImageByUploadID(context.Background(), tr.UploadID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Zero(t, e.queue.Len())
}

func TestFinalize_Idempotent(t *testing.T) {
	e := newEnv(t)
	tr := e.upload(t, "image/png", pngBytes(t))

	first, err := e.svc.Finalize(context.Background(), owner, tr.UploadID, meta())
	require.NoError(t, err)
	second, err := e.svc.Finalize(context.Background(), owner, tr.UploadID, models.Metadata{Title: "other", Category: "portrait"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Title, second.Title)
	assert.Equal(t, 1, e.queue.Len())
}

func TestFinalize_ConcurrentCallsCreateOneRecord(t *testing.T) {
	e := newEnv(t)
	tr := e.upload(t, "image/png", pngBytes(t))

	const n = 12
	ids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			img, err := e.svc.Finalize(context.Background(), owner, tr.UploadID, meta())
			if assert.NoError(t, err) {
				ids[i] = img.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, e.queue.Len())
}

func TestFinalize_Validation(t *testing.T) {
	cases := map[string]models.Metadata{
		"empty title":      {Title: "  ", Category: "landscape"},
		"long title":       {Title: strings.Repeat("é", 141), Category: "landscape"},
		"missing category": {Title: "ok"},
		"unknown category": {Title: "ok", Category: "food"},
		"long location":    {Title: "ok", Category: "landscape", Location: strings.Repeat("x", 201)},
		"long tag":         {Title: "ok", Category: "landscape", Tags: []string{strings.Repeat("t", 41)}},
		"too many tags":    {Title: "ok", Category: "landscape", Tags: manyTags(21)},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			tr := e.upload(t, "image/png", pngBytes(t))

			_, err := e.svc.Finalize(context.Background(), owner, tr.UploadID, m)
			assert.ErrorIs(t, err, models.ErrValidation)

			_, err = e.repo.GetImageByUploadID(context.Background(), tr.UploadID)
			assert.ErrorIs(t, err, models.ErrNotFound)
			assert.Zero(t, e.queue.Len())
		})
	}
}

func manyTags(n int) []string {
	tags := make([]string, n)
	for i := range tags {
		tags[i] = "tag" + strings.Repeat("x", i)
	}
	return tags
}

func TestFinalize_TitleAtLimit(t *testing.T) {
	e := newEnv(t)
	tr := e.upload(t, "image/png", pngBytes(t))

	_, err := e.svc.Finalize(context.Background(), owner, tr.UploadID,
		models.Metadata{Title: strings.Repeat("é", 140), Category: "LANDSCAPE", Tags: manyTags(20)})
	assert.NoError(t, err)
}

func TestFinalize_RejectsForeignAndExpiredUploads(t *testing.T) {
	e := newEnv(t)
	tr := e.upload(t, "image/png", pngBytes(t))

	_, err := e.svc.Finalize(context.Background(), "someone-else", tr.UploadID, meta())
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = e.svc.Finalize(context.Background(), owner, uuid.New(), meta())
	assert.ErrorIs(t, err, models.ErrValidation)

	e.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = e.svc.Finalize(context.Background(), owner, tr.UploadID, meta())
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, e.queue.Len())
}

func TestFinalize_RejectsBadObjects(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		e := newEnv(t)
		tr := e.upload(t, "image/jpeg", make([]byte, 9<<20))
		_, err := e.svc.Finalize(context.Background(), owner, tr.UploadID, meta())
		assert.ErrorIs(t, err, models.ErrValidation)
	})
	t.Run("not an image", func(t *testing.T) {
		e := newEnv(t)
		tr, err := e.svc.Issue(context.Background(), owner, "image/png")
		require.NoError(t, err)
		require.NoError(t, e.objects.Put(context.Background(), tr.ObjectKey, strings.NewReader("%PDF"), 4, "application/pdf"))
		_, err = e.svc.Finalize(context.Background(), owner, tr.UploadID, meta())
		assert.ErrorIs(t, err, models.ErrValidation)
	})
	t.Run("empty", func(t *testing.T) {
		e := newEnv(t)
		tr := e.upload(t, "image/png", nil)
		_, err := e.svc.Finalize(context.Background(), owner, tr.UploadID, meta())
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestUpload_LegacyPath(t *testing.T) {
	e := newEnv(t)
	data := pngBytes(t)

	img, err := e.svc.Upload(context.Background(), owner, "image/png", bytes.NewReader(data), int64(len(data)), meta())
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingQueued, img.ProcessingStatus)
	assert.Equal(t, 1, e.queue.Len())

	e.process(t, img.ID)
	got, err := e.svc.Get(context.Background(), "", img.ID)
	require.NoError(t, err)
	assert.Len(t, got.Derivatives, len(testVariants))
}

func TestUpload_BadMetadataMovesNoBytes(t *testing.T) {
	e := newEnv(t)
	data := pngBytes(t)

	_, err := e.svc.Upload(context.Background(), owner, "image/png", bytes.NewReader(data), int64(len(data)), models.Metadata{})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, e.objects.Len())
}

func TestAccept_RecordsUploadedSession(t *testing.T) {
	e := newEnv(t)
	data := pngBytes(t)

	tr, err := e.svc.Accept(context.Background(), owner, "image/png; charset=binary", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Nil(t, tr.Target)

	sess, err := e.sessions.Get(context.Background(), tr.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionUploaded, sess.State)
	assert.Equal(t, "image/png", sess.ContentType)
}

// hookedSessions runs beforeFinalize just before a session is claimed for
// finalize, and can fail the claim outright.
type hookedSessions struct {
	*sessions.Memory
	beforeFinalize func()
	claimErr       error
}

func (h *hookedSessions) Transition(ctx context.Context, uploadID uuid.UUID, to models.SessionState, from ...models.SessionState) error {
	if to == models.SessionFinalized {
		if h.beforeFinalize != nil {
			h.beforeFinalize()
			h.beforeFinalize = nil
		}
		if h.claimErr != nil {
			return h.claimErr
		}
	}
	return h.Memory.Transition(ctx, uploadID, to, from...)
}

type failingCreateRepo struct {
	*storage.Memory
	failures int
}

func (r *failingCreateRepo) CreateImageWithJob(ctx context.Context, img *models.Image, job *models.Job) (*models.Image, bool, error) {
	if r.failures > 0 {
		r.failures--
		return nil, false, errors.New("connection reset")
	}
	return r.Memory.CreateImageWithJob(ctx, img, job)
}

// sweepAt runs one session sweep over the env's stores as of at.
func (e *env) sweepAt(at time.Time) int {
	sw := sessions.NewSweeper(e.sessions, e.objects, e.repo, time.Minute, true, zerolog.Nop())
	return sw.SweepAt(context.Background(), at)
}

func TestFinalize_SweepBeforeClaimLeavesNoRecord(t *testing.T) {
	e := newEnv(t)
	hooked := &hookedSessions{Memory: e.sessions}
	svc := e.service(e.repo, hooked)
	tr := e.upload(t, "image/png", pngBytes(t))

	// the sweeper wins the session after finalize checked expiry
	hooked.beforeFinalize = func() {
		require.Equal(t, 1, e.sweepAt(time.Now().Add(time.Hour)))
	}

	_, err := svc.Finalize(context.Background(), owner, tr.UploadID, meta())
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = e.repo.GetImageByUploadID(context.Background(), tr.UploadID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Zero(t, e.queue.Len())

	sess, err := e.sessions.Get(context.Background(), tr.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, sess.State)
}

func TestFinalize_FinalizedSourceSurvivesSweep(t *testing.T) {
	e := newEnv(t)
	img := e.finalized(t)

	assert.Zero(t, e.sweepAt(time.Now().Add(time.Hour)))

	_, err := e.objects.Stat(context.Background(), img.ObjectKey)
	assert.NoError(t, err)
	e.process(t, img.ID)
}

func TestFinalize_ClaimFailureCreatesNoRecord(t *testing.T) {
	e := newEnv(t)
	hooked := &hookedSessions{Memory: e.sessions, claimErr: errors.New("session store unavailable")}
	svc := e.service(e.repo, hooked)
	tr := e.upload(t, "image/png", pngBytes(t))

	_, err := svc.Finalize(context.Background(), owner, tr.UploadID, meta())
	require.Error(t, err)

	_, err = e.repo.GetImageByUploadID(context.Background(), tr.UploadID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Zero(t, e.queue.Len())

	// nothing references the object, so sweeping it is safe
	assert.Equal(t, 1, e.sweepAt(time.Now().Add(time.Hour)))
	_, err = e.objects.Stat(context.Background(), tr.ObjectKey)
	assert.ErrorIs(t, err, objectstore.ErrObjectNotFound)
}

func TestFinalize_RecordWriteFailureReleasesSession(t *testing.T) {
	e := newEnv(t)
	repo := &failingCreateRepo{Memory: e.repo, failures: 1}
	svc := e.service(repo, e.sessions)
	tr := e.upload(t, "image/png", pngBytes(t))

	_, err := svc.Finalize(context.Background(), owner, tr.UploadID, meta())
	require.Error(t, err)

	sess, err := e.sessions.Get(context.Background(), tr.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPending, sess.State)

	img, err := svc.Finalize(context.Background(), owner, tr.UploadID, meta())
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingQueued, img.ProcessingStatus)

	sess, err = e.sessions.Get(context.Background(), tr.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFinalized, sess.State)
}
