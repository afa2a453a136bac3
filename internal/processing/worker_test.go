package processing

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photoingest/internal/models"
	"photoingest/internal/objectstore"
	"photoingest/internal/storage"
)

var testVariants = []models.VariantConfig{
	{Name: "thumbnail", Width: 16, Height: 16, Fill: true, Format: "jpg"},
	{Name: "medium", Width: 32, Format: "png"},
}

// flakyDeriver fails a variant a set number of times before succeeding.
type flakyDeriver struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlakyDeriver(failures map[string]int) *flakyDeriver {
	return &flakyDeriver{failures: failures, calls: map[string]int{}}
}

func (d *flakyDeriver) Derive(_ context.Context, _ image.Image, v models.VariantConfig) (Rendition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[v.Name]++
	if d.failures[v.Name] > 0 {
		d.failures[v.Name]--
		return Rendition{}, errors.New("encoder crashed")
	}
	return Rendition{Data: []byte(v.Name), ContentType: "image/" + v.Format, Ext: v.Format}, nil
}

func (d *flakyDeriver) callCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[name]
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: uint8(x * 6), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	repo    *storage.Memory
	objects *objectstore.Memory
	img     *models.Image
	job     *models.Job
	clock   time.Time
}

func newFixture(t *testing.T, maxAttempts int, writeSource bool) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		repo:    storage.NewMemory(),
		objects: objectstore.NewMemory("http://cdn.test", []byte("k")),
		clock:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	img := &models.Image{
		ID:               uuid.New(),
		OwnerID:          "owner",
		UploadID:         uuid.New(),
		ObjectKey:        "uploads/owner/2024/05/src.png",
		ContentType:      "image/png",
		Title:            "dunes",
		CategoryRef:      "landscape",
		Derivatives:      map[string]string{},
		ProcessingStatus: models.ProcessingQueued,
		ModerationStatus: models.ModerationPending,
		CreatedAt:        f.clock,
	}
	if writeSource {
		data := pngBytes(t)
		require.NoError(t, f.objects.Put(ctx, img.ObjectKey, bytes.NewReader(data), int64(len(data)), "image/png"))
	}
	job := models.NewJob(img.ID, maxAttempts, f.clock)
	stored, _, err := f.repo.CreateImageWithJob(ctx, img, job)
	require.NoError(t, err)
	f.img, f.job = stored, job
	return f
}

func (f *fixture) processor(d Deriver) *Processor {
	p := NewProcessor(f.repo, f.objects, d, Options{
		WorkerID:     "w1",
		Variants:     testVariants,
		SubtaskLimit: 2,
		LeaseTTL:     time.Minute,
		Backoff:      Backoff{Base: time.Second, Max: time.Minute, JitterPercent: 20},
	}, zerolog.Nop())
	p.now = func() time.Time { return f.clock }
	return p
}

func (f *fixture) msg() models.JobMessage {
	return models.JobMessage{JobID: f.job.ID, ImageID: f.img.ID}
}

func TestProcess_FailsTwiceThenCompletes(t *testing.T) {
	f := newFixture(t, 5, true)
	d := newFlakyDeriver(map[string]int{"medium": 2})
	p := f.processor(d)
	ctx := context.Background()

	out := p.Process(ctx, f.msg())
	assert.Equal(t, models.ProcessingQueued, out.Status)
	assert.Equal(t, 1, out.Attempt)
	require.Error(t, out.Err)

	img, err := f.repo.GetImage(ctx, f.img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingQueued, img.ProcessingStatus)
	assert.Contains(t, img.ProcessingError, "encoder crashed")

	// the retry is not due yet
	out = p.Process(ctx, f.msg())
	assert.True(t, out.Skipped)

	f.clock = f.clock.Add(time.Hour)
	out = p.Process(ctx, f.msg())
	assert.Equal(t, models.ProcessingQueued, out.Status)
	assert.Equal(t, 2, out.Attempt)

	f.clock = f.clock.Add(time.Hour)
	out = p.Process(ctx, f.msg())
	require.NoError(t, out.Err)
	assert.Equal(t, models.ProcessingComplete, out.Status)
	assert.Equal(t, 3, out.Attempt)

	img, err = f.repo.GetImage(ctx, f.img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingComplete, img.ProcessingStatus)
	assert.Equal(t, 3, img.ProcessingAttempts)
	assert.Empty(t, img.ProcessingError)
	assert.Equal(t, map[string]string{
		"thumbnail": "http://cdn.test/objects/" + DerivativeKey(img.ID, "thumbnail", "jpg"),
		"medium":    "http://cdn.test/objects/" + DerivativeKey(img.ID, "medium", "png"),
	}, img.Derivatives)
	assert.Equal(t, 40, img.Exif.Width)
	assert.NotEmpty(t, img.Palette)
	assert.True(t, img.PubliclyListable())

	// finished sub-tasks were not redone on retry
	assert.Equal(t, 1, d.callCount("thumbnail"))
	assert.Equal(t, 3, d.callCount("medium"))

	_, err = f.repo.GetJob(ctx, f.job.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestProcess_ExhaustsAttempts(t *testing.T) {
	f := newFixture(t, 3, true)
	p := f.processor(newFlakyDeriver(map[string]int{"medium": 100}))
	ctx := context.Background()

	var out Outcome
	for i := 0; i < 3; i++ {
		out = p.Process(ctx, f.msg())
		f.clock = f.clock.Add(time.Hour)
	}
	assert.Equal(t, models.ProcessingFailed, out.Status)
	assert.Equal(t, 3, out.Attempt)

	img, err := f.repo.GetImage(ctx, f.img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingFailed, img.ProcessingStatus)
	assert.Equal(t, 3, img.ProcessingAttempts)
	assert.Contains(t, img.ProcessingError, models.ErrProcessing.Error())
	assert.False(t, img.PubliclyListable())

	_, err = f.repo.GetJob(ctx, f.job.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	out = p.Process(ctx, f.msg())
	assert.True(t, out.Skipped)
}

func TestProcess_MissingSourceFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, 5, false)
	p := f.processor(newFlakyDeriver(nil))

	out := p.Process(context.Background(), f.msg())
	assert.Equal(t, models.ProcessingFailed, out.Status)
	assert.ErrorIs(t, out.Err, models.ErrStorage)
	assert.Equal(t, 1, out.Attempt)
}

func TestProcess_DuplicateDeliveryIsSkipped(t *testing.T) {
	f := newFixture(t, 5, true)
	ctx := context.Background()

	// another worker holds the lease
	_, err := f.repo.ClaimJob(ctx, f.job.ID, "w2", f.clock, time.Minute)
	require.NoError(t, err)

	out := f.processor(newFlakyDeriver(nil)).Process(ctx, f.msg())
	assert.True(t, out.Skipped)
	assert.NoError(t, out.Err)
}

func TestProcess_CallerCancellationAfterClaimIsIgnored(t *testing.T) {
	f := newFixture(t, 5, true)
	p := f.processor(newFlakyDeriver(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// the memory store claims regardless of ctx; the attempt itself must not see the cancellation
	out := p.Process(ctx, f.msg())
	require.NoError(t, out.Err)
	assert.Equal(t, models.ProcessingComplete, out.Status)
}

func TestHandle_ReportsOnlyUnsettledErrors(t *testing.T) {
	f := newFixture(t, 5, true)
	p := f.processor(newFlakyDeriver(map[string]int{"medium": 1}))

	assert.NoError(t, p.Handle(context.Background(), f.msg()))
}

// ctxRepo fails every call made with a finished context, the way a database
// driver does.
type ctxRepo struct {
	*storage.Memory
	rescheduleErr error
}

func (r *ctxRepo) ClaimJob(ctx context.Context, id uuid.UUID, owner string, now time.Time, lease time.Duration) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.Memory.ClaimJob(ctx, id, owner, now, lease)
}

func (r *ctxRepo) GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.Memory.GetImage(ctx, id)
}

func (r *ctxRepo) UpdateImage(ctx context.Context, img *models.Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Memory.UpdateImage(ctx, img)
}

func (r *ctxRepo) RecordSubtask(ctx context.Context, id uuid.UUID, owner, name, result string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Memory.RecordSubtask(ctx, id, owner, name, result)
}

func (r *ctxRepo) RescheduleJob(ctx context.Context, id uuid.UUID, owner string, next time.Time, lastErr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.rescheduleErr != nil {
		return r.rescheduleErr
	}
	return r.Memory.RescheduleJob(ctx, id, owner, next, lastErr)
}

func (r *ctxRepo) DeleteJob(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Memory.DeleteJob(ctx, id)
}

// stallingDeriver never finishes before its context does.
type stallingDeriver struct{}

func (stallingDeriver) Derive(ctx context.Context, _ image.Image, _ models.VariantConfig) (Rendition, error) {
	<-ctx.Done()
	return Rendition{}, ctx.Err()
}

func (f *fixture) timedProcessor(repo storage.Repository) *Processor {
	p := NewProcessor(repo, f.objects, stallingDeriver{}, Options{
		WorkerID:       "w1",
		Variants:       testVariants,
		SubtaskLimit:   4,
		AttemptTimeout: 50 * time.Millisecond,
		LeaseTTL:       time.Minute,
		Backoff:        Backoff{Base: time.Second, Max: time.Minute, JitterPercent: 20},
	}, zerolog.Nop())
	p.now = func() time.Time { return f.clock }
	return p
}

func TestProcess_TimedOutAttemptIsRescheduled(t *testing.T) {
	f := newFixture(t, 5, true)
	repo := &ctxRepo{Memory: f.repo}
	ctx := context.Background()

	out := f.timedProcessor(repo).Process(ctx, f.msg())
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Equal(t, models.ProcessingQueued, out.Status)

	job, err := f.repo.GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Empty(t, job.LeaseOwner)
	assert.Contains(t, job.LastError, "deadline exceeded")
	assert.True(t, job.NextAttemptAt.After(f.clock))
	// sub-tasks that beat the deadline are kept for the retry
	assert.Contains(t, job.Done, models.SubtaskExif)
	assert.Contains(t, job.Done, models.SubtaskPalette)

	img, err := f.repo.GetImage(ctx, f.img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingQueued, img.ProcessingStatus)
	assert.Contains(t, img.ProcessingError, "deadline exceeded")
}

func TestProcess_UnrecordedRetryKeepsProcessingStatus(t *testing.T) {
	f := newFixture(t, 5, true)
	repo := &ctxRepo{Memory: f.repo, rescheduleErr: errors.New("connection refused")}
	p := f.timedProcessor(repo)

	out := p.Process(context.Background(), f.msg())
	require.Error(t, out.Err)
	assert.Equal(t, models.ProcessingProcessing, out.Status)

	// the job still holds its lease; the scheduler takes over once it lapses
	job, err := f.repo.GetJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", job.LeaseOwner)
	assert.Empty(t, job.LastError)
}
