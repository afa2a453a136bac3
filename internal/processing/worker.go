// Package processing turns a finalized upload into its derivatives.
//
// A job moves queued -> processing -> complete, back to queued for a retry, or
// to failed once its attempts are exhausted. Each variant, the EXIF read and the
// palette are separate sub-tasks; finished sub-tasks are recorded on the job so
// a retry only redoes what failed.
package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"photoingest/internal/models"
	"photoingest/internal/objectstore"
	"photoingest/internal/storage"
)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// permanent marks an error that no retry can fix, such as an undecodable source.
func permanent(err error) error {
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Options struct {
	WorkerID       string
	Variants       []models.VariantConfig
	SubtaskLimit   int
	AttemptTimeout time.Duration
	LeaseTTL       time.Duration
	Backoff        Backoff
	PaletteSize    int
	// WriteTimeout bounds recording an attempt's outcome.
	WriteTimeout time.Duration
}

// Outcome reports what one delivery of a job did.
type Outcome struct {
	JobID   uuid.UUID
	ImageID uuid.UUID
	Attempt int
	Status  models.ProcessingStatus
	// Skipped is set when the job could not be claimed.
	Skipped bool
	Err     error
}

type Processor struct {
	repo    storage.Repository
	objects objectstore.Store
	deriver Deriver
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
}

func NewProcessor(repo storage.Repository, objects objectstore.Store, deriver Deriver, opts Options, log zerolog.Logger) *Processor {
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if opts.SubtaskLimit < 1 {
		opts.SubtaskLimit = 1
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if opts.AttemptTimeout <= 0 || opts.AttemptTimeout > opts.LeaseTTL {
		opts.AttemptTimeout = opts.LeaseTTL
	}
	if opts.PaletteSize <= 0 {
		opts.PaletteSize = 5
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Processor{
		repo:    repo,
		objects: objects,
		deriver: deriver,
		opts:    opts,
		log:     log.With().Str("component", "processor").Str("worker_id", opts.WorkerID).Logger(),
		now:     time.Now,
	}
}

// Handle adapts Process to queue.Handler.
func (p *Processor) Handle(ctx context.Context, msg models.JobMessage) error {
	out := p.Process(ctx, msg)
	// failures after a claim are settled on the job, or recovered once its lease lapses
	if out.Err != nil && out.Status == "" {
		return out.Err
	}
	return nil
}

// Process claims the job named by msg and runs one attempt.
func (p *Processor) Process(ctx context.Context, msg models.JobMessage) Outcome {
	out := Outcome{JobID: msg.JobID, ImageID: msg.ImageID}

	job, err := p.repo.ClaimJob(ctx, msg.JobID, p.opts.WorkerID, p.now(), p.opts.LeaseTTL)
	if err != nil {
		if errors.Is(err, models.ErrNotClaimable) {
			out.Skipped = true
			return out
		}
		out.Err = err
		return out
	}
	out.Attempt = job.Attempt

	log := p.log.With().
		Str("job_id", job.ID.String()).
		Str("image_id", job.ImageID.String()).
		Int("attempt", job.Attempt).
		Logger()
	log.Info().Msg("job claimed")
	start := p.now()

	// a claimed attempt is not cancellable by the caller, only bounded by its timeout
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.AttemptTimeout)
	defer cancel()

	img, err := storage.Update(attemptCtx, p.repo, job.ImageID, func(img *models.Image) error {
		img.ProcessingStatus = models.ProcessingProcessing
		img.ProcessingAttempts = job.Attempt
		return nil
	})
	if errors.Is(err, models.ErrNotFound) {
		log.Info().Msg("image gone, dropping job")
		_ = p.repo.DeleteJob(attemptCtx, job.ID)
		out.Skipped = true
		return out
	}
	if err != nil {
		return p.settle(ctx, job, out, fmt.Errorf("mark processing: %w", err), log)
	}

	runErr := p.runSubtasks(attemptCtx, job, img, log)
	if runErr != nil {
		return p.settle(ctx, job, out, runErr, log)
	}

	// the outcome is written even when the attempt used up its whole timeout
	writeCtx, cancelWrite := p.writeContext(ctx)
	defer cancelWrite()

	if _, err := storage.Update(writeCtx, p.repo, job.ImageID, func(img *models.Image) error {
		return p.applyResults(img, job.Done)
	}); err != nil {
		return p.settle(ctx, job, out, fmt.Errorf("store results: %w", err), log)
	}
	if err := p.repo.DeleteJob(writeCtx, job.ID); err != nil {
		log.Warn().Err(err).Msg("delete finished job")
	}

	log.Info().Dur("duration", p.now().Sub(start)).Msg("job completed")
	out.Status = models.ProcessingComplete
	return out
}

// runSubtasks runs every sub-task not yet in job.Done. Successful results are
// persisted on the job and merged into job.Done.
func (p *Processor) runSubtasks(ctx context.Context, job *models.Job, img *models.Image, log zerolog.Logger) error {
	pending := p.pendingSubtasks(job)
	if len(pending) == 0 {
		return nil
	}

	data, err := p.fetchSource(ctx, img.ObjectKey)
	if err != nil {
		return err
	}
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return permanent(fmt.Errorf("%w: decode source: %v", models.ErrProcessing, err))
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(p.opts.SubtaskLimit)

	for _, name := range pending {
		g.Go(func() error {
			result, err := p.runSubtask(ctx, name, img, src, data)
			if err == nil {
				err = p.repo.RecordSubtask(ctx, job.ID, p.opts.WorkerID, name, result)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("subtask", name).Msg("subtask failed")
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return nil
			}
			job.Done[name] = result
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (p *Processor) pendingSubtasks(job *models.Job) []string {
	var names []string
	for _, v := range p.opts.Variants {
		if _, ok := job.Done[v.Name]; !ok {
			names = append(names, v.Name)
		}
	}
	for _, name := range []string{models.SubtaskExif, models.SubtaskPalette} {
		if _, ok := job.Done[name]; !ok {
			names = append(names, name)
		}
	}
	return names
}

func (p *Processor) fetchSource(ctx context.Context, key string) ([]byte, error) {
	rc, _, err := p.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, permanent(fmt.Errorf("%w: source %s missing", models.ErrStorage, key))
		}
		return nil, fmt.Errorf("%w: fetch source: %v", models.ErrStorage, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read source: %v", models.ErrStorage, err)
	}
	return data, nil
}

func (p *Processor) variant(name string) (models.VariantConfig, bool) {
	for _, v := range p.opts.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return models.VariantConfig{}, false
}

func (p *Processor) runSubtask(ctx context.Context, name string, img *models.Image, src image.Image, data []byte) (string, error) {
	switch name {
	case models.SubtaskExif:
		meta := ExtractExif(data)
		b := src.Bounds()
		meta.Width, meta.Height = b.Dx(), b.Dy()
		encoded, err := json.Marshal(meta)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	case models.SubtaskPalette:
		return strings.Join(Palette(src, p.opts.PaletteSize), ","), nil
	}

	v, ok := p.variant(name)
	if !ok {
		return "", permanent(fmt.Errorf("unknown variant %q", name))
	}
	r, err := p.deriver.Derive(ctx, src, v)
	if err != nil {
		return "", err
	}
	key := DerivativeKey(img.ID, v.Name, r.Ext)
	if err := p.objects.Put(ctx, key, bytes.NewReader(r.Data), int64(len(r.Data)), r.ContentType); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", models.ErrStorage, key, err)
	}
	return key, nil
}

// DerivativeKey is where a variant of an image is stored.
func DerivativeKey(imageID uuid.UUID, variant, ext string) string {
	return fmt.Sprintf("derivatives/%s/%s.%s", imageID, variant, ext)
}

func (p *Processor) applyResults(img *models.Image, done map[string]string) error {
	derivatives := make(map[string]string, len(p.opts.Variants))
	for _, v := range p.opts.Variants {
		key, ok := done[v.Name]
		if !ok {
			return fmt.Errorf("variant %s missing from results", v.Name)
		}
		derivatives[v.Name] = p.objects.URL(key)
	}

	var meta models.Exif
	if err := json.Unmarshal([]byte(done[models.SubtaskExif]), &meta); err != nil {
		return fmt.Errorf("decode exif result: %w", err)
	}

	var palette []string
	if s := done[models.SubtaskPalette]; s != "" {
		palette = strings.Split(s, ",")
	}

	img.Derivatives = derivatives
	img.Exif = meta
	img.Palette = palette
	img.ProcessingStatus = models.ProcessingComplete
	img.ProcessingError = ""
	return nil
}

func (p *Processor) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.opts.WriteTimeout)
}

// settle decides between a retry and a terminal failure after a failed attempt.
// Its writes get their own deadline, since the attempt's may already be spent.
// When they fail the job keeps its lease and Status stays processing; the
// scheduler picks the job up again once the lease lapses.
func (p *Processor) settle(ctx context.Context, job *models.Job, out Outcome, cause error, log zerolog.Logger) Outcome {
	ctx, cancel := p.writeContext(ctx)
	defer cancel()

	out.Err = cause
	out.Status = models.ProcessingProcessing
	exhausted := job.Attempt >= job.MaxAttempts || isPermanent(cause)

	if !exhausted {
		next := p.now().Add(p.opts.Backoff.Delay(job.Attempt))
		if err := p.repo.RescheduleJob(ctx, job.ID, p.opts.WorkerID, next, cause.Error()); err != nil {
			log.Error().Err(err).AnErr("cause", cause).Msg("reschedule job")
			return out
		}
		if _, err := storage.Update(ctx, p.repo, job.ImageID, func(img *models.Image) error {
			img.ProcessingStatus = models.ProcessingQueued
			img.ProcessingError = cause.Error()
			return nil
		}); err != nil {
			log.Error().Err(err).Msg("mark image queued")
		}
		log.Warn().Err(cause).Time("next_attempt_at", next).Msg("attempt failed, retry scheduled")
		out.Status = models.ProcessingQueued
		return out
	}

	if err := MarkFailed(ctx, p.repo, job, cause); err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("mark image failed")
		return out
	}
	log.Error().Err(cause).Msg("job failed permanently")
	out.Status = models.ProcessingFailed
	return out
}

// MarkFailed records a terminal processing failure and drops the job.
func MarkFailed(ctx context.Context, repo storage.Repository, job *models.Job, cause error) error {
	_, err := storage.Update(ctx, repo, job.ImageID, func(img *models.Image) error {
		img.ProcessingStatus = models.ProcessingFailed
		img.ProcessingAttempts = job.Attempt
		img.ProcessingError = fmt.Sprintf("%v: %v", models.ErrProcessing, cause)
		return nil
	})
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return repo.DeleteJob(ctx, job.ID)
}
