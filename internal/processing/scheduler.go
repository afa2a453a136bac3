package processing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"photoingest/internal/models"
	"photoingest/internal/queue"
	"photoingest/internal/storage"
)

// Scheduler republishes jobs whose retry is due, whose message was lost, or
// whose worker died holding the lease. Jobs that already used every attempt
// are failed instead.
type Scheduler struct {
	repo           storage.Repository
	queue          queue.Queue
	interval       time.Duration
	redeliverAfter time.Duration
	batch          int
	log            zerolog.Logger
	now            func() time.Time
}

func NewScheduler(repo storage.Repository, q queue.Queue, interval, redeliverAfter time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		repo:           repo,
		queue:          q,
		interval:       interval,
		redeliverAfter: redeliverAfter,
		batch:          100,
		log:            log.With().Str("component", "retry-scheduler").Logger(),
		now:            time.Now,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error().Err(err).Msg("scheduler tick")
			}
		}
	}
}

// Tick runs one pass and returns how many jobs were republished.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	jobs, err := s.repo.DueJobs(ctx, now, s.redeliverAfter, s.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for i := range jobs {
		job := &jobs[i]
		log := s.log.With().Str("job_id", job.ID.String()).Int("attempt", job.Attempt).Logger()

		if job.Attempt >= job.MaxAttempts {
			// last attempt's worker died before settling
			cause := errors.New("lease expired on final attempt")
			if job.LastError != "" {
				cause = errors.New(job.LastError)
			}
			if err := MarkFailed(ctx, s.repo, job, cause); err != nil {
				log.Error().Err(err).Msg("fail exhausted job")
			}
			continue
		}

		if err := s.queue.Publish(ctx, models.JobMessage{JobID: job.ID, ImageID: job.ImageID}); err != nil {
			log.Warn().Err(err).Msg("republish job")
			continue
		}
		if err := s.repo.MarkPublished(ctx, job.ID, now); err != nil {
			log.Warn().Err(err).Msg("mark published")
		}
		published++
	}
	return published, nil
}
