package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"photoingest/internal/models"
)

// Pool runs a fixed number of workers. Submit blocks while all of them are
// busy, which throttles the consumer instead of spawning more storage I/O.
type Pool struct {
	tasks   chan models.JobMessage
	handler Handler
	wg      sync.WaitGroup
	once    sync.Once
	log     zerolog.Logger
}

func NewPool(ctx context.Context, size int, h Handler, log zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		tasks:   make(chan models.JobMessage),
		handler: h,
		log:     log.With().Str("component", "worker-pool").Logger(),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	return p
}

func (p *Pool) run(ctx context.Context, n int) {
	defer p.wg.Done()
	for msg := range p.tasks {
		if err := p.handler(ctx, msg); err != nil {
			p.log.Error().Err(err).Int("worker", n).Str("job_id", msg.JobID.String()).Msg("job handler failed")
		}
	}
}

// Submit hands msg to an idle worker, waiting for one if necessary.
// It is a Handler, so a Pool can be passed straight to Queue.Consume.
func (p *Pool) Submit(ctx context.Context, msg models.JobMessage) error {
	select {
	case p.tasks <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for running jobs to finish.
// Submit must not be called after Close.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.tasks) })
	p.wg.Wait()
}
