package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"photoingest/internal/models"
)

// Memory is a buffered in-process queue.
type Memory struct {
	ch     chan models.JobMessage
	once   sync.Once
	closed chan struct{}
	log    zerolog.Logger
}

var _ Queue = (*Memory)(nil)

func NewMemory(size int, log zerolog.Logger) *Memory {
	return &Memory{
		ch:     make(chan models.JobMessage, size),
		closed: make(chan struct{}),
		log:    log.With().Str("component", "memory-queue").Logger(),
	}
}

func (m *Memory) Publish(ctx context.Context, msg models.JobMessage) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- msg:
		return nil
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.closed:
			return nil
		case msg := <-m.ch:
			if err := h(ctx, msg); err != nil {
				m.log.Error().Err(err).Str("job_id", msg.JobID.String()).Msg("error handling message")
			}
		}
	}
}

// Len reports the number of undelivered messages.
func (m *Memory) Len() int {
	return len(m.ch)
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
