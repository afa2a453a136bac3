// Package queue hands processing jobs from the request path to the worker pool.
//
// The durable job row in the database is the source of truth; a message on the
// queue is only a wake-up for a worker. Lost or duplicated messages are
// tolerated: claims are exclusive, and the retry scheduler republishes due jobs.
package queue

import (
	"context"
	"errors"

	"photoingest/internal/models"
)

var ErrClosed = errors.New("queue closed")

type Handler func(ctx context.Context, msg models.JobMessage) error

type Queue interface {
	Publish(ctx context.Context, msg models.JobMessage) error
	// Consume delivers messages to h until ctx is cancelled. h returning
	// is the acknowledgement; its error is logged, not redelivered.
	Consume(ctx context.Context, h Handler) error
	Close() error
}
