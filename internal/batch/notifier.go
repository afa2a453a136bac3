// Package batch aggregates client-reported outcomes of multi-file uploads.
// Reports are advisory and never gate an upload.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"photoingest/internal/models"
)

// Totals is the running aggregate for one batch ID.
type Totals struct {
	BatchID      string    `json:"batchId"`
	Reports      int       `json:"reports"`
	SuccessCount int       `json:"successCount"`
	FailedCount  int       `json:"failedCount"`
	TotalCount   int       `json:"totalCount"`
	LastReport   time.Time `json:"lastReport"`
}

type Notifier struct {
	mu     sync.Mutex
	totals map[string]*Totals
	log    zerolog.Logger
	now    func() time.Time
}

func NewNotifier(log zerolog.Logger) *Notifier {
	return &Notifier{
		totals: make(map[string]*Totals),
		log:    log.With().Str("component", "batch-notifier").Logger(),
		now:    time.Now,
	}
}

// ReportBatch records one report. Reports that break
// successCount+failedCount <= totalCount are rejected with a validation error.
func (n *Notifier) ReportBatch(_ context.Context, r models.BatchReport) (Totals, error) {
	const op = "batch.ReportBatch"

	if !r.Valid() {
		return Totals{}, fmt.Errorf("%s: %w", op, models.Invalid("counts",
			fmt.Sprintf("success %d + failed %d exceeds total %d", r.SuccessCount, r.FailedCount, r.TotalCount)))
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = n.now()
	}
	id := r.BatchID
	if id == "" {
		id = "anonymous"
	}

	n.mu.Lock()
	t, ok := n.totals[id]
	if !ok {
		t = &Totals{BatchID: id}
		n.totals[id] = t
	}
	t.Reports++
	t.SuccessCount += r.SuccessCount
	t.FailedCount += r.FailedCount
	t.TotalCount += r.TotalCount
	t.LastReport = r.ReceivedAt
	snapshot := *t
	n.mu.Unlock()

	n.log.Info().
		Str("batch_id", id).
		Int("success", r.SuccessCount).
		Int("failed", r.FailedCount).
		Int("total", r.TotalCount).
		Msg("batch upload reported")
	return snapshot, nil
}

func (n *Notifier) Totals(batchID string) (Totals, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.totals[batchID]
	if !ok {
		return Totals{}, false
	}
	return *t, true
}
