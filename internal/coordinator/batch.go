package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"photoingest/internal/besteffort"
	"photoingest/internal/models"
)

type BatchItem struct {
	File  File
	Draft models.Metadata
}

type BatchSummary struct {
	BatchID      string
	Results      []Result
	SuccessCount int
	FailedCount  int
	TotalCount   int
	// Notification is how the outcome report went. It never affects the uploads.
	Notification besteffort.Result
}

// UploadBatch uploads items with at most concurrency uploads in flight, then
// reports the outcome to the batch notifier as a best-effort call.
func (c *Client) UploadBatch(ctx context.Context, batchID string, items []BatchItem, concurrency int) BatchSummary {
	if concurrency < 1 {
		concurrency = 1
	}
	summary := BatchSummary{BatchID: batchID, Results: make([]Result, len(items)), TotalCount: len(items)}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(concurrency)
	for i, item := range items {
		g.Go(func() error {
			res, err := c.Upload(ctx, item.File, item.Draft, nil)
			if err != nil {
				res.Err = err
				c.log.Warn().Err(err).Str("file", item.File.Name).Msg("batch item failed")
			}
			mu.Lock()
			summary.Results[i] = res
			if err != nil {
				summary.FailedCount++
			} else {
				summary.SuccessCount++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report := models.BatchReport{
		BatchID:      batchID,
		SuccessCount: summary.SuccessCount,
		FailedCount:  summary.FailedCount,
		TotalCount:   summary.TotalCount,
	}
	summary.Notification = besteffort.Call(ctx, c.log, "bulk-upload-notification", func(ctx context.Context) error {
		return c.ReportBatch(ctx, report)
	})
	return summary
}

// ReportBatch posts a batch outcome to the notifier endpoint.
func (c *Client) ReportBatch(ctx context.Context, report models.BatchReport) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FinalizeTimeout)
	defer cancel()

	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/bulk-upload-notification", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(ctx, req, nil)
}
