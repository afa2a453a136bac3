package models

import "time"

// BatchReport is advisory; it never gates uploads.
type BatchReport struct {
	BatchID      string    `json:"batchId"`
	SuccessCount int       `json:"successCount"`
	FailedCount  int       `json:"failedCount"`
	TotalCount   int       `json:"totalCount"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

func (r BatchReport) Valid() bool {
	return r.SuccessCount >= 0 && r.FailedCount >= 0 && r.TotalCount >= 0 &&
		r.SuccessCount+r.FailedCount <= r.TotalCount
}
