// Package coordinator is the client side of an upload: it obtains a transfer
// target, streams the file with progress, and finalizes.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"photoingest/internal/models"
)

type Config struct {
	BaseURL          string
	Token            string
	PreUploadTimeout time.Duration
	TransferTimeout  time.Duration
	FinalizeTimeout  time.Duration
	// Legacy sends file and metadata in one request to /upload.
	Legacy bool
	// FinalizeRetries is how many times a failed finalize is retried after a
	// successful transfer. Zero leaves the decision to the caller.
	FinalizeRetries uint64
	HTTPClient      *http.Client
}

// File is one local file to upload.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

type Result struct {
	UploadID         uuid.UUID               `json:"uploadId"`
	ImageID          uuid.UUID               `json:"imageId"`
	ProcessingStatus models.ProcessingStatus `json:"processingStatus"`
	Err              error                   `json:"-"`
}

type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.PreUploadTimeout <= 0 {
		cfg.PreUploadTimeout = 120 * time.Second
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 120 * time.Second
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, http: hc, log: log.With().Str("component", "coordinator").Logger()}
}

// BeginUpload starts an upload in the background. Progress events arrive on
// the first channel, which is closed before the single Result is sent.
// Intermediate events are dropped when the reader falls behind; the events at
// 100 are always delivered. Neither channel has to be drained for the other
// to make progress.
func (c *Client) BeginUpload(ctx context.Context, f File, draft models.Metadata) (<-chan ProgressEvent, <-chan Result) {
	// transfer 100 and done 100 always fit in the buffer
	const reserved = 2
	events := make(chan ProgressEvent, 32)
	result := make(chan Result, 1)

	go func() {
		emit := func(ev ProgressEvent) {
			if ev.Percent < 100 && len(events) >= cap(events)-reserved {
				return
			}
			select {
			case events <- ev:
			default:
			}
		}
		res, err := c.Upload(ctx, f, draft, emit)
		close(events)
		if err != nil {
			res.Err = err
		}
		result <- res
		close(result)
	}()
	return events, result
}

// Upload runs one upload to completion, reporting progress through progress.
func (c *Client) Upload(ctx context.Context, f File, draft models.Metadata, progress func(ProgressEvent)) (Result, error) {
	t := newTracker(progress)
	t.report(PhaseTransfer, 0)

	if c.cfg.Legacy {
		return c.uploadLegacy(ctx, f, draft, t)
	}

	tr, err := c.preUpload(ctx, f)
	if err != nil {
		return Result{}, fmt.Errorf("pre-upload: %w", err)
	}
	res := Result{UploadID: tr.UploadID}

	if err := c.transfer(ctx, tr, f, t); err != nil {
		// the session stays pending and is reclaimed by its TTL
		return res, fmt.Errorf("transfer: %w", err)
	}
	t.report(PhaseTransfer, 100)

	acc, err := c.finalize(ctx, tr.UploadID, draft)
	if err != nil {
		return res, fmt.Errorf("finalize: %w", err)
	}
	t.report(PhaseDone, 100)

	res.ImageID = acc.ImageID
	res.ProcessingStatus = acc.ProcessingStatus
	return res, nil
}

type transferTarget struct {
	UploadID     uuid.UUID `json:"uploadId"`
	ObjectKey    string    `json:"objectKey"`
	UploadTarget *struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
	} `json:"uploadTarget"`
}

type accepted struct {
	ImageID          uuid.UUID               `json:"imageId"`
	ProcessingStatus models.ProcessingStatus `json:"processingStatus"`
}

func (c *Client) preUpload(ctx context.Context, f File) (*transferTarget, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PreUploadTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"contentType": f.ContentType, "filename": f.Name})
	var tr transferTarget
	if err := c.doJSON(ctx, http.MethodPost, "/pre-upload", body, &tr); err != nil {
		return nil, err
	}
	if tr.UploadTarget == nil || tr.UploadTarget.URL == "" {
		return nil, fmt.Errorf("%w: no upload target in response", models.ErrStorage)
	}
	return &tr, nil
}

func (c *Client) transfer(ctx context.Context, tr *transferTarget, f File, t *tracker) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)
	defer cancel()

	method := tr.UploadTarget.Method
	if method == "" {
		method = http.MethodPut
	}
	body := &progressReader{r: f.Body, size: f.Size, limit: 100, t: t}
	req, err := http.NewRequestWithContext(ctx, method, tr.UploadTarget.URL, body)
	if err != nil {
		return err
	}
	req.ContentLength = f.Size
	for k, v := range tr.UploadTarget.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", f.ContentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: object store answered %d", models.ErrStorage, resp.StatusCode)
	}
	return nil
}

func (c *Client) finalize(ctx context.Context, uploadID uuid.UUID, draft models.Metadata) (*accepted, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"uploadId": uploadID,
		"title":    draft.Title,
		"category": draft.Category,
		"location": draft.Location,
		"tags":     draft.Tags,
	})

	call := func(ctx context.Context) (*accepted, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.FinalizeTimeout)
		defer cancel()
		var acc accepted
		if err := c.doJSON(ctx, http.MethodPost, "/finalize", body, &acc); err != nil {
			return nil, err
		}
		return &acc, nil
	}

	if c.cfg.FinalizeRetries == 0 {
		return call(ctx)
	}

	// finalize is idempotent on uploadId, so repeating it is safe
	var acc *accepted
	backoff := retry.WithMaxRetries(c.cfg.FinalizeRetries, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		acc, err = call(ctx)
		if err != nil && retryable(err) {
			c.log.Warn().Err(err).Str("upload_id", uploadID.String()).Msg("finalize failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	return acc, err
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func (c *Client) uploadLegacy(ctx context.Context, f File, draft models.Metadata, t *tracker) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeLegacyForm(mw, f, draft, t))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/upload", pr)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	var acc accepted
	if err := c.do(ctx, req, &acc); err != nil {
		return Result{}, fmt.Errorf("upload: %w", err)
	}
	t.report(PhaseDone, 100)
	return Result{ImageID: acc.ImageID, ProcessingStatus: acc.ProcessingStatus}, nil
}

func writeLegacyForm(mw *multipart.Writer, f File, draft models.Metadata, t *tracker) error {
	fields := map[string]string{
		"title":    draft.Title,
		"category": draft.Category,
		"location": draft.Location,
		"tags":     strings.Join(draft.Tags, ","),
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	h.Set("Content-Type", f.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	body := &progressReader{r: f.Body, size: f.Size, limit: LegacyTransferCap, t: t}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(ctx, req, out)
}

func (c *Client) do(ctx context.Context, req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	if resp.StatusCode/100 != 2 {
		return newStatusError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	}
	return err
}
