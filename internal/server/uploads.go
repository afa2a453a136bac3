package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"photoingest/internal/models"
)

type preUploadRequest struct {
	ContentType string `json:"contentType" binding:"required"`
	Filename    string `json:"filename"`
}

// handlePreUpload issues a presigned target for a JSON request, or proxies
// the bytes itself when the request carries a multipart file.
func (s *Server) handlePreUpload(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Upload.TransferTimeout)
	defer cancel()

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			badRequest(c, "file is required")
			return
		}
		f, err := fh.Open()
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		defer f.Close()

		tr, err := s.svc.Accept(ctx, userID(c), fh.Header.Get("Content-Type"), f, fh.Size)
		if err != nil {
			s.fail(c, err, http.StatusBadGateway)
			return
		}
		c.JSON(http.StatusCreated, tr)
		return
	}

	var req preUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	tr, err := s.svc.Issue(ctx, userID(c), req.ContentType)
	if err != nil {
		s.fail(c, err, http.StatusBadGateway)
		return
	}
	c.JSON(http.StatusCreated, tr)
}

type finalizeRequest struct {
	UploadID string   `json:"uploadId" binding:"required"`
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Location string   `json:"location"`
	Tags     []string `json:"tags"`
}

type acceptedResponse struct {
	ImageID          uuid.UUID               `json:"imageId"`
	ProcessingStatus models.ProcessingStatus `json:"processingStatus"`
}

func (s *Server) handleFinalize(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	uploadID, err := uuid.Parse(req.UploadID)
	if err != nil {
		badRequest(c, "uploadId is not a valid id")
		return
	}

	img, err := s.svc.Finalize(c.Request.Context(), userID(c), uploadID, models.Metadata{
		Title:    req.Title,
		Category: req.Category,
		Location: req.Location,
		Tags:     req.Tags,
	})
	if err != nil {
		s.fail(c, err, http.StatusUnprocessableEntity)
		return
	}
	c.JSON(http.StatusAccepted, acceptedResponse{ImageID: img.ID, ProcessingStatus: img.ProcessingStatus})
}

func formTags(c *gin.Context) []string {
	var tags []string
	for _, v := range c.PostFormArray("tags") {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	return tags
}

// handleLegacyUpload accepts file and metadata in one multipart request.
func (s *Server) handleLegacyUpload(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Upload.TransferTimeout)
	defer cancel()

	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	defer f.Close()

	meta := models.Metadata{
		Title:    c.PostForm("title"),
		Category: c.PostForm("category"),
		Location: c.PostForm("location"),
		Tags:     formTags(c),
	}
	img, err := s.svc.Upload(ctx, userID(c), fh.Header.Get("Content-Type"), f, fh.Size, meta)
	if err != nil {
		s.fail(c, err, http.StatusUnprocessableEntity)
		return
	}
	c.JSON(http.StatusAccepted, acceptedResponse{ImageID: img.ID, ProcessingStatus: img.ProcessingStatus})
}

type replaceResult struct {
	ImageID          string                  `json:"imageId"`
	ProcessingStatus models.ProcessingStatus `json:"processingStatus,omitempty"`
	Error            string                  `json:"error,omitempty"`
}

// handleBatchReplace swaps the source of several images. Each part is named
// file_<imageId>; parts are handled independently and reported one by one.
func (s *Server) handleBatchReplace(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Upload.BulkTimeout)
	defer cancel()

	form, err := c.MultipartForm()
	if err != nil {
		badRequest(c, "multipart form expected")
		return
	}

	var results []replaceResult
	failed := 0
	for name, files := range form.File {
		if !strings.HasPrefix(name, "file_") || len(files) == 0 {
			continue
		}
		res := replaceResult{ImageID: strings.TrimPrefix(name, "file_")}
		id, err := uuid.Parse(res.ImageID)
		if err != nil {
			res.Error = "invalid image id"
			results = append(results, res)
			failed++
			continue
		}

		fh := files[0]
		f, err := fh.Open()
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			failed++
			continue
		}
		img, err := s.svc.Replace(ctx, userID(c), id, fh.Header.Get("Content-Type"), f, fh.Size)
		f.Close()
		if err != nil {
			res.Error = err.Error()
			failed++
		} else {
			res.ProcessingStatus = img.ProcessingStatus
		}
		results = append(results, res)
	}

	if len(results) == 0 {
		badRequest(c, "no file_<imageId> parts in request")
		return
	}
	status := http.StatusAccepted
	if failed == len(results) {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"results":      results,
		"successCount": len(results) - failed,
		"failedCount":  failed,
		"totalCount":   len(results),
	})
}

func (s *Server) handleBulkNotification(c *gin.Context) {
	var report models.BatchReport
	if err := c.ShouldBindJSON(&report); err != nil {
		badRequest(c, err.Error())
		return
	}
	report.ReceivedAt = time.Now()

	totals, err := s.notifier.ReportBatch(c.Request.Context(), report)
	if err != nil {
		s.fail(c, err, http.StatusBadGateway)
		return
	}
	c.JSON(http.StatusAccepted, totals)
}
