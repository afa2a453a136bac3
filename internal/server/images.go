package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"photoingest/internal/models"
)

func listQuery(c *gin.Context) models.ListQuery {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.Query("pageSize"))
	return models.ListQuery{
		Category: c.Query("category"),
		Page:     page,
		PageSize: size,
	}
}

func imageID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid image id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleListPublic(c *gin.Context) {
	page, err := s.svc.ListPublic(c.Request.Context(), listQuery(c))
	if err != nil {
		s.fail(c, err, http.StatusBadGateway)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleListOwner(c *gin.Context) {
	page, err := s.svc.ListOwner(c.Request.Context(), userID(c), listQuery(c))
	if err != nil {
		s.fail(c, err, http.StatusBadGateway)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleGetImage(c *gin.Context) {
	id, ok := imageID(c)
	if !ok {
		return
	}
	img, err := s.svc.Get(c.Request.Context(), userID(c), id)
	if err != nil {
		s.fail(c, err, http.StatusBadGateway)
		return
	}
	c.JSON(http.StatusOK, img)
}

func (s *Server) handleDownload(c *gin.Context) {
	id, ok := imageID(c)
	if !ok {
		return
	}
	variant := c.DefaultQuery("size", models.VariantOriginal)

	rc, info, err := s.svc.Download(c.Request.Context(), userID(c), id, variant)
	if err != nil {
		s.fail(c, err, http.StatusBadGateway)
		return
	}
	defer rc.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, info.Size, contentType, rc, map[string]string{
		"Cache-Control": "private, max-age=60",
	})
}

func (s *Server) handleEditImage(c *gin.Context) {
	id, ok := imageID(c)
	if !ok {
		return
	}
	var patch models.MetadataPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err.Error())
		return
	}
	img, err := s.svc.EditMetadata(c.Request.Context(), userID(c), id, patch)
	if err != nil {
		s.fail(c, err, http.StatusBadGateway)
		return
	}
	c.JSON(http.StatusOK, img)
}

func (s *Server) handleDeleteImage(c *gin.Context) {
	id, ok := imageID(c)
	if !ok {
		return
	}
	if err := s.svc.Delete(c.Request.Context(), userID(c), id); err != nil {
		s.fail(c, err, http.StatusBadGateway)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReprocess(c *gin.Context) {
	id, ok := imageID(c)
	if !ok {
		return
	}
	img, err := s.svc.Reprocess(c.Request.Context(), userID(c), id)
	if err != nil {
		s.fail(c, err, http.StatusBadGateway)
		return
	}
	c.JSON(http.StatusAccepted, acceptedResponse{ImageID: img.ID, ProcessingStatus: img.ProcessingStatus})
}
