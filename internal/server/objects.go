package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"photoingest/internal/objectstore"
)

func objectKey(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("key"), "/")
}

// handlePutObject receives a presigned direct upload for the in-process store.
func (s *Server) handlePutObject(c *gin.Context) {
	key := objectKey(c)
	contentType := c.GetHeader("Content-Type")

	if err := s.objects.Verify(key, contentType, c.Query("expires"), c.Query("sig")); err != nil {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Upload.MaxBytes)
	if err := s.objects.Put(c.Request.Context(), key, body, c.Request.ContentLength, contentType); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "validation", "message": "object too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "storage", "message": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

// handleGetObject serves derivative URLs. Sources are only reachable through
// the download endpoint, which applies visibility rules.
func (s *Server) handleGetObject(c *gin.Context) {
	key := objectKey(c)
	if !strings.HasPrefix(key, "derivatives/") {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	rc, info, err := s.objects.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "storage", "message": err.Error()})
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, info.Size, info.ContentType, rc, nil)
}
