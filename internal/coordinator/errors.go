package coordinator

import (
	"encoding/json"
	"fmt"
	"net/http"

	"photoingest/internal/models"
)

// StatusError is a non-2xx answer from the ingest API. It unwraps to the
// matching models error kind.
type StatusError struct {
	Code    int
	Kind    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("http %d", e.Code)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusBadRequest:
		return models.ErrValidation
	case http.StatusForbidden:
		return models.ErrForbidden
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusConflict:
		return models.ErrConflict
	case http.StatusUnprocessableEntity, http.StatusBadGateway:
		return models.ErrStorage
	case http.StatusGatewayTimeout:
		return models.ErrTimeout
	}
	return nil
}

func newStatusError(code int, body []byte) *StatusError {
	se := &StatusError{Code: code}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		se.Kind = payload.Error
		se.Message = payload.Message
	}
	return se
}
