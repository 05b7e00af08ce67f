package http

import (
	"net/http"

	"github.com/go-chi/render"

	apperrors "valuation-pipeline/internal/common/errors"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeValidation, apperrors.ErrCodeSchema:
		return http.StatusBadRequest
	case apperrors.ErrCodeDataUnavailable:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeExternalService, apperrors.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeRunAborted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	se := apperrors.AsStandard(err)
	status := StatusFor(se.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", map[string]interface{}{
			"path":  r.URL.Path,
			"code":  se.Code,
			"error": err.Error(),
		})
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Code: string(se.Code), Message: se.Message, Details: se.Details, RunID: se.RunID})
}
