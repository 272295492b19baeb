package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/xela07ax/commitment-vault/internal/custody"
	"github.com/xela07ax/commitment-vault/internal/domain"
)

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

var kindStatus = map[domain.ErrorKind]int{
	domain.KindValidation:    http.StatusBadRequest,
	domain.KindState:         http.StatusConflict,
	domain.KindNotFound:      http.StatusNotFound,
	domain.KindAuthorization: http.StatusForbidden,
	domain.KindConcurrency:   http.StatusTooManyRequests,
	domain.KindArithmetic:    http.StatusUnprocessableEntity,
	domain.KindCapacity:      http.StatusConflict,
}

// statusFor переводит ошибку компонента в HTTP статус
func statusFor(err error) int {
	if s, ok := kindStatus[domain.KindOf(err)]; ok {
		return s
	}
	switch {
	case errors.Is(err, custody.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, custody.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, custody.ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, custody.ErrInvalidTransfer):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{
		Error:   "internal",
		Message: err.Error(),
		TraceID: TraceID(r.Context()),
	}

	var de *domain.Error
	if errors.As(err, &de) {
		resp.Error = de.Code
		resp.Kind = string(de.Kind)
	} else if status != http.StatusInternalServerError {
		resp.Error = "custody"
	}

	var tErr *custody.ThrottleError
	if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
		secs := int(math.Ceil(tErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("trace_id", resp.TraceID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			resp.Message = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:   "bad_request",
		Message: msg,
		TraceID: TraceID(r.Context()),
	})
}
