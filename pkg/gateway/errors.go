package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/harun/toolhub/pkg/history"
	"github.com/harun/toolhub/pkg/toolexecutor"
)

var errStatus = []struct {
	target error
	status int
	code   int
}{
	{toolexecutor.ErrToolNotFound, http.StatusNotFound, NotFound},
	{toolexecutor.ErrDomainNotFound, http.StatusNotFound, NotFound},
	{history.ErrNotFound, http.StatusNotFound, NotFound},
	{toolexecutor.ErrInvalidParameters, http.StatusBadRequest, InvalidParams},
	{toolexecutor.ErrCapacityExceeded, http.StatusTooManyRequests, TooManyConcurrent},
	{toolexecutor.ErrSafetyBlacklisted, http.StatusForbidden, Forbidden},
	{toolexecutor.ErrApprovalDenied, http.StatusForbidden, Forbidden},
	{toolexecutor.ErrCircuitOpen, http.StatusServiceUnavailable, Unavailable},
	{toolexecutor.ErrShutdown, http.StatusServiceUnavailable, Unavailable},
	{toolexecutor.ErrExecutionCancelled, http.StatusServiceUnavailable, Unavailable},
	{toolexecutor.ErrExecutionTimeout, http.StatusGatewayTimeout, Timeout},
	{toolexecutor.ErrApprovalTimeout, http.StatusGatewayTimeout, Timeout},
	{toolexecutor.ErrValidationFailed, http.StatusBadGateway, InternalError},
	{toolexecutor.ErrExecutionFailed, http.StatusBadGateway, InternalError},
}

// statusFor maps executor errors to HTTP status codes.
func statusFor(err error) int {
	for _, e := range errStatus {
		if errors.Is(err, e.target) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func rpcCodeFor(err error) int {
	for _, e := range errStatus {
		if errors.Is(err, e.target) {
			return e.code
		}
	}
	return InternalError
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
