package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/ironca/artifact"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/ledger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps an engine error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, issuance.ErrValidation), errors.Is(err, artifact.ErrUnknownKind),
		errors.Is(err, artifact.ErrSerialRequired):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrRequestNotFound), errors.Is(err, ledger.ErrCertificateNotFound):
		return http.StatusNotFound
	case errors.Is(err, artifact.ErrNoPrivateKey), errors.Is(err, artifact.ErrUnavailable):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, issuance.ErrCapability):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Storage and collision details stay in the server log.
		msg = "internal error"
	}
	writeError(w, status, msg)
}
