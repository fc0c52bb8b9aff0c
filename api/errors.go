/*
errors.go - HTTP error envelope and domain error mapping

PURPOSE:
  One place where domain errors become status codes. Handlers never pick
  status codes themselves; they return errors from the domain layers and
  let writeDomainError translate.

ENVELOPE:
  { "detail": { "code": "stale_state", "message": "..." } }

MAPPING:
  422 validation_error | photo_required | export_limit_exceeded | unknown_rate_code
  401 unauthorized | access_denied_web
  403 forbidden_role | forbidden_op
  404 not_found
  409 stale_state | duplicate_idempotency_key
  410 gone
  500 internal_error

SEE ALSO:
  - domain/errors.go: The taxonomy being mapped
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/warp/crew-ledger/domain"
)

// errorDetail is the body of every non-2xx response.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// ScopeHash echoes the stored request hash on idempotency conflicts.
	ScopeHash string `json:"scope_hash,omitempty"`
}

type errorEnvelope struct {
	Detail errorDetail `json:"detail"`
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

// writeError writes the canonical envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Detail: errorDetail{Code: code, Message: message}})
}

// writeDomainError maps a domain error onto status + code.
func writeDomainError(w http.ResponseWriter, err error) {
	var dup *domain.DuplicateKeyError
	if errors.As(err, &dup) {
		writeJSON(w, http.StatusConflict, errorEnvelope{Detail: errorDetail{
			Code:      "duplicate_idempotency_key",
			Message:   dup.Error(),
			ScopeHash: dup.ScopeHash,
		}})
		return
	}

	switch {
	case errors.Is(err, domain.ErrPhotoRequired):
		writeError(w, http.StatusUnprocessableEntity, "photo_required", err.Error())
	case errors.Is(err, domain.ErrExportLimitExceeded):
		writeError(w, http.StatusUnprocessableEntity, "export_limit_exceeded", err.Error())
	case errors.Is(err, domain.ErrUnknownRateCode):
		writeError(w, http.StatusUnprocessableEntity, "unknown_rate_code", err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
	case errors.Is(err, domain.ErrAccessDeniedWeb):
		writeError(w, http.StatusUnauthorized, "access_denied_web", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, domain.ErrForbiddenOp):
		writeError(w, http.StatusForbidden, "forbidden_op", err.Error())
	case errors.Is(err, domain.ErrForbiddenRole):
		writeError(w, http.StatusForbidden, "forbidden_role", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrStaleState):
		writeError(w, http.StatusConflict, "stale_state", err.Error())
	case errors.Is(err, domain.ErrGone):
		writeError(w, http.StatusGone, "gone", err.Error())
	default:
		log.Printf("api: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
