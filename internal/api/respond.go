package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"solana-gas-relay/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err *domain.Error) int {
	switch err.Code {
	case domain.CodeQuoteNotFound:
		return http.StatusNotFound
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeNotConfigured:
		return http.StatusNotImplemented
	}
	switch err.Kind {
	case domain.KindClient, domain.KindRejection:
		return http.StatusBadRequest
	case domain.KindExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error", "code"}. Upstream causes are attached to the
// message; internal causes are not exposed.
func writeError(w http.ResponseWriter, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		derr = domain.WrapError(domain.KindInternal, domain.CodeInternal, "internal error", err)
	}

	msg := derr.Message
	if derr.Kind == domain.KindUpstream && derr.Err != nil {
		msg += ": " + derr.Err.Error()
	}
	writeJSON(w, statusFor(derr), errorResponse{Error: msg, Code: derr.Code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// request bodies carry at most one wire transaction
const maxBodyBytes = 64 << 10

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return domain.WrapError(domain.KindClient, domain.CodeMissingField, "request body must be a JSON object", err)
	}
	return nil
}
