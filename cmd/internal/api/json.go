package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"standup/cmd/internal/fault"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writeFault maps err onto a status and a user-facing message. Causes of
// unclassified and transient errors are logged, never returned.
func writeFault(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	kind := fault.KindOf(err)
	if kind == nil || kind == fault.ErrTransient {
		log.Error(op+".fail", "err", err)
	}
	writeError(w, statusFor(kind), fault.Code(err), fault.UserMessage(err))
}

func statusFor(kind error) int {
	switch kind {
	case fault.ErrValidation, fault.ErrInvalidCode, fault.ErrExpiredCode:
		return http.StatusBadRequest
	case fault.ErrUnauthenticated, fault.ErrPasswordRequired:
		return http.StatusUnauthorized
	case fault.ErrInvalidPassword, fault.ErrForbidden:
		return http.StatusForbidden
	case fault.ErrNotFound:
		return http.StatusNotFound
	case fault.ErrExpired:
		return http.StatusGone
	case fault.ErrSessionFull, fault.ErrConflict:
		return http.StatusConflict
	case fault.ErrRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// decodeJSON reads exactly one JSON object with no unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
