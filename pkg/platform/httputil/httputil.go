// Package httputil centralizes JSON response envelopes so every handler and
// middleware answers with the same shape.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "itroad-gateway/pkg/domain-errors"
)

// WriteJSON writes v as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the wire envelope for gateway-origin errors.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteError translates a coded error into the JSON error envelope. Internal
// errors omit the description so infrastructure detail never reaches callers;
// everything else includes the caller-safe message.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	resp := errorResponse{Error: string(code)}
	var e *dErrors.Error
	if code != dErrors.CodeInternal && errors.As(err, &e) {
		resp.ErrorDescription = e.Message
	}
	WriteJSON(w, dErrors.ToHTTPStatus(code), resp)
}
