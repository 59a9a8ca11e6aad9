package server

import (
	"encoding/json"
	"net/http"

	"marginalia/pkg/signature"

	"github.com/google/uuid"
)

func newRequestID() string { return "req_" + uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	writeTyped(w, status, "application/json", v)
}

func writeActivity(w http.ResponseWriter, status int, v any) {
	writeTyped(w, status, signature.ContentType, v)
}

func writeTyped(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("content-type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	resp := map[string]any{
		"request_id": newRequestID(),
		"error": map[string]any{
			"code": code, "message": message,
		},
	}
	writeJSON(w, status, resp)
}
