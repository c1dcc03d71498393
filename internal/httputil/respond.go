package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the flat error shape returned before any stream is opened.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message, detail string) {
	WriteJSON(w, status, ErrorBody{Error: message, Detail: detail})
}
