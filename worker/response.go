package worker

import (
	"encoding/json"
	"net/http"

	"github.com/hupe1980/biomesh/core"
)

const ndjsonContentType = "application/x-ndjson"

type errorBody struct {
	Error string `json:"error"`
}

type statusBody struct {
	Status string `json:"status"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, errorBody{Error: message})
}

// envelopeError answers a stream request with a single error envelope.
func envelopeError(w http.ResponseWriter, status int, kind core.ErrorKind, message string) {
	w.Header().Set("Content-Type", ndjsonContentType)
	w.WriteHeader(status)
	_ = core.ErrorEnvelope(kind, message).Encode(w)
}
