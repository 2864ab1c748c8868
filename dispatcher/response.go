package dispatcher

import (
	"encoding/json"
	"net/http"

	"github.com/hupe1980/biomesh/core"
)

const ndjsonContentType = "application/x-ndjson"

type errorBody struct {
	Error string `json:"error"`
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

func errorJSON(message string) json.RawMessage {
	data, _ := json.Marshal(errorBody{Error: message})
	return data
}

func envelopeError(w http.ResponseWriter, status int, kind core.ErrorKind, message string) {
	w.Header().Set("Content-Type", ndjsonContentType)
	w.WriteHeader(status)
	_ = core.ErrorEnvelope(kind, message).Encode(w)
}
