package web

import (
	"encoding/json"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/seasbee/go-logx"
)

type errorBody struct {
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	if id := chimiddleware.GetReqID(r.Context()); id != "" {
		w.Header().Set("X-Request-ID", id)
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead || body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logx.Warn("Failed to encode response", logx.String("path", r.URL.Path), logx.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeJSON(w, r, status, errorBody{Detail: detail, RequestID: chimiddleware.GetReqID(r.Context())})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
