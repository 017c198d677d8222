package controlapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the standard envelope for every control API reply, mirroring
// pkg/controlplane/api/handlers/response.go's Status/Timestamp/Data/Error
// shape.
type Response struct {
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func ok(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Response{Status: "ok", Timestamp: time.Now().UTC(), Data: data})
}

func created(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusCreated, Response{Status: "ok", Timestamp: time.Now().UTC(), Data: data})
}

func errResponse(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, Response{Status: "error", Timestamp: time.Now().UTC(), Error: err.Error()})
}
