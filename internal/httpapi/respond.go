package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/srg/blescope/internal/device"
)

// Result is the body of device and scan operations
type Result struct {
	OK     bool           `json:"ok"`
	Device *device.Device `json:"device,omitempty"`
	Active *bool          `json:"active,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // connection may already be gone
		json.NewEncoder(w).Encode(v)
	}
}

// writeResult maps err onto a status code: 404 not found, 409 conflict,
// 500 anything else
func writeResult(w http.ResponseWriter, d *device.Device, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, Result{OK: true, Device: d})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case device.IsNotFound(err):
		status = http.StatusNotFound
	case device.IsConflict(err):
		status = http.StatusConflict
	}
	writeJSON(w, status, Result{OK: false, Device: d, Error: err.Error()})
}
