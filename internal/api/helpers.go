package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
)

type errorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, StatusCode: status})
}

// intQuery parses an integer query parameter, falling back to def when the
// parameter is absent. A malformed value reports ok=false.
func intQuery(r *http.Request, name string, def int) (value int, ok bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// splitComma turns "a,b , c" into ["a" "b" "c"], dropping empties.
func splitComma(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
