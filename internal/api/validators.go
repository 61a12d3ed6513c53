package api

import (
	"net/http"
	"strconv"
)

// parseLimit parses and validates a limit parameter with default and max values
func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	if l := r.URL.Query().Get("lines"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLimit {
			return parsed
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLimit {
			return parsed
		}
	}
	return defaultLimit
}

// parseOffset parses and validates an offset parameter
func parseOffset(r *http.Request) int {
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return 0
}

// parseTimestamp parses a unix timestamp query parameter (seconds,
// fractional allowed), returning def when absent.
func parseTimestamp(r *http.Request, param string, def float64) (float64, error) {
	v := r.URL.Query().Get(param)
	if v == "" {
		return def, nil
	}
	return strconv.ParseFloat(v, 64)
}

var validOperations = map[string]bool{
	"start": true, "stop": true, "restart": true, "recover": true,
}

// validateOperation checks if a server lifecycle action is known
func validateOperation(action string) bool {
	return validOperations[action]
}
