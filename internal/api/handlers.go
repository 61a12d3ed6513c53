package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// parseID parses an ID from the URL path
func parseID(req *http.Request, param string) (int64, error) {
	idStr := req.PathValue(param)
	return strconv.ParseInt(idStr, 10, 64)
}

// handleStatus returns the supervisor's composite server view
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.status())
}

// handleGetConsole returns recent console history. By default installer
// noise is filtered out; raw=true returns everything. offset pages
// backwards through older lines.
func (r *Router) handleGetConsole(w http.ResponseWriter, req *http.Request) {
	lines := parseLimit(req, 100, 1000)
	offset := parseOffset(req)
	raw := req.URL.Query().Get("raw") == "true"

	entries := r.console.Recent(lines, !raw, offset)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lines":  entries,
		"count":  len(entries),
		"offset": offset,
		"total":  r.console.Len(),
	})
}

// handleGetMetrics returns samples in a time range. The store picks the
// tier matching the range width.
func (r *Router) handleGetMetrics(w http.ResponseWriter, req *http.Request) {
	now := float64(time.Now().Unix())
	start, err := parseTimestamp(req, "start", now-3600)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start timestamp")
		return
	}
	end, err := parseTimestamp(req, "end", now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end timestamp")
		return
	}
	if end <= start {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	samples, err := r.metrics.Query(req.Context(), start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"start":   start,
		"end":     end,
		"samples": samples,
	})
}

// handleGetMetricsLatest returns the most recent sample and disk size
func (r *Router) handleGetMetricsLatest(w http.ResponseWriter, req *http.Request) {
	sample, err := r.metrics.Latest(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := map[string]interface{}{"sample": sample}
	if sizeMB, ok, err := r.metrics.LatestDiskSize(req.Context()); err == nil && ok {
		response["disk_size_mb"] = sizeMB
	}
	writeJSON(w, http.StatusOK, response)
}

// handleGetDiskHistory returns disk size samples in a time range
func (r *Router) handleGetDiskHistory(w http.ResponseWriter, req *http.Request) {
	now := float64(time.Now().Unix())
	start, err := parseTimestamp(req, "start", now-86400)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start timestamp")
		return
	}
	end, err := parseTimestamp(req, "end", now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end timestamp")
		return
	}

	samples, err := r.metrics.QueryDiskSize(req.Context(), start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"samples": samples})
}

// handleHealth returns a simple health check response
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
