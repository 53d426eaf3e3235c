package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/audit"
	"github.com/shizukutanaka/Banken/internal/event"
	"github.com/shizukutanaka/Banken/internal/monitor"
)

const maxEventBody = 1 << 20 // 1 MiB

// handleIngest accepts a SecurityEvent payload. Acceptance means the
// event entered the pipeline; internal scoring outcomes are not the
// caller's business.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var e event.SecurityEvent
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err := decoder.Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload: "+err.Error())
		return
	}

	// Identity and transport facts may be filled in from the connection;
	// event content, the timestamp included, must arrive valid or not at all.
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Source.IP == "" {
		e.Source.IP = clientIP(r)
	}
	if e.Source.UserAgent == "" {
		e.Source.UserAgent = r.UserAgent()
	}

	if err := s.pipeline.ProcessEvent(r.Context(), &e); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"eventId":  e.ID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.health.Latest(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load health snapshot")
		return
	}
	if snapshot == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "unknown"})
		return
	}

	status := http.StatusOK
	if snapshot.Status == monitor.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snapshot)
}

func (s *Server) handleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 20)
	history, err := s.health.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load metrics history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(history),
		"snapshots": history,
	})
}

func (s *Server) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	criteria := audit.SearchCriteria{
		EventType: r.URL.Query().Get("type"),
		SourceIP:  r.URL.Query().Get("ip"),
		UserID:    r.URL.Query().Get("user"),
		Limit:     intQuery(r, "limit", 100),
	}

	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp, want RFC3339")
			return
		}
		criteria.From = t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp, want RFC3339")
			return
		}
		criteria.To = t
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		parsed, err := event.ParseSeverity(sev)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		criteria.Severity = &parsed
	}

	entries, err := s.trail.Search(r.Context(), criteria)
	if err != nil {
		s.logger.Error("Audit search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "audit search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	records, err := s.trail.Violations(r.Context(), r.URL.Query().Get("status"), intQuery(r, "limit", 100))
	if err != nil {
		s.logger.Error("Violation listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "violation listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(records),
		"violations": records,
	})
}

func (s *Server) handleViolationUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"status\": \"reviewed|closed\"}")
		return
	}

	if err := s.trail.UpdateViolationStatus(r.Context(), id, body.Status); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": body.Status,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
