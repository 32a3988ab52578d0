package collector

import (
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/vburojevic/apptrack/internal/domain"
)

type sessionPayload struct {
	UserID        string                   `json:"user_id"`
	SessionStart  string                   `json:"session_start"`
	SessionEnd    string                   `json:"session_end"`
	TotalDuration float64                  `json:"total_duration"` // hours, legacy field
	TotalSeconds  float64                  `json:"total_duration_seconds"`
	Location      *domain.LocationSnapshot `json:"location"`
	AgentID       string                   `json:"agent_id"`
}

type logPayload struct {
	UserID       string `json:"user_id"`
	LogTimestamp string `json:"log_timestamp"`
	LogContent   string `json:"log_content"`
	AgentID      string `json:"agent_id"`
}

type crashPayload struct {
	UserID         string                   `json:"user_id"`
	SessionStart   string                   `json:"session_start"`
	SessionEnd     string                   `json:"session_end"`
	CrashTime      string                   `json:"crash_time"`
	EventID        int                      `json:"event_id"`
	Provider       string                   `json:"provider"`
	ExceptionCode  string                   `json:"exception_code"`
	FaultingModule string                   `json:"faulting_module"`
	Message        string                   `json:"message"`
	Location       *domain.LocationSnapshot `json:"location"`
	AgentID        string                   `json:"agent_id"`
}

type sessionResponse struct {
	SessionID       int64                    `json:"session_id"`
	UserID          string                   `json:"user_id"`
	SessionStart    string                   `json:"session_start"`
	SessionEnd      string                   `json:"session_end"`
	DurationSeconds float64                  `json:"total_duration_seconds"`
	Location        *domain.LocationSnapshot `json:"location,omitempty"`
}

type logResponse struct {
	LogID        int64  `json:"log_id"`
	UserID       string `json:"user_id"`
	LogTimestamp string `json:"log_timestamp"`
	LogContent   string `json:"log_content"`
}

type crashResponse struct {
	CrashID        int64                    `json:"crash_id"`
	UserID         string                   `json:"user_id"`
	SessionStart   string                   `json:"session_start"`
	SessionEnd     string                   `json:"session_end"`
	CrashTime      string                   `json:"crash_time"`
	EventID        int                      `json:"event_id"`
	Provider       string                   `json:"provider"`
	ExceptionCode  string                   `json:"exception_code"`
	FaultingModule string                   `json:"faulting_module"`
	Signature      string                   `json:"signature"`
	Message        string                   `json:"message"`
	Location       *domain.LocationSnapshot `json:"location,omitempty"`
}

func (s *Server) handleAddSession(w http.ResponseWriter, r *http.Request) {
	var p sessionPayload
	if err := decodeJSON(r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	start, ok := domain.ParseFlexible(p.SessionStart)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "session_start is required")
		return
	}
	end, ok := domain.ParseFlexible(p.SessionEnd)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "session_end is required")
		return
	}

	// Newer agents send seconds; the legacy hours field is the fallback,
	// then the timestamps themselves.
	seconds := p.TotalSeconds
	if seconds == 0 && p.TotalDuration != 0 {
		seconds = p.TotalDuration * 3600
	}
	if seconds == 0 && end.After(start) {
		seconds = end.Sub(start).Seconds()
	}

	rec := SessionRecord{
		UserID:          p.UserID,
		Start:           start,
		End:             end,
		DurationSeconds: seconds,
		Location:        p.Location,
	}
	if err := s.store.UpsertSession(r.Context(), rec); err != nil {
		s.log.Errorw("session upsert failed", "user_id", p.UserID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store session")
		return
	}
	s.log.Infow("session upserted", "user_id", p.UserID, "agent_id", p.AgentID,
		"start", p.SessionStart, "end", p.SessionEnd)
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Session upserted"})
}

func (s *Server) handleAddLog(w http.ResponseWriter, r *http.Request) {
	var p logPayload
	if err := decodeJSON(r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	ts, ok := domain.ParseFlexible(p.LogTimestamp)
	if !ok {
		ts = time.Now().UTC()
	}
	rec := LogRecord{UserID: p.UserID, Timestamp: ts, Content: p.LogContent}
	if err := s.store.InsertLog(r.Context(), rec); err != nil {
		s.log.Errorw("log insert failed", "user_id", p.UserID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store log")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Log stored"})
}

func (s *Server) handleAddCrash(w http.ResponseWriter, r *http.Request) {
	var p crashPayload
	if err := decodeJSON(r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	rec := CrashRecord{
		UserID:         p.UserID,
		EventID:        p.EventID,
		Provider:       p.Provider,
		ExceptionCode:  p.ExceptionCode,
		FaultingModule: p.FaultingModule,
		Message:        p.Message,
		Location:       p.Location,
	}
	rec.SessionStart, _ = domain.ParseFlexible(p.SessionStart)
	rec.SessionEnd, _ = domain.ParseFlexible(p.SessionEnd)
	if t, ok := domain.ParseFlexible(p.CrashTime); ok {
		rec.CrashTime = t
	} else {
		rec.CrashTime = time.Now().UTC()
	}

	if err := s.store.InsertCrash(r.Context(), rec); err != nil {
		s.log.Errorw("crash insert failed", "user_id", p.UserID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store crash")
		return
	}
	s.log.Infow("crash stored", "user_id", p.UserID, "agent_id", p.AgentID,
		"event_id", p.EventID, "module", p.FaultingModule)

	if s.notifier != nil {
		go s.notifier.NotifyCrash(rec)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Crash stored"})
}

func (s *Server) handleListCrashes(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	sinceID, _ := strconv.ParseInt(r.URL.Query().Get("since_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	rows, err := s.store.ListCrashes(r.Context(), user, sinceID, limit)
	if err != nil {
		s.log.Errorw("crash query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query crashes")
		return
	}
	out := lo.Map(rows, func(r CrashRow, _ int) crashResponse {
		ev := domain.CrashEvent{
			EventID:        r.EventID,
			ExceptionCode:  r.ExceptionCode,
			FaultingModule: r.FaultingModule,
		}
		return crashResponse{
			CrashID:        r.ID,
			UserID:         r.UserID,
			SessionStart:   stamp(r.SessionStart),
			SessionEnd:     stamp(r.SessionEnd),
			CrashTime:      stamp(r.CrashTime),
			EventID:        r.EventID,
			Provider:       r.Provider,
			ExceptionCode:  r.ExceptionCode,
			FaultingModule: r.FaultingModule,
			Signature:      ev.Signature(),
			Message:        r.Message,
			Location:       r.Location,
		}
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"crashes": out})
}

func (s *Server) handleCrashSummary(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	groups, err := s.store.GroupCrashSignatures(r.Context(), user, limit)
	if err != nil {
		s.log.Errorw("crash summary failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to summarize crashes")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	rows, err := s.store.ListSessions(r.Context(), user)
	if err != nil {
		s.log.Errorw("session query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query sessions")
		return
	}
	out := lo.Map(rows, func(r SessionRow, _ int) sessionResponse {
		return sessionResponse{
			SessionID:       r.ID,
			UserID:          r.UserID,
			SessionStart:    stamp(r.Start),
			SessionEnd:      stamp(r.End),
			DurationSeconds: r.DurationSeconds,
			Location:        r.Location,
		}
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	rows, err := s.store.ListLogs(r.Context(), user)
	if err != nil {
		s.log.Errorw("log query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query logs")
		return
	}
	out := lo.Map(rows, func(r LogRow, _ int) logResponse {
		return logResponse{
			LogID:        r.ID,
			UserID:       r.UserID,
			LogTimestamp: stamp(r.Timestamp),
			LogContent:   r.Content,
		}
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.log.Errorw("user query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query users")
		return
	}
	if users == nil {
		users = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	m, err := s.store.UsageMetrics(r.Context(), user)
	if err != nil {
		s.log.Errorw("metrics query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}
