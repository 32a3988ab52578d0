// Package collector is the server side of the pipeline: it ingests session,
// log and crash records over HTTP, persists them in Postgres, and exposes
// read endpoints for dashboards. Handlers hold no state between requests;
// the sessions table's uniqueness constraint is the only dedupe mechanism.
package collector

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Storage is what the HTTP layer needs from the database. *Store satisfies
// it; tests substitute a fake.
type Storage interface {
	UpsertSession(ctx context.Context, rec SessionRecord) error
	InsertLog(ctx context.Context, rec LogRecord) error
	InsertCrash(ctx context.Context, rec CrashRecord) error
	ListCrashes(ctx context.Context, user string, sinceID int64, limit int) ([]CrashRow, error)
	GroupCrashSignatures(ctx context.Context, user string, limit int) ([]SignatureGroup, error)
	ListSessions(ctx context.Context, user string) ([]SessionRow, error)
	ListLogs(ctx context.Context, user string) ([]LogRow, error)
	ListUsers(ctx context.Context) ([]string, error)
	UsageMetrics(ctx context.Context, user string) (Metrics, error)
}

// CrashNotifier is the out-of-band alert hook, called in a goroutine after a
// successful crash insert.
type CrashNotifier interface {
	NotifyCrash(rec CrashRecord)
}

// ServerConfig holds the HTTP-facing settings.
type ServerConfig struct {
	Addr        string
	AdminToken  string
	CORSOrigins []string
}

// Server serves the ingestion and query API. Handlers are stateless; the
// database's uniqueness constraint is the only cross-request coordination.
type Server struct {
	cfg      ServerConfig
	store    Storage
	notifier CrashNotifier
	log      *zap.SugaredLogger
}

// NewServer wires the API over the given storage. notifier may be nil.
func NewServer(cfg ServerConfig, store Storage, notifier CrashNotifier, log *zap.SugaredLogger) *Server {
	return &Server{cfg: cfg, store: store, notifier: notifier, log: log}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /add-session", s.handleAddSession)
	mux.HandleFunc("POST /add-log", s.handleAddLog)
	mux.HandleFunc("POST /add-crash", s.handleAddCrash)
	mux.HandleFunc("GET /crashes", s.handleListCrashes)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /logs", s.handleListLogs)
	mux.HandleFunc("GET /get_users", s.handleListUsers)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.Handle("GET /admin/crashes/summary", s.requireAdmin(http.HandlerFunc(s.handleCrashSummary)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.cors(mux)
}

// ListenAndServe runs the server until ctx is cancelled, then drains with a
// short shutdown grace.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Infow("collector listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

// cors applies the configured origin allowlist. An empty allowlist means no
// CORS headers at all.
func (s *Server) cors(next http.Handler) http.Handler {
	allowed := lo.SliceToMap(s.cfg.CORSOrigins, func(o string) (string, struct{}) { return o, struct{}{} })
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-Token")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin gates a handler behind the X-Admin-Token header, compared in
// constant time. An unset token disables the endpoint entirely.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			s.writeError(w, http.StatusForbidden, "admin endpoints disabled")
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnw("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	return dec.Decode(v)
}
