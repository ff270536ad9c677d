package admin

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"launcher/internal/storage"
	"launcher/internal/task/scheduler"
	logx "launcher/pkg/logx"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 1000
	pprofPrefix     = "/debug/pprof/"
)

// SnapshotSource is the scheduler view served on /status.
type SnapshotSource interface {
	Snapshot() scheduler.Snapshot
}

// RunSource lists persisted run records for /runs.
type RunSource interface {
	RecentRuns(ctx context.Context, name string, limit int) ([]storage.RunRecord, error)
}

type statusResponse struct {
	Now       time.Time          `json:"now"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
}

type runsResponse struct {
	Name string              `json:"name,omitempty"`
	Runs []storage.RunRecord `json:"runs"`
}

// Handler builds the admin mux for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/status", wrap(s.handleStatus))
	mux.HandleFunc("/runs", wrap(s.handleRuns))

	if cfg.Pprof {
		mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
		mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
		mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sched == nil {
		http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, statusResponse{Now: time.Now(), Scheduler: s.sched.Snapshot()})
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.runs == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	name := strings.TrimSpace(q.Get("name"))
	limit := defaultRunLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := s.runs.RecentRuns(r.Context(), name, limit)
	if err != nil {
		s.log.Warn("admin runs query failed", logx.String("task", name), logx.Err(err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	s.writeJSON(w, runsResponse{Name: name, Runs: runs})
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Debug("admin response write failed", logx.Err(err))
	}
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
