package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"windlass.sh/core/log"
	"windlass.sh/core/notifier"
	"windlass.sh/core/poller/config"
	"windlass.sh/core/poller/journal"
)

// StatusServer is the optional per-poller HTTP surface: a health
// check, a status snapshot and a live event stream.
type StatusServer struct {
	name    string
	kind    config.Kind
	repo    string
	started time.Time

	j *journal.Journal
	n *notifier.Notifier
	l *slog.Logger
}

func NewStatusServer(ctx context.Context, p config.Poller, j *journal.Journal, n *notifier.Notifier) *StatusServer {
	return &StatusServer{
		name:    p.Name,
		kind:    p.Kind,
		repo:    p.Repo,
		started: time.Now().UTC(),
		j:       j,
		n:       n,
		l:       log.FromContext(ctx),
	}
}

func (s *StatusServer) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Get("/status", s.Status)
	mux.Get("/events", s.Events)

	return mux
}

func (s *StatusServer) Status(w http.ResponseWriter, r *http.Request) {
	latest, err := s.j.Latest()
	if err != nil {
		s.l.Error("reading latest event failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"poller":     s.name,
		"kind":       s.kind,
		"repo":       s.repo,
		"started":    s.started,
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"last_event": latest,
	})
}
