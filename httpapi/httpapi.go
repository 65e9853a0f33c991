// Package httpapi exposes a Distributor over HTTP.
//
// POST /next with a "worker" form or query argument answers with the
// JSON-encoded task line, or null once all tasks were handed out.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/distributor"
)

// AssignmentIDHeader carries the id of the assignment answered by POST /next.
const AssignmentIDHeader = "X-Assignment-Id"

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	idleTimeout  = time.Minute
)

// Service is the part of a Distributor served over HTTP.
type Service interface {
	distributor.Assigner
	Stats() distributor.WorkerCounts
	Progress() distributor.Progress
}

type api struct {
	svc Service
}

// NewHandler returns the HTTP handler serving svc.
func NewHandler(svc Service) http.Handler {
	a := &api{svc: svc}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /next", a.next)
	mux.HandleFunc("GET /stats", a.stats)
	mux.HandleFunc("GET /progress", a.progress)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// NewServer creates an http.Server listening on addr.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}

func (a *api) next(w http.ResponseWriter, r *http.Request) {
	ctx := slogctx.With(r.Context(), "remoteAddr", r.RemoteAddr)

	worker := r.FormValue("worker")
	if worker == "" {
		http.Error(w, "missing worker", http.StatusBadRequest)
		return
	}

	assignment, err := a.svc.AssignTask(ctx, worker)
	if errors.Is(err, distributor.ErrWorkerIDMissing) {
		http.Error(w, "missing worker", http.StatusBadRequest)
		return
	}
	if err != nil {
		slogctx.Error(ctx, "failed to assign task", "worker", worker, "error", err)
		http.Error(w, "cannot assign task", http.StatusInternalServerError)
		return
	}

	w.Header().Set(AssignmentIDHeader, assignment.ID.String())
	writeJSON(ctx, w, assignment.Task())
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, a.svc.Stats())
}

func (a *api) progress(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, a.svc.Progress())
}
