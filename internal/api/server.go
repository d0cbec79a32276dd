// Package api implements the control HTTP API: status, scheduler
// start/stop/mode, job CRUD, manual run/cancel, log tails, resource-group
// summaries, and a test-notification endpoint — the JSON surface an
// operator or dashboard drives the engine through.
package api

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"taskctl/internal/catalog"
	"taskctl/internal/engine"
	"taskctl/internal/notifier"
	"taskctl/internal/resourcegroup"
	"taskctl/internal/run"
	"taskctl/internal/storage"
	logx "taskctl/pkg/logx"
)

// New constructs a Server wired to the engine and its collaborators. notify
// and audit may both be nil (test-notification then returns 400; audit
// logging becomes a no-op).
func New(eng *engine.Service, catalogMgr *catalog.Manager, store *run.Store, groups *resourcegroup.Table, notify *notifier.Service, audit storage.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		eng:        eng,
		catalogMgr: catalogMgr,
		store:      store,
		groups:     groups,
		notify:     notify,
		audit:      audit,
		log:        log,
	}
}

// requestLogger logs each request's method, path, status, and duration at
// debug level, tagging every line with chi's request id for correlation.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.String("request_id", chimw.GetReqID(r.Context())),
			logx.Duration("elapsed", time.Since(start)),
		)
	})
}
