// Package server exposes the control-plane HTTP API: scripts, actions,
// queues, workspace config, pipeline control, and log views.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/autoappdev/autoappdev/internal/config"
	"github.com/autoappdev/autoappdev/internal/control"
	"github.com/autoappdev/autoappdev/internal/logtail"
	"github.com/autoappdev/autoappdev/internal/msgio"
	"github.com/autoappdev/autoappdev/internal/store"
)

// Server wires the store, the pipeline controller, and the log ring behind
// the HTTP API.
type Server struct {
	cfg     *config.Config
	st      store.Store
	ctrl    *control.Controller
	logBuf  *logtail.Buffer
	log     zerolog.Logger
	httpSrv *http.Server

	baseCtx   context.Context
	cancel    context.CancelFunc
	startedAt string
}

// New builds the server and its route table.
func New(cfg *config.Config, st store.Store, ctrl *control.Controller, logBuf *logtail.Buffer, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		st:        st,
		ctrl:      ctrl,
		logBuf:    logBuf,
		log:       log,
		baseCtx:   ctx,
		cancel:    cancel,
		startedAt: time.Now().UTC().Format(time.RFC3339),
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/config", s.handleConfigGet)
	mux.HandleFunc("POST /api/config", s.handleConfigPost)
	mux.HandleFunc("GET /api/plan", s.handlePlanGet)
	mux.HandleFunc("POST /api/plan", s.handlePlanPost)
	mux.HandleFunc("GET /api/workspaces/{workspace}/config", s.handleWorkspaceConfigGet)
	mux.HandleFunc("POST /api/workspaces/{workspace}/config", s.handleWorkspaceConfigPost)
	mux.HandleFunc("GET /api/scripts", s.handleScriptsList)
	mux.HandleFunc("POST /api/scripts", s.handleScriptsCreate)
	mux.HandleFunc("GET /api/scripts/{id}", s.handleScriptGet)
	mux.HandleFunc("PUT /api/scripts/{id}", s.handleScriptUpdate)
	mux.HandleFunc("DELETE /api/scripts/{id}", s.handleScriptDelete)
	mux.HandleFunc("POST /api/scripts/parse", s.handleScriptsParse)
	mux.HandleFunc("POST /api/scripts/import-shell", s.handleScriptsImportShell)
	mux.HandleFunc("POST /api/scripts/parse-llm", s.handleScriptsParseLLM)
	mux.HandleFunc("GET /api/actions", s.handleActionsList)
	mux.HandleFunc("POST /api/actions", s.handleActionsCreate)
	mux.HandleFunc("POST /api/actions/update-readme", s.handleUpdateReadme)
	mux.HandleFunc("POST /api/actions/{id}/clone", s.handleActionClone)
	mux.HandleFunc("GET /api/actions/{id}", s.handleActionGet)
	mux.HandleFunc("PUT /api/actions/{id}", s.handleActionUpdate)
	mux.HandleFunc("DELETE /api/actions/{id}", s.handleActionDelete)
	mux.HandleFunc("GET /api/chat", s.queueList(store.QueueChat))
	mux.HandleFunc("POST /api/chat", s.handleChatPost)
	mux.HandleFunc("GET /api/inbox", s.queueList(store.QueueInbox))
	mux.HandleFunc("POST /api/inbox", s.handleInboxPost)
	mux.HandleFunc("GET /api/outbox", s.queueList(store.QueueOutbox))
	mux.HandleFunc("POST /api/outbox", s.handleOutboxPost)
	mux.HandleFunc("GET /api/pipeline", s.handlePipelineState)
	mux.HandleFunc("GET /api/pipeline/status", s.handlePipelineStatus)
	mux.HandleFunc("POST /api/pipeline/start", s.handlePipelineStart)
	mux.HandleFunc("POST /api/pipeline/stop", s.handlePipelineStop)
	mux.HandleFunc("POST /api/pipeline/pause", s.handlePipelinePause)
	mux.HandleFunc("POST /api/pipeline/resume", s.handlePipelineResume)
	mux.HandleFunc("GET /api/logs", s.handleLogsSince)
	mux.HandleFunc("GET /api/logs/tail", s.handleLogsTail)

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.requestLog(csrfProtect(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// StartBackground launches the reaper, the log tailers, and the outbox
// ingester. They stop when the server shuts down.
func (s *Server) StartBackground() {
	go s.ctrl.Run(s.baseCtx)
	for _, src := range []string{"pipeline", "backend"} {
		t := logtail.NewFileTailer(src, s.cfg.LogDir()+"/"+src+".log", s.logBuf)
		go t.Run(s.baseCtx)
	}
	ing := &msgio.Ingester{Store: s.st, RuntimeDir: s.cfg.RuntimeDir, Log: s.log}
	go ing.Run(s.baseCtx)
}

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.cfg.Addr()).Msg("listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains HTTP connections and stops background loops.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
	s.cancel()
}

// requestLog tags each request with a ULID and logs its outcome.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := ulid.Make().String()
		w.Header().Set("X-Request-ID", reqID)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// csrfProtect rejects mutating requests from non-localhost browser origins.
// CLI and same-host callers omit Origin or send a localhost one.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
