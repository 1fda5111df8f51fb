package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"buildbox/internal/build"
	"buildbox/internal/history"
	"buildbox/internal/notify"
	"buildbox/internal/workspace"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute
	GlobalRateLimit  = 12
	WebhookRateLimit = 4
)

// Server receives push webhooks and runs the pipeline of the pushed workspace.
type Server struct {
	Registry     *workspace.Registry
	History      *history.History
	LockManager  *build.LockManager
	Pipeline     Pipeline
	Status       notify.Reporter
	Logger       *slog.Logger
	ExposeOutput bool
	TestMode     bool

	// Secrets are redacted from recorded errors along with each workspace's
	// webhook secret.
	Secrets []string

	runWg      sync.WaitGroup // in-flight pipeline runs
	runOnce    sync.Once
	runCtx     context.Context
	cancelRuns context.CancelFunc
}

// NewServer creates a new server instance. hist may be nil, in which case
// runs are not recorded and /status is unavailable.
func NewServer(registry *workspace.Registry, hist *history.History, logger *slog.Logger, testMode bool) *Server {
	return &Server{
		Registry:    registry,
		History:     hist,
		LockManager: build.NewLockManager(),
		Pipeline:    &WorkspacePipeline{Logger: logger},
		Status:      notify.Nop{},
		Logger:      logger,
		TestMode:    testMode,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(s.logRequests)

	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, s.Logger))
	}

	r.Get("/health", s.HandleHealth)
	r.Get("/status/{workspaceName}", s.HandleStatus)

	if !s.TestMode {
		r.With(NewWebhookRateLimitMiddleware(WebhookRateLimit, s.Logger)).Post("/in/{workspaceName}", s.HandleWebhook)
	} else {
		r.Post("/in/{workspaceName}", s.HandleWebhook)
	}

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.Logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()),
				"duration_ms", time.Since(start).Milliseconds())
		}()

		next.ServeHTTP(ww, r)
	})
}

// HTTPServer returns the configured http.Server for addr.
func (s *Server) HTTPServer(host string, port int) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}
}

// runContext is the parent of every pipeline run. Shutdown cancels it when
// the runs outlive the shutdown deadline.
func (s *Server) runContext() context.Context {
	s.runOnce.Do(func() {
		s.runCtx, s.cancelRuns = context.WithCancel(context.Background())
	})
	return s.runCtx
}

// WaitForRuns waits for all in-flight pipeline runs to complete.
func (s *Server) WaitForRuns() {
	s.runWg.Wait()
}

// Shutdown waits for in-flight runs and closes history. Runs still going
// when ctx ends are cancelled and recorded as such before history closes.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.Logger.Warn("shutdown timed out, cancelling runs still in flight")
		s.runContext()
		s.cancelRuns()
		<-done
	}

	if s.History != nil {
		return s.History.Close()
	}
	return nil
}
