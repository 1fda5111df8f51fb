package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// EnvURL is the environment variable harness tests read the stub URL from.
const EnvURL = "BUILDBOX_STUB_URL"

// RequestsPath lists the requests the server has recorded.
const RequestsPath = "/__buildbox/requests"

// Recorded is a request received by the stub server.
type Recorded struct {
	Method  string    `json:"method"`
	Path    string    `json:"path"`
	Query   string    `json:"query,omitempty"`
	Stub    string    `json:"stub,omitempty"`
	Matched bool      `json:"matched"`
	At      time.Time `json:"at"`
}

// Server serves stubs over HTTP on a loopback port.
type Server struct {
	stubs  []*Stub
	logger *slog.Logger

	mu       sync.Mutex
	hits     []int
	requests []Recorded

	listener net.Listener
	http     *http.Server
}

// NewServer creates a stub server. Stubs are matched in declaration order.
func NewServer(stubs []*Stub, logger *slog.Logger) *Server {
	return &Server{
		stubs:  stubs,
		logger: logger,
		hits:   make([]int, len(stubs)),
	}
}

// Router creates the HTTP router serving the stubs
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(RequestsPath, s.handleRequests)
	r.HandleFunc("/*", s.handleStub)
	r.NotFound(s.handleStub)
	r.MethodNotAllowed(s.handleStub)

	return r
}

// Start listens on 127.0.0.1 with an ephemeral port and serves in the background.
func (s *Server) Start() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to start stub server: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("stub server stopped", "error", err)
		}
	}()

	s.logger.Debug("stub server started", "url", s.URL(), "stubs", len(s.stubs))
	return s.URL(), nil
}

// URL returns the base URL, empty before Start.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// Close shuts the server down.
func (s *Server) Close(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStub(w http.ResponseWriter, r *http.Request) {
	rec := Recorded{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		At:     time.Now().UTC(),
	}

	matched := -1
	for i, stub := range s.stubs {
		if stub.Matches(r) {
			matched = i
			break
		}
	}

	s.mu.Lock()
	if matched >= 0 {
		s.hits[matched]++
		rec.Matched = true
		rec.Stub = s.stubs[matched].Label()
	}
	s.requests = append(s.requests, rec)
	s.mu.Unlock()

	if matched < 0 {
		s.logger.Warn("unmatched stub request", "method", r.Method, "path", r.URL.Path)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "no stub matches request",
			"method": r.Method,
			"path":   r.URL.Path,
		})
		return
	}

	resp := s.stubs[matched].Response
	if resp.DelayMS > 0 {
		select {
		case <-time.After(time.Duration(resp.DelayMS) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write([]byte(resp.Body))
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Requests())
}

// Requests returns a copy of every request received so far.
func (s *Server) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recorded(nil), s.requests...)
}

// Verify compares received requests with the stub expectations and returns
// one message per mismatch. Unmatched requests count only when strict.
func (s *Server) Verify(strict bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var problems []string
	for i, stub := range s.stubs {
		if stub.Expect != nil && s.hits[i] != *stub.Expect {
			problems = append(problems, fmt.Sprintf("stub %s expected %d request(s), got %d", stub.Label(), *stub.Expect, s.hits[i]))
		}
	}
	if strict {
		for _, rec := range s.requests {
			if !rec.Matched {
				problems = append(problems, fmt.Sprintf("unmatched request %s %s", rec.Method, rec.Path))
			}
		}
	}
	return problems
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
