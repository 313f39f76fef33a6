package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"wiogate/internal/auth"
	"wiogate/internal/metrics"
	"wiogate/pkg/types"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Authenticator verifies a session token.
type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

// HealthFunc reports whether the gateway is healthy and why.
type HealthFunc func() (ok bool, detail string)

// Server accepts dashboard WebSocket connections.
type Server struct {
	config    types.WebSocketConfig
	cookie    string
	verifier  Authenticator
	registry  Registry
	publisher Publisher
	upgrader  websocket.Upgrader
	health    HealthFunc
	metricsH  http.Handler
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server. Call Handler or ListenAndServe to use it.
func NewServer(config types.WebSocketConfig, cookie string, verifier Authenticator, registry Registry, publisher Publisher, logger *zap.Logger, m *metrics.Metrics) *Server {
	if config.Path == "" {
		config.Path = "/ws"
	}
	s := &Server{
		config:    config,
		cookie:    cookie,
		verifier:  verifier,
		registry:  registry,
		publisher: publisher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:      logger.Named("websocket"),
		metrics:  m,
		sessions: make(map[*Session]struct{}),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

// WithHealth serves fn at /healthz.
func (s *Server) WithHealth(fn HealthFunc) *Server {
	s.health = fn
	return s
}

// WithMetrics serves h at /metrics.
func (s *Server) WithMetrics(h http.Handler) *Server {
	s.metricsH = h
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metricsH != nil {
		mux.Handle("/metrics", s.metricsH)
	}
	return mux
}

// ListenAndServe serves until ctx ends, then closes every open session.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("WebSocket server listening", zap.String("address", s.config.Address), zap.String("path", s.config.Path))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("websocket server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("WebSocket server shutdown error", zap.Error(err))
	}
	s.CloseSessions()
	return nil
}

// CloseSessions closes every open session and waits for them to finish.
func (s *Server) CloseSessions() {
	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		s.reject(w, http.StatusForbidden, "bad_origin", fmt.Errorf("origin %q not allowed", r.Header.Get("Origin")))
		return
	}
	token, err := auth.TokenFromRequest(r, s.cookie)
	if err != nil {
		s.reject(w, http.StatusUnauthorized, "unauthorized", err)
		return
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.reject(w, http.StatusUnauthorized, "unauthorized", err)
		return
	}

	requested := WorkspacesFromQuery(r.URL.Query())
	if len(requested) == 0 {
		s.reject(w, http.StatusForbidden, "forbidden", errors.New("no workspace requested"))
		return
	}
	allowed := identity.Authorize(requested)
	if len(allowed) == 0 {
		s.reject(w, http.StatusForbidden, "forbidden", fmt.Errorf("user %s is not a member of %v", identity.UserID, requested))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.HandshakeResult("upgrade_failed")
		s.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	s.metrics.HandshakeResult("accepted")

	sess := New(conn, allowed, s.registry, s.publisher, Options{
		SendBuffer:   s.config.SendBuffer,
		WriteTimeout: s.config.WriteTimeout,
		PongTimeout:  s.config.PongTimeout,
		PingInterval: s.config.PingInterval,
	}, s.log, s.metrics)

	s.track(sess)
	defer s.untrack(sess)
	sess.Run()
}

// checkOrigin accepts requests without an Origin header, same-host origins
// and origins listed in AllowedOrigins. The session cookie is sent by
// browsers on cross-site upgrades, so anything else is refused.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return false
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) reject(w http.ResponseWriter, status int, result string, err error) {
	s.metrics.HandshakeResult(result)
	s.log.Info("Rejected dashboard connection", zap.Int("status", status), zap.Error(err))
	http.Error(w, http.StatusText(status), status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ok, detail := true, "ok"
	if s.health != nil {
		ok, detail = s.health()
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, detail)
}

// WorkspacesFromQuery collects workspace_id parameters. Repeated
// parameters and comma separated values are both accepted.
func WorkspacesFromQuery(q url.Values) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, value := range q["workspace_id"] {
		for _, id := range strings.Split(value, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
