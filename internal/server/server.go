// server.go - HTTP server assembly, routing and lifecycle.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Server struct {
	cfg Config
	log *zap.Logger
	db  *sql.DB

	sessions  *SessionManager
	passwords *PasswordAuthenticator
	sshAuth   *ChallengeAuthenticator
	tickets   *TicketStore
	throttle  *FailureThrottle
	files     *FileRecordService
	pool      *cpuPool

	httpServer *http.Server
}

func New(cfg Config, log *zap.Logger, db *sql.DB, store BlobStore) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		db:       db,
		sessions: NewSessionManager(db),
		tickets:  NewTicketStore(),
		throttle: NewFailureThrottle(),
		pool:     newCPUPool(0),
	}
	s.passwords = NewPasswordAuthenticator(db, s.sessions, s.throttle, s.pool, log)
	s.sshAuth = NewChallengeAuthenticator(db, s.tickets, s.sessions, log)
	s.files = NewFileRecordService(db, store, log)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(requestLogging(log))
	r.Use(secureHeaders)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/password", s.handlePasswordLogin)
		r.Post("/auth/ssh/step1", s.handleSSHStep1)
		r.Post("/auth/ssh/step2", s.handleSSHStep2)

		r.Post("/users", s.handleRegister)
		r.Get("/usernames/{username}", s.handleUsernameAvailable)
		r.Get("/config", s.handlePublicConfig)

		// Shared links work without a session.
		r.Get("/files/{file_id}/{file_name}", s.handleFileInfo)
		r.Get("/files/{file_id}/{file_name}/content", s.handleFileContent)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/logout", s.handleLogout)

			r.Post("/files", s.handleFileUpload)
			r.Delete("/files/{file_id}/{file_name}", s.handleFileDelete)

			r.Get("/users/{user_id}", s.handleUserInfo)
			r.Delete("/users/{user_id}", s.handleUserDelete)
			r.Put("/users/{user_id}/username", s.handleUsernameChange)
			r.Get("/users/{user_id}/files", s.handleUserFiles)
			r.Get("/users/{user_id}/ssh_keys", s.handleSSHKeyList)
			r.Post("/users/{user_id}/ssh_keys", s.handleSSHKeyAdd)
			r.Delete("/users/{user_id}/ssh_keys/{fingerprint}", s.handleSSHKeyDelete)
			r.Put("/users/{user_id}/password", s.handlePasswordChange)

			r.Post("/invites", s.handleInviteCreate)
		})
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status})
}

// Handler exposes the full middleware and routing stack, mainly for tests
// that mount the server on an httptest listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close releases background resources. Call after Shutdown.
func (s *Server) Close() {
	s.tickets.Close()
	s.throttle.Close()
}

// secureHeaders sets the baseline security headers for an API that is
// never rendered by a browser.
func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes v as a JSON response body.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}
