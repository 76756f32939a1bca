package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"atlaslibrary/internal/ratelimit"
	"atlaslibrary/internal/util"
	"atlaslibrary/pkg/domain"
	"atlaslibrary/services/library/internal/app"
	"atlaslibrary/services/library/internal/scheduler"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App       *app.App
	Scheduler *scheduler.Scheduler
	// LoginLimiter throttles POST /auth/login per client IP. Nil disables it.
	LoginLimiter   ratelimit.Limiter
	TrustedProxies []string
}

// Server exposes the library HTTP API.
type Server struct {
	app          *app.App
	scheduler    *scheduler.Scheduler
	loginLimiter ratelimit.Limiter
	proxies      *util.TrustedProxies
	validate     *validator.Validate
	mux          *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	proxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:          cfg.App,
		scheduler:    cfg.Scheduler,
		loginLimiter: cfg.LoginLimiter,
		proxies:      proxies,
		validate:     newValidator(),
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("library", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.Handle("/auth/logout", s.authenticated(s.handleLogout))

	// users
	s.mux.HandleFunc("/users", s.handleUsers)
	s.mux.Handle("/users/", s.authenticated(s.handleUserByID))

	// catalog
	s.mux.HandleFunc("/authors", s.handleAuthors)
	s.mux.HandleFunc("/authors/", s.handleAuthorByID)
	s.mux.HandleFunc("/categories", s.handleCategories)
	s.mux.HandleFunc("/categories/", s.handleCategoryByID)
	s.mux.HandleFunc("/books", s.handleBooks)
	s.mux.HandleFunc("/books/", s.handleBookByID)

	// circulation
	s.mux.Handle("/loans", s.authenticated(s.handleLoans))
	s.mux.Handle("/loans/", s.authenticated(s.handleLoanByID))
	s.mux.Handle("/reservations", s.authenticated(s.handleReservations))
	s.mux.Handle("/reservations/", s.authenticated(s.handleReservationByID))
	s.mux.Handle("/fines", s.staffOnly(s.handleFines))
	s.mux.Handle("/fines/", s.authenticated(s.handleFineByID))

	// admin
	s.mux.Handle("/sweeps", s.adminOnly(s.handleSweeps))
	s.mux.Handle("/sweeps/run", s.adminOnly(s.handleRunSweep))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(w, r)
		if !ok {
			return
		}
		next(w, r, user)
	})
}

func (s *Server) staffOnly(next authHandler) http.Handler {
	return s.withRole(next, "library.staff.authorize", domain.UserRole.Staff)
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.withRole(next, "library.admin.authorize", func(r domain.UserRole) bool { return r == domain.RoleAdmin })
}

func (s *Server) withRole(next authHandler, event string, allowed func(domain.UserRole) bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(w, r)
		if !ok {
			return
		}
		if !allowed(user.Role) {
			s.audit(r, event, "fail", "user_id", user.ID, "reason", "forbidden")
			writeForbidden(w)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "library.token.verify", "fail", "reason", "missing_token")
		writeAppError(w, r, app.Unauthorized("User not authenticated", nil))
		return domain.User{}, false
	}
	user, err := s.app.Authenticate(r.Context(), token)
	if err != nil {
		s.audit(r, "library.token.verify", "fail", "reason", "invalid_token")
		writeAppError(w, r, err)
		return domain.User{}, false
	}
	return user, true
}

// optionalUser resolves the caller when a bearer token is present.
func (s *Server) optionalUser(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	user, err := s.app.Authenticate(r.Context(), token)
	if err != nil {
		return domain.User{}, false
	}
	return user, true
}

// requireStaff writes 403 unless user may manage other people's records.
func requireStaff(w http.ResponseWriter, user domain.User) bool {
	if user.Role.Staff() {
		return true
	}
	writeForbidden(w)
	return false
}

// requireSelfOrStaff writes 403 unless user owns the record or is staff.
func requireSelfOrStaff(w http.ResponseWriter, user domain.User, ownerID int64) bool {
	if user.ID == ownerID || user.Role.Staff() {
		return true
	}
	writeForbidden(w)
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.proxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.proxies)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", msg, nil)
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// splitID parses "/prefix/{id}[/action]" into id and the optional action.
func splitID(path, prefix string) (int64, string, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return 0, "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	id, err := parseID(parts[0])
	if err != nil {
		return 0, "", false
	}
	if len(parts) == 2 {
		return id, parts[1], true
	}
	return id, "", true
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// idOrBadRequest validates the path id and writes 400 when it is malformed.
func idOrBadRequest(w http.ResponseWriter, r *http.Request, prefix, name string) (int64, string, bool) {
	id, action, ok := splitID(r.URL.Path, prefix)
	if !ok {
		writeAppError(w, r, app.BadRequest("Param '"+name+"' must be a positive number", nil))
		return 0, "", false
	}
	return id, action, true
}
