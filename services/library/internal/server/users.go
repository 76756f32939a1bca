package server

import (
	"net/http"

	"atlaslibrary/pkg/domain"
	"atlaslibrary/services/library/internal/app"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type createUserRequest struct {
	Name     string `json:"name" validate:"required,max=120"`
	WhatsApp bool   `json:"whatsapp"`
	Number   string `json:"number" validate:"omitempty,numeric,min=10,max=11"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Role     string `json:"role" validate:"omitempty,oneof=admin sub-admin user"`
}

type updateUserRequest struct {
	Name     *string `json:"name" validate:"omitempty,min=1,max=120"`
	WhatsApp *bool   `json:"whatsapp"`
	Number   *string `json:"number" validate:"omitempty,numeric,min=10,max=11"`
	Email    *string `json:"email" validate:"omitempty,email"`
	Password *string `json:"password" validate:"omitempty,min=1"`
	Role     *string `json:"role" validate:"omitempty,oneof=admin sub-admin user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "library.login", "rate_limited")
		return
	}
	var req loginRequest
	if !s.decode(w, r, &req) {
		s.audit(r, "library.login", "fail", "reason", "invalid_body")
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "library.login", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "library.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, _ := bearerToken(r)
	if err := s.app.Logout(r.Context(), token); err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "library.logout", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// /users: POST registers (public for the user role), GET lists (admin).
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateUser(w, r)
	case http.MethodGet:
		s.adminOnly(func(w http.ResponseWriter, r *http.Request, _ domain.User) {
			users, err := s.app.ListUsers(r.Context())
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, listResponse(users))
		}).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !s.decode(w, r, &req) {
		return
	}
	role := domain.UserRole(req.Role)
	if role != "" && role != domain.RoleUser {
		// Only an admin can create staff accounts.
		caller, ok := s.optionalUser(r)
		if !ok || caller.Role != domain.RoleAdmin {
			s.audit(r, "library.user.create", "fail", "reason", "staff_role_requires_admin", "role", req.Role)
			writeForbidden(w)
			return
		}
	}
	user, err := s.app.CreateUser(r.Context(), app.NewUser{
		Name:     req.Name,
		WhatsApp: req.WhatsApp,
		Number:   req.Number,
		Email:    req.Email,
		Password: req.Password,
		Role:     role,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "library.user.create", "success", "user_id", user.ID, "role", string(user.Role))
	writeJSON(w, http.StatusCreated, user)
}

// /users/{id}
func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request, caller domain.User) {
	id, action, ok := idOrBadRequest(w, r, "/users/", "userId")
	if !ok {
		return
	}
	if action != "" {
		notFound(w)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !requireSelfOrStaff(w, caller, id) {
			return
		}
		user, err := s.app.GetUser(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		s.handleUpdateUser(w, r, caller, id)
	case http.MethodDelete:
		if caller.Role != domain.RoleAdmin {
			writeForbidden(w)
			return
		}
		if err := s.app.DeleteUser(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "library.user.delete", "success", "user_id", caller.ID, "target_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// handleUpdateUser lets a user edit their own account and an admin edit any.
// Changing a role always needs an admin.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request, caller domain.User, id int64) {
	if caller.ID != id && caller.Role != domain.RoleAdmin {
		writeForbidden(w)
		return
	}
	var req updateUserRequest
	if !s.decode(w, r, &req) {
		return
	}
	update := app.UserUpdate{
		Name:     req.Name,
		WhatsApp: req.WhatsApp,
		Number:   req.Number,
		Email:    req.Email,
		Password: req.Password,
	}
	if req.Role != nil {
		if caller.Role != domain.RoleAdmin {
			s.audit(r, "library.user.update", "fail", "reason", "role_change_requires_admin", "target_id", id)
			writeForbidden(w)
			return
		}
		update.Role = (*domain.UserRole)(req.Role)
	}
	if err := s.app.UpdateUser(r.Context(), id, update); err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "library.user.update", "success", "user_id", caller.ID, "target_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
