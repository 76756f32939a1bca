package app

import (
	"context"
	"fmt"
	"strings"

	"atlaslibrary/pkg/auth"
	"atlaslibrary/pkg/domain"
	"atlaslibrary/pkg/store"
)

// NewUser is the registration payload.
type NewUser struct {
	Name     string
	WhatsApp bool
	Number   string
	Email    string
	Password string
	Role     domain.UserRole
}

// CreateUser registers an account with a bcrypt-hashed password. Role
// defaults to user.
func (a *App) CreateUser(ctx context.Context, nu NewUser) (domain.User, error) {
	email := strings.TrimSpace(strings.ToLower(nu.Email))
	if email == "" || nu.Password == "" {
		return domain.User{}, BadRequest("Fields 'email' and 'password' are required", nil)
	}
	role := nu.Role
	if role == "" {
		role = domain.RoleUser
	}
	if err := checkRole(role); err != nil {
		return domain.User{}, err
	}
	if err := auth.ValidatePassword(nu.Password); err != nil {
		return domain.User{}, BadRequest(err.Error(), nil)
	}
	hash, err := auth.HashPassword(nu.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := a.store.CreateUser(ctx, domain.User{
		Name:         strings.TrimSpace(nu.Name),
		WhatsApp:     nu.WhatsApp,
		Number:       strings.TrimSpace(nu.Number),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    a.now(),
	})
	if err != nil {
		return domain.User{}, storeErr(err, "create user", "Email already exists")
	}
	return user, nil
}

func checkRole(role domain.UserRole) error {
	switch role {
	case domain.RoleAdmin, domain.RoleSubAdmin, domain.RoleUser:
		return nil
	}
	return BadRequest(fmt.Sprintf("Role '%s' is not allowed", role), map[string]any{"allowed": []domain.UserRole{domain.RoleAdmin, domain.RoleSubAdmin, domain.RoleUser}})
}

// UserUpdate carries the account fields to change. Nil fields are kept.
type UserUpdate struct {
	Name     *string
	WhatsApp *bool
	Number   *string
	Email    *string
	Password *string
	Role     *domain.UserRole
}

// UpdateUser changes an account. A new password is validated and hashed,
// and an email taken by another account is a Conflict.
func (a *App) UpdateUser(ctx context.Context, id int64, u UserUpdate) error {
	var patch store.UserPatch
	if u.Name != nil {
		patch.Name = ptr(strings.TrimSpace(*u.Name))
	}
	patch.WhatsApp = u.WhatsApp
	if u.Number != nil {
		patch.Number = ptr(strings.TrimSpace(*u.Number))
	}
	if u.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*u.Email))
		if email == "" {
			return BadRequest("Field 'email' cannot be empty", nil)
		}
		patch.Email = &email
	}
	if u.Role != nil {
		if err := checkRole(*u.Role); err != nil {
			return err
		}
		patch.Role = u.Role
	}
	if u.Password != nil {
		if err := auth.ValidatePassword(*u.Password); err != nil {
			return BadRequest(err.Error(), nil)
		}
		hash, err := auth.HashPassword(*u.Password)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		patch.PasswordHash = &hash
	}
	outcome, err := a.store.UpdateUser(ctx, id, patch)
	if err != nil {
		return storeErr(err, "update user", "Email already exists")
	}
	return outcomeErr(outcome, msgUserNotFound, "User found, but info for updated has duplicate")
}

// Login checks credentials and issues an access token.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, "", NotFound("User not found, check the email and try again", nil)
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", Unauthorized("Invalid password", nil)
	}
	token, err := a.tokens.Issue(user)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}

// Authenticate resolves a bearer token to its user. The role is taken from
// the stored account, not the token.
func (a *App) Authenticate(ctx context.Context, token string) (domain.User, error) {
	claims, err := a.tokens.Verify(ctx, token)
	if err != nil {
		return domain.User{}, Unauthorized("Invalid or expired token", nil)
	}
	user, ok, err := a.store.GetUser(ctx, claims.UserID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, Unauthorized("Invalid or expired token", nil)
	}
	return user, nil
}

// Logout revokes token for the rest of its lifetime.
func (a *App) Logout(ctx context.Context, token string) error {
	if err := a.tokens.Revoke(ctx, token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (a *App) ListUsers(ctx context.Context) ([]domain.User, error) {
	out, err := a.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out, nil
}

func (a *App) GetUser(ctx context.Context, id int64) (domain.User, error) {
	user, ok, err := a.store.GetUser(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, NotFound(msgUserNotFound, nil)
	}
	return user, nil
}

func (a *App) DeleteUser(ctx context.Context, id int64) error {
	deleted, err := a.store.DeleteUser(ctx, id)
	if err != nil {
		return storeErr(err, "delete user", "")
	}
	if !deleted {
		return NotFound(msgUserNotFound, nil)
	}
	return nil
}
