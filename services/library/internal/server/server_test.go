package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"atlaslibrary/internal/lock"
	"atlaslibrary/internal/ratelimit"
	"atlaslibrary/pkg/auth"
	"atlaslibrary/pkg/domain"
	"atlaslibrary/pkg/notify"
	"atlaslibrary/pkg/store"
	"atlaslibrary/services/library/internal/app"
	"atlaslibrary/services/library/internal/scheduler"
)

const testPassword = "Str0ng!Passw0rd"

type testEnv struct {
	app *app.App
	srv *httptest.Server
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	tokens, err := auth.NewTokens("test-secret", auth.TokenOptions{Revoker: auth.NewMemoryTokenRevoker()})
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	core, err := app.New(app.Config{
		Store:    store.NewMemoryStore(),
		Locker:   lock.NewLocal(),
		Notifier: notify.LogSender{},
		Tokens:   tokens,
		Policy:   app.DefaultPolicy(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	sched, err := scheduler.New(core, scheduler.Config{})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s, err := New(Config{App: core, Scheduler: sched, LoginLimiter: limiter})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{app: core, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// account creates a user directly and logs in over HTTP.
func (e *testEnv) account(t *testing.T, name string, role domain.UserRole) (domain.User, string) {
	t.Helper()
	user, err := e.app.CreateUser(context.Background(), app.NewUser{
		Name:     name,
		Email:    name + "@example.com",
		Password: testPassword,
		Role:     role,
	})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	resp, body := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": user.Email, "password": testPassword})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d body %v", name, resp.StatusCode, body)
	}
	token, _ := body["token"].(string)
	return user, token
}

func idOf(t *testing.T, body map[string]any) int64 {
	t.Helper()
	id, ok := body["id"].(float64)
	if !ok {
		t.Fatalf("response has no id: %v", body)
	}
	return int64(id)
}

func expectStatus(t *testing.T, resp *http.Response, body map[string]any, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d body %v", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

func TestHealthzCarriesRequestID(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, body, http.StatusOK)
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers")
	}
}

func TestBorrowFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	_, adminToken := env.account(t, "admin", domain.RoleAdmin)
	alice, aliceToken := env.account(t, "alice", domain.RoleUser)
	bob, bobToken := env.account(t, "bob", domain.RoleUser)

	resp, body := env.do(t, http.MethodPost, "/authors", aliceToken, map[string]string{"name": "Frank Herbert"})
	expectStatus(t, resp, body, http.StatusForbidden)

	resp, body = env.do(t, http.MethodPost, "/authors", adminToken, map[string]string{"name": "Frank Herbert"})
	expectStatus(t, resp, body, http.StatusCreated)
	authorID := idOf(t, body)
	resp, body = env.do(t, http.MethodPost, "/categories", adminToken, map[string]string{"name": "Science Fiction"})
	expectStatus(t, resp, body, http.StatusCreated)
	categoryID := idOf(t, body)
	resp, body = env.do(t, http.MethodPost, "/books", adminToken, map[string]any{
		"title": "Dune", "publicationYear": 1965, "quantity": 1, "authorId": authorID, "categoryId": categoryID,
	})
	expectStatus(t, resp, body, http.StatusCreated)
	bookID := idOf(t, body)

	resp, body = env.do(t, http.MethodPost, "/loans", aliceToken, map[string]any{"bookId": bookID, "userId": bob.ID})
	expectStatus(t, resp, body, http.StatusForbidden)

	resp, body = env.do(t, http.MethodPost, "/loans", aliceToken, map[string]any{"bookId": bookID, "userId": alice.ID})
	expectStatus(t, resp, body, http.StatusCreated)
	loanID := idOf(t, body)

	resp, body = env.do(t, http.MethodPost, "/loans", bobToken, map[string]any{"bookId": bookID, "userId": bob.ID})
	expectStatus(t, resp, body, http.StatusConflict)
	details, _ := body["details"].(map[string]any)
	if details["status"] != string(domain.BookBorrowed) || body["code"] != "LIBRARY_CONFLICT" {
		t.Fatalf("expected borrowed status in details, got %v", body)
	}

	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/books/%d/availability", bookID), "", nil)
	expectStatus(t, resp, body, http.StatusOK)
	if body["available"] != false || body["status"] != string(domain.BookBorrowed) {
		t.Fatalf("unexpected availability: %v", body)
	}

	resp, body = env.do(t, http.MethodPost, "/reservations", bobToken, map[string]any{"bookId": bookID, "userId": bob.ID})
	expectStatus(t, resp, body, http.StatusCreated)

	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/loans/user/%d?returned=false", alice.ID), bobToken, nil)
	expectStatus(t, resp, body, http.StatusForbidden)
	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/loans/user/%d?returned=false", alice.ID), aliceToken, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if body["count"] != float64(1) {
		t.Fatalf("expected one open loan, got %v", body)
	}

	resp, body = env.do(t, http.MethodPatch, fmt.Sprintf("/loans/%d/extend", loanID), aliceToken, nil)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = env.do(t, http.MethodPatch, fmt.Sprintf("/loans/%d/extend", loanID), aliceToken, nil)
	expectStatus(t, resp, body, http.StatusConflict)

	resp, body = env.do(t, http.MethodPatch, fmt.Sprintf("/loans/%d/return", loanID), aliceToken, map[string]bool{"returned": true})
	expectStatus(t, resp, body, http.StatusForbidden)
	resp, body = env.do(t, http.MethodPatch, fmt.Sprintf("/loans/%d/return", loanID), adminToken, map[string]any{})
	expectStatus(t, resp, body, http.StatusBadRequest)
	resp, body = env.do(t, http.MethodPatch, fmt.Sprintf("/loans/%d/return", loanID), adminToken, map[string]bool{"returned": false})
	expectStatus(t, resp, body, http.StatusBadRequest)
	resp, body = env.do(t, http.MethodPatch, fmt.Sprintf("/loans/%d/return", loanID), adminToken, map[string]bool{"returned": true})
	expectStatus(t, resp, body, http.StatusOK)

	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/books/%d", bookID), "", nil)
	expectStatus(t, resp, body, http.StatusOK)
	if body["status"] != string(domain.BookReserved) {
		t.Fatalf("returned book should be held for bob, got %v", body)
	}

	resp, body = env.do(t, http.MethodPost, "/loans", bobToken, map[string]any{"bookId": bookID, "userId": bob.ID})
	expectStatus(t, resp, body, http.StatusCreated)
}

func TestAuthErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	_, userToken := env.account(t, "carol", domain.RoleUser)

	resp, body := env.do(t, http.MethodGet, "/loans", "", nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)
	resp, body = env.do(t, http.MethodGet, "/loans", "garbage", nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)
	resp, body = env.do(t, http.MethodGet, "/loans", userToken, nil)
	expectStatus(t, resp, body, http.StatusForbidden)
	resp, body = env.do(t, http.MethodPost, "/sweeps/run", userToken, nil)
	expectStatus(t, resp, body, http.StatusForbidden)
	resp, body = env.do(t, http.MethodGet, "/users", userToken, nil)
	expectStatus(t, resp, body, http.StatusForbidden)

	resp, body = env.do(t, http.MethodPost, "/auth/logout", userToken, nil)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = env.do(t, http.MethodGet, "/reservations/user/1", userToken, nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)

	resp, body = env.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "nobody@example.com", "password": testPassword})
	expectStatus(t, resp, body, http.StatusNotFound)
	resp, body = env.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "carol@example.com", "password": "Wr0ng!Password"})
	expectStatus(t, resp, body, http.StatusUnauthorized)
}

func TestRegistrationValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	_, adminToken := env.account(t, "root", domain.RoleAdmin)

	resp, body := env.do(t, http.MethodPost, "/users", "", map[string]any{
		"name": "Dan", "email": "not-an-email", "number": "123", "password": testPassword,
	})
	expectStatus(t, resp, body, http.StatusBadRequest)
	details, _ := body["details"].(map[string]any)
	if details["email"] != "email" || details["number"] != "min=10" {
		t.Fatalf("expected field errors, got %v", body)
	}

	resp, body = env.do(t, http.MethodPost, "/users", "", map[string]any{
		"name": "Eve", "email": "eve@example.com", "password": testPassword, "role": "admin",
	})
	expectStatus(t, resp, body, http.StatusForbidden)

	resp, body = env.do(t, http.MethodPost, "/users", adminToken, map[string]any{
		"name": "Eve", "email": "eve@example.com", "number": "11987654321", "password": testPassword, "role": "sub-admin",
	})
	expectStatus(t, resp, body, http.StatusCreated)
	if body["role"] != "sub-admin" || body["passwordHash"] != nil {
		t.Fatalf("unexpected user body: %v", body)
	}

	resp, body = env.do(t, http.MethodPost, "/users", "", map[string]any{
		"name": "Eve", "email": "eve@example.com", "password": testPassword,
	})
	expectStatus(t, resp, body, http.StatusConflict)

	resp, body = env.do(t, http.MethodGet, "/books/abc", "", nil)
	expectStatus(t, resp, body, http.StatusBadRequest)
	resp, body = env.do(t, http.MethodGet, "/books/42", "", nil)
	expectStatus(t, resp, body, http.StatusNotFound)
}

func TestFineFiltersAndManualSweep(t *testing.T) {
	env := newTestEnv(t, nil)
	_, adminToken := env.account(t, "admin", domain.RoleAdmin)
	user, userToken := env.account(t, "frank", domain.RoleUser)

	resp, body := env.do(t, http.MethodGet, fmt.Sprintf("/fines/user/%d?amount=5", user.ID), userToken, nil)
	expectStatus(t, resp, body, http.StatusBadRequest)
	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/fines/user/%d", user.ID), userToken, nil)
	expectStatus(t, resp, body, http.StatusNotFound)

	resp, body = env.do(t, http.MethodPost, "/sweeps/run", adminToken, nil)
	expectStatus(t, resp, body, http.StatusOK)
	run, _ := body["run"].(map[string]any)
	if run["trigger"] != scheduler.TriggerManual {
		t.Fatalf("unexpected run: %v", body)
	}
	resp, body = env.do(t, http.MethodGet, "/sweeps?limit=5", adminToken, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if body["count"] != float64(1) {
		t.Fatalf("expected one recorded run, got %v", body)
	}
}

func TestLoginRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(client, "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	env := newTestEnv(t, limiter)
	if _, err := env.app.CreateUser(context.Background(), app.NewUser{Name: "Gina", Email: "gina@example.com", Password: testPassword}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	creds := map[string]string{"email": "gina@example.com", "password": testPassword}
	resp, body := env.do(t, http.MethodPost, "/auth/login", "", creds)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = env.do(t, http.MethodPost, "/auth/login", "", creds)
	expectStatus(t, resp, body, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestUpdateUserOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	_, adminToken := env.account(t, "root", domain.RoleAdmin)
	gina, ginaToken := env.account(t, "gina", domain.RoleUser)
	hugo, hugoToken := env.account(t, "hugo", domain.RoleUser)
	ginaPath := fmt.Sprintf("/users/%d", gina.ID)

	resp, body := env.do(t, http.MethodPatch, ginaPath, hugoToken, map[string]any{"name": "Not Gina"})
	expectStatus(t, resp, body, http.StatusForbidden)
	resp, body = env.do(t, http.MethodPatch, ginaPath, ginaToken, map[string]any{"role": "admin"})
	expectStatus(t, resp, body, http.StatusForbidden)
	resp, body = env.do(t, http.MethodPatch, ginaPath, ginaToken, map[string]any{"email": hugo.Email})
	expectStatus(t, resp, body, http.StatusConflict)
	resp, body = env.do(t, http.MethodPatch, ginaPath, ginaToken, map[string]any{"number": "12"})
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = env.do(t, http.MethodPatch, ginaPath, ginaToken, map[string]any{"name": "Gina Souza", "number": "11987654321"})
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = env.do(t, http.MethodPatch, ginaPath, ginaToken, map[string]any{"name": "Gina Souza"})
	expectStatus(t, resp, body, http.StatusConflict)

	resp, body = env.do(t, http.MethodPatch, ginaPath, adminToken, map[string]any{"role": "sub-admin"})
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = env.do(t, http.MethodGet, ginaPath, ginaToken, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if body["name"] != "Gina Souza" || body["role"] != "sub-admin" || body["number"] != "11987654321" {
		t.Fatalf("unexpected user after update: %v", body)
	}

	resp, body = env.do(t, http.MethodPatch, "/users/9999", adminToken, map[string]any{"name": "Ghost"})
	expectStatus(t, resp, body, http.StatusNotFound)
}
