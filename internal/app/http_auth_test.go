package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pressroom/api/internal/authpw"
	"pressroom/api/internal/store"
)

func newTestServer(fs *fakeStore, feed *fakeFeed) (*HTTPServer, *Service) {
	svc := newTestService(fs, feed)
	svc.authpw = authpw.NewService(fs)
	return NewHTTPServer(svc, "*", nil), svc
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func parseBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestSignUpReturnsSession(t *testing.T) {
	var created store.User
	fs := &fakeStore{
		createUserFn: func(_ context.Context, user store.User) error {
			created = user
			return nil
		},
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return created, nil
		},
	}
	server, _ := newTestServer(fs, nil)

	rr := doJSON(t, server, http.MethodPost, "/api/auth/signup", "", `{"email":"new@example.com","password":"password123"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	payload := parseBody(t, rr)
	if payload["accessToken"] == "" || payload["refreshToken"] == "" {
		t.Fatal("expected token pair in signup response")
	}
	if payload["role"] != "user" {
		t.Fatalf("expected default role user, got %v", payload["role"])
	}
	if created.Email != "new@example.com" {
		t.Fatalf("expected user created, got %+v", created)
	}
}

func TestSignUpDuplicateEmailConflicts(t *testing.T) {
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "usr_1", Email: email}, nil
		},
	}
	server, _ := newTestServer(fs, nil)

	rr := doJSON(t, server, http.MethodPost, "/api/auth/signup", "", `{"email":"taken@example.com","password":"password123"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseBody(t, rr); payload["code"] != "EMAIL_EXISTS" {
		t.Fatalf("expected EMAIL_EXISTS, got %v", payload["code"])
	}
}

func TestSignUpValidationError(t *testing.T) {
	server, _ := newTestServer(&fakeStore{}, nil)

	rr := doJSON(t, server, http.MethodPost, "/api/auth/signup", "", `{"email":"a@example.com","password":"short"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSignInInvalidCredentials(t *testing.T) {
	fs := &fakeStore{
		getUserByEmailFn: func(context.Context, string) (store.User, error) {
			return store.User{}, sql.ErrNoRows
		},
	}
	server, _ := newTestServer(fs, nil)

	rr := doJSON(t, server, http.MethodPost, "/api/auth/signin", "", `{"email":"ghost@example.com","password":"password123"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseBody(t, rr); payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %v", payload["code"])
	}
}

func TestSessionEndpointUnauthenticatedContract(t *testing.T) {
	server, _ := newTestServer(&fakeStore{}, nil)

	// No token at all.
	rr := doJSON(t, server, http.MethodGet, "/api/session", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload := parseBody(t, rr); payload["authenticated"] != false {
		t.Fatalf("expected authenticated=false, got %v", payload["authenticated"])
	}

	// Garbage token degrades to the same contract instead of erroring.
	rr = doJSON(t, server, http.MethodGet, "/api/session", "not-a-token", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for garbage token, got %d", rr.Code)
	}
	if payload := parseBody(t, rr); payload["authenticated"] != false {
		t.Fatalf("expected authenticated=false, got %v", payload["authenticated"])
	}
}

func TestSessionEndpointAuthenticated(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Email: "a@example.com", Role: "user"}, nil
		},
	}
	server, svc := newTestServer(fs, nil)

	session, err := svc.CreateSession(context.Background(), store.User{ID: "usr_1", Email: "a@example.com", Role: "user"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rr := doJSON(t, server, http.MethodGet, "/api/session", session.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := parseBody(t, rr)
	if payload["authenticated"] != true || payload["userId"] != "usr_1" || payload["role"] != "user" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _ := newTestServer(&fakeStore{}, nil)

	for _, path := range []string{"/api/posts", "/api/categories", "/api/admin/users"} {
		rr := doJSON(t, server, http.MethodGet, path, "", "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s without token, got %d", path, rr.Code)
		}
	}

	rr := doJSON(t, server, http.MethodGet, "/api/posts", "garbage-token", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rr.Code)
	}
}

type trackingSessions struct {
	saved   map[string]store.User
	revoked *[]string
}

func (s *trackingSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	s.saved[tokenHash] = user
	return nil
}

func (s *trackingSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	if user, ok := s.saved[tokenHash]; ok {
		return user, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (s *trackingSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	if _, ok := s.saved[tokenHash]; ok {
		delete(s.saved, tokenHash)
		*s.revoked = append(*s.revoked, tokenHash)
	}
	return nil
}

func TestRefreshRotatesToken(t *testing.T) {
	revoked := []string{}
	fs := &fakeStore{}
	server, svc := newTestServer(fs, nil)

	// Swap in a session store that tracks state across the rotation.
	saved := map[string]store.User{}
	svc.sessions = &trackingSessions{
		saved:   saved,
		revoked: &revoked,
	}

	session, err := svc.CreateSession(context.Background(), store.User{ID: "usr_1", Email: "a@example.com", Role: "user"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rr := doJSON(t, server, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+session.RefreshToken+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseBody(t, rr)
	if payload["refreshToken"] == session.RefreshToken {
		t.Fatal("expected refresh token to rotate")
	}
	if len(revoked) != 1 {
		t.Fatalf("expected old token revoked, got %d revocations", len(revoked))
	}

	// The old token no longer refreshes.
	rr = doJSON(t, server, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+session.RefreshToken+`"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for replayed refresh token, got %d", rr.Code)
	}
}

func TestRefreshReflectsCurrentRole(t *testing.T) {
	role := "user"
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Email: "a@example.com", Role: role}, nil
		},
	}
	server, svc := newTestServer(fs, nil)

	revoked := []string{}
	svc.sessions = &trackingSessions{
		saved:   map[string]store.User{},
		revoked: &revoked,
	}

	session, err := svc.CreateSession(context.Background(), store.User{ID: "usr_1", Email: "a@example.com", Role: "user"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Promote between issue and refresh. The session store still holds
	// the snapshot taken at issue time; the rotated session must carry
	// the role the user has now.
	role = "admin"

	rr := doJSON(t, server, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+session.RefreshToken+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseBody(t, rr); payload["role"] != "admin" {
		t.Fatalf("expected rotated session to carry role admin, got %v", payload["role"])
	}
}

func TestRefreshRejectsDeletedUser(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(context.Context, string) (store.User, error) {
			return store.User{}, sql.ErrNoRows
		},
	}
	server, svc := newTestServer(fs, nil)

	revoked := []string{}
	svc.sessions = &trackingSessions{
		saved:   map[string]store.User{},
		revoked: &revoked,
	}

	session, err := svc.CreateSession(context.Background(), store.User{ID: "usr_1", Email: "a@example.com", Role: "user"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rr := doJSON(t, server, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"`+session.RefreshToken+`"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for deleted user, got %d", rr.Code)
	}
}
