package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/docquery/docquery/internal/cache"
	"github.com/docquery/docquery/internal/runtime"
	"github.com/docquery/docquery/internal/store"
)

func testAuthHandler(t *testing.T) (*AuthHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return &AuthHandler{
		Store:       &store.Store{DB: db},
		Cache:       cache.New(client, log.New(io.Discard, "", 0)),
		Secret:      []byte("test-secret"),
		TokenTTL:    time.Hour,
		AllowSignup: true,
	}, mock
}

func postJSON(e *echo.Echo, path, payload string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestSignup(t *testing.T) {
	a, mock := testAuthHandler(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users (email, password_hash, is_admin) VALUES ($1,$2,$3) RETURNING id`)).
		WithArgs("a@example.com", sqlmock.AnyArg(), false).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	e := echo.New()
	ctx, rec := postJSON(e, "/api/auth/signup", `{"email":"a@example.com","password":"longenough"}`)
	if err := a.signup(ctx); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
}

func TestSignupDisabled(t *testing.T) {
	a, _ := testAuthHandler(t)
	a.AllowSignup = false
	e := echo.New()
	ctx, _ := postJSON(e, "/api/auth/signup", `{"email":"a@example.com","password":"longenough"}`)

	err := a.signup(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Fatalf("err = %v, want 403", err)
	}
}

func TestSignupShortPassword(t *testing.T) {
	a, _ := testAuthHandler(t)
	e := echo.New()
	ctx, _ := postJSON(e, "/api/auth/signup", `{"email":"a@example.com","password":"short"}`)

	err := a.signup(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400", err)
	}
}

func TestSignupInvalidEmail(t *testing.T) {
	a, _ := testAuthHandler(t)
	e := echo.New()
	ctx, _ := postJSON(e, "/api/auth/signup", `{"email":"not-an-email","password":"longenough"}`)

	err := a.signup(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400", err)
	}
}

func userRow(t *testing.T, id int64, email, password string, admin bool) *sqlmock.Rows {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return sqlmock.NewRows([]string{"id", "email", "password_hash", "is_admin", "created_at"}).
		AddRow(id, email, string(hash), admin, time.Now())
}

func TestLoginIssuesToken(t *testing.T) {
	a, mock := testAuthHandler(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, email, password_hash, is_admin, created_at FROM users WHERE email=$1`)).
		WithArgs("a@example.com").
		WillReturnRows(userRow(t, 4, "a@example.com", "correct-password", false))

	e := echo.New()
	ctx, rec := postJSON(e, "/api/auth/login", `{"email":"a@example.com","password":"correct-password"}`)
	if err := a.login(ctx); err != nil {
		t.Fatalf("login: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	principal, _, err := runtime.ParseJWT(resp.Token, a.Secret)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if principal.ID != 4 || principal.Admin {
		t.Errorf("principal = %+v, want id 4 non-admin", principal)
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), "auth=") {
		t.Error("auth cookie not set")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	a, mock := testAuthHandler(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, email, password_hash, is_admin, created_at FROM users WHERE email=$1`)).
		WithArgs("a@example.com").
		WillReturnRows(userRow(t, 4, "a@example.com", "correct-password", false))

	e := echo.New()
	ctx, _ := postJSON(e, "/api/auth/login", `{"email":"a@example.com","password":"wrong-password"}`)

	err := a.login(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401", err)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	a, _ := testAuthHandler(t)
	token, err := runtime.SignJWT(4, false, a.Secret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	handler := runtime.EchoAuthMiddleware(a.Secret, a.blacklisted)(a.logout)
	if err := handler(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// The same token must now be rejected.
	req2 := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	ctx2 := e.NewContext(req2, rec2)
	rejected := runtime.EchoAuthMiddleware(a.Secret, a.blacklisted)(func(echo.Context) error { return nil })

	err = rejected(ctx2)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token accepted: err = %v", err)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	a, _ := testAuthHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())

	handler := runtime.EchoAuthMiddleware(a.Secret, a.blacklisted)(func(echo.Context) error { return nil })
	err := handler(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401", err)
	}
}

func TestMiddlewareRejectsForgedToken(t *testing.T) {
	a, _ := testAuthHandler(t)
	forged, err := runtime.SignJWT(4, true, []byte("other-secret"), time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	ctx := e.NewContext(req, httptest.NewRecorder())

	handler := runtime.EchoAuthMiddleware(a.Secret, a.blacklisted)(func(echo.Context) error { return nil })
	errOut := handler(ctx)
	he, ok := errOut.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401", errOut)
	}
}

func TestRequireAdmin(t *testing.T) {
	a, _ := testAuthHandler(t)
	token, err := runtime.SignJWT(4, false, a.Secret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/ops/cache/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	ctx := e.NewContext(req, httptest.NewRecorder())

	chain := runtime.EchoAuthMiddleware(a.Secret, nil)(runtime.RequireAdmin()(func(echo.Context) error { return nil }))
	errOut := chain(ctx)
	he, ok := errOut.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Fatalf("non-admin passed RequireAdmin: %v", errOut)
	}
}
