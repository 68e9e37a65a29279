package server

import (
	"errors"
	"net/http"
	"net/mail"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/docquery/docquery/internal/cache"
	"github.com/docquery/docquery/internal/runtime"
	"github.com/docquery/docquery/internal/store"
)

type AuthHandler struct {
	Store       *store.Store
	Cache       *cache.Cache
	Secret      []byte
	TokenTTL    time.Duration
	AllowSignup bool
}

func (a *AuthHandler) Register(g *echo.Group) {
	g.POST("/signup", a.signup)
	g.POST("/login", a.login)
	g.POST("/logout", a.logout, runtime.EchoAuthMiddleware(a.Secret, a.blacklisted))
	g.GET("/me", a.me, runtime.EchoAuthMiddleware(a.Secret, a.blacklisted))
}

// blacklisted adapts the cache check to the middleware signature.
func (a *AuthHandler) blacklisted(c echo.Context, token string) bool {
	if a.Cache == nil {
		return false
	}
	return a.Cache.IsTokenBlacklisted(c.Request().Context(), token)
}

func (a *AuthHandler) signup(c echo.Context) error {
	if !a.AllowSignup {
		return echo.NewHTTPError(http.StatusForbidden, "signup disabled")
	}
	var req AuthSignupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid email")
	}
	if len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "password too short")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if _, err := a.Store.CreateUser(c.Request().Context(), req.Email, string(hash), false); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return echo.NewHTTPError(http.StatusConflict, "email already exists")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusCreated)
}

func (a *AuthHandler) login(c echo.Context) error {
	var req AuthLoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	user, err := a.Store.GetUserByEmail(c.Request().Context(), req.Email)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	signed, err := runtime.SignJWT(user.ID, user.IsAdmin, a.Secret, a.TokenTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = signed
	cookie.Path = "/"
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteLaxMode
	if os.Getenv("DOCQUERY_ENV") == "prod" {
		cookie.Secure = true
	}
	c.SetCookie(cookie)
	// also return token for Bearer flows
	c.Response().Header().Set("Authorization", "Bearer "+signed)
	return c.JSON(http.StatusOK, TokenResponse{Token: signed})
}

// logout clears the cookie and revokes the presented token for its remaining
// validity, so it cannot be replayed before expiry.
func (a *AuthHandler) logout(c echo.Context) error {
	if a.Cache != nil {
		if tok, expiry := runtime.TokenFromEcho(c); tok != "" && !expiry.IsZero() {
			if err := a.Cache.BlacklistToken(c.Request().Context(), tok, time.Until(expiry)); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
		}
	}
	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = ""
	cookie.Path = "/"
	cookie.MaxAge = -1
	c.SetCookie(cookie)
	return c.NoContent(http.StatusOK)
}

func (a *AuthHandler) me(c echo.Context) error {
	principal := runtime.PrincipalFromEcho(c)
	user, err := a.Store.GetUserByID(c.Request().Context(), principal.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "unknown user")
	}
	return c.JSON(http.StatusOK, MeResponse{UserID: user.ID, Email: user.Email, IsAdmin: user.IsAdmin})
}
