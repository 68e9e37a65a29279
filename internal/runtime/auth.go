// Package runtime holds cross-cutting request plumbing: JWT issuing and the
// Echo authentication middleware.
package runtime

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/docquery/docquery/internal/search"
)

// SignJWT issues a signed token for the user id with the given TTL.
func SignJWT(userID int64, admin bool, secret []byte, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"adm": admin,
		"exp": time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseJWT validates a token and returns the principal it identifies along
// with the token's expiry.
func ParseJWT(token string, secret []byte) (search.Principal, time.Time, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return search.Principal{}, time.Time{}, fmt.Errorf("invalid token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return search.Principal{}, time.Time{}, fmt.Errorf("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return search.Principal{}, time.Time{}, fmt.Errorf("invalid subject")
	}
	admin, _ := claims["adm"].(bool)

	var expiry time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.Time
	}
	return search.Principal{ID: id, Admin: admin}, expiry, nil
}

// BlacklistChecker reports whether a token has been revoked.
type BlacklistChecker func(c echo.Context, token string) bool

const (
	principalKey = "principal"
	tokenKey     = "token"
	expiryKey    = "token_expiry"
)

// EchoAuthMiddleware validates JWT tokens from the Authorization header or
// auth cookie, rejects revoked tokens, and stores the principal on the
// context. blacklisted may be nil.
func EchoAuthMiddleware(secret []byte, blacklisted BlacklistChecker) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := ExtractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			principal, expiry, err := ParseJWT(tok, secret)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if blacklisted != nil && blacklisted(c, tok) {
				return echo.NewHTTPError(http.StatusUnauthorized, "token revoked")
			}
			c.Set(principalKey, principal)
			c.Set(tokenKey, tok)
			c.Set(expiryKey, expiry)
			return next(c)
		}
	}
}

// RequireAdmin gates a route group to admin principals. Must run after
// EchoAuthMiddleware.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !PrincipalFromEcho(c).Admin {
				return echo.NewHTTPError(http.StatusForbidden, "admin required")
			}
			return next(c)
		}
	}
}

// ExtractToken pulls the JWT from the Authorization header or auth cookie.
func ExtractToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	if ck, err := c.Cookie("auth"); err == nil {
		return ck.Value
	}
	return ""
}

// PrincipalFromEcho returns the authenticated principal, or the zero value
// when the middleware did not run.
func PrincipalFromEcho(c echo.Context) search.Principal {
	if p, ok := c.Get(principalKey).(search.Principal); ok {
		return p
	}
	return search.Principal{}
}

// TokenFromEcho returns the raw token and its expiry for revocation.
func TokenFromEcho(c echo.Context) (string, time.Time) {
	tok, _ := c.Get(tokenKey).(string)
	exp, _ := c.Get(expiryKey).(time.Time)
	return tok, exp
}
