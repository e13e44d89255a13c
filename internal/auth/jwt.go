// Package auth issues and verifies the JWTs used by the operator console.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

const contextKey = "operator"

// GenerateToken issues a signed token identifying an operator.
func GenerateToken(secret, operatorID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": operatorID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Middleware guards the operator console routes. Channel webhooks, widget
// traffic, health, and the login endpoint stay public.
func Middleware(secret string) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(secret),
		ContextKey: contextKey,
		Skipper: func(c echo.Context) bool {
			path := c.Path()
			if !strings.HasPrefix(path, "/api/console") {
				return true
			}
			return path == "/api/console/login"
		},
	})
}

// OperatorID extracts the authenticated operator from the request context.
func OperatorID(c echo.Context) (string, error) {
	token, ok := c.Get(contextKey).(*jwt.Token)
	if !ok {
		return "", fmt.Errorf("no authenticated operator on request")
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}
