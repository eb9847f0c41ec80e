// Package auth issues and reads the operator tokens that guard /api.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject = "sub"
	claimUserID  = "user_id"
	claimTeamID  = "team_id"
)

// Operator is the authenticated caller of the operator API.
type Operator struct {
	UserID string
	TeamID string
}

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// OperatorFromContext extracts the operator from JWT claims.
func OperatorFromContext(c echo.Context) (Operator, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return Operator{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Operator{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	op := Operator{
		UserID: claimString(claims, claimUserID),
		TeamID: claimString(claims, claimTeamID),
	}
	if op.UserID == "" {
		op.UserID = claimString(claims, claimSubject)
	}
	if op.UserID == "" {
		return Operator{}, echo.NewHTTPError(http.StatusUnauthorized, "user id missing")
	}
	return op, nil
}

// CanAccessTeam reports whether the operator may act on teamID. Tokens
// without a team claim are global.
func (o Operator) CanAccessTeam(teamID string) bool {
	return o.TeamID == "" || o.TeamID == strings.TrimSpace(teamID)
}

// GenerateToken creates a signed JWT for the operator.
func GenerateToken(op Operator, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(op.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject: op.UserID,
		claimUserID:  op.UserID,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
	}
	if teamID := strings.TrimSpace(op.TeamID); teamID != "" {
		claims[claimTeamID] = teamID
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return strings.TrimSpace(fmt.Sprint(raw))
	}
}
