package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"device-command-service/internal/config"
	"device-command-service/internal/utils"
)

// Roles understood by the API
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Context keys set by AuthMiddleware
const (
	SubjectKey = "subject"
	RoleKey    = "role"
)

// Claims are the JWT claims accepted by the API
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken validates an HS256 token and returns its claims
func ParseToken(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("empty token")
	}
	if len(secret) == 0 {
		return nil, errors.New("empty secret")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	switch claims.Role {
	case RoleAdmin, RoleOperator, RoleViewer:
	default:
		return nil, errors.New("unknown role")
	}
	return claims, nil
}

// IssueToken signs a token for subject with the given role
func IssueToken(subject, role string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// AuthMiddleware requires a bearer token when auth is enabled. Viewers may
// only read; commands and stops need operator or admin.
func AuthMiddleware(cfg *config.SecurityConfig, logger *utils.SecurityLogger) gin.HandlerFunc {
	secret := []byte(cfg.JWTSecret)

	return func(c *gin.Context) {
		if !cfg.AuthEnabled {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			// browsers cannot set headers on websocket upgrades
			tokenString = c.Query("access_token")
		}

		claims, err := ParseToken(strings.TrimSpace(tokenString), secret)
		if err != nil {
			logger.LogAuthAttempt("", c.ClientIP(), c.Request.UserAgent(), false, err.Error())
			utils.ErrorResponse(c, http.StatusUnauthorized, "Authentication required", err)
			c.Abort()
			return
		}

		if claims.Role == RoleViewer && !readOnly(c.Request.Method) {
			logger.LogAuthAttempt(claims.Subject, c.ClientIP(), c.Request.UserAgent(), false, "viewer role cannot modify")
			utils.ErrorResponse(c, http.StatusForbidden, "Insufficient role", nil)
			c.Abort()
			return
		}

		logger.LogAuthAttempt(claims.Subject, c.ClientIP(), c.Request.UserAgent(), true, "")
		c.Set(SubjectKey, claims.Subject)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
