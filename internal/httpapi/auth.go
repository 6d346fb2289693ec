package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"

	"github.com/cyp0633/eventseries/series"
)

const scopeKey = "scope"

// IssueToken signs a token for actor within tenant.
func IssueToken(secret, tenantID, actorID string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    actorID,
		"tenant": tenantID,
		"exp":    time.Now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

func parseToken(tokenString, secret string) (series.Scope, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return series.Scope{}, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return series.Scope{}, errors.New("invalid claims")
	}
	tenant, _ := claims["tenant"].(string)
	if tenant == "" {
		return series.Scope{}, errors.New("invalid tenant claim")
	}
	sub, _ := claims["sub"].(string)
	return series.Scope{TenantID: tenant, ActorID: sub}, nil
}

// JWTMiddleware checks "Authorization: Bearer <token>" and stores the
// request scope in the gin context.
func JWTMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth header"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid auth header"})
			return
		}

		scope, err := parseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(scopeKey, scope)
		c.Next()
	}
}

// ScopeFrom returns the scope set by JWTMiddleware.
func ScopeFrom(c *gin.Context) (series.Scope, bool) {
	v, ok := c.Get(scopeKey)
	if !ok {
		return series.Scope{}, false
	}
	scope, ok := v.(series.Scope)
	return scope, ok
}
