// Package auth guards the gateway's operational HTTP surface. Game clients
// authenticate nothing here: play happens over the WebSocket with ephemeral
// custodial keys. What needs protecting is the metrics and debug surface.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Placeholder shapes that ship in example env files. A token still carrying
// one of these has never been configured, and serving metrics under it would
// be worse than refusing outright.
var placeholderPrefixes = []string{"your_", "placeholder", "changeme"}

func isPlaceholder(token string) bool {
	lower := strings.ToLower(token)
	for _, p := range placeholderPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// MetricsToken returns a middleware admitting requests that present the
// configured token, either as "Authorization: Bearer <token>" or in the
// x-metrics-token header. In development and test environments an empty
// token disables the check; everywhere else an absent or placeholder token
// makes the surface refuse with 503 rather than serve unguarded.
func MetricsToken(token, env string, log *zap.Logger) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	devBypass := token == "" && (env == "development" || env == "test")
	switch {
	case devBypass:
		log.Info("metrics auth disabled for development", zap.String("env", env))
	case token == "":
		log.Warn("metrics auth token not configured, metrics surface disabled")
	case isPlaceholder(token):
		log.Warn("metrics auth token is a placeholder, metrics surface disabled")
	}

	return func(c *gin.Context) {
		if devBypass {
			c.Next()
			return
		}
		if token == "" || isPlaceholder(token) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "metrics auth not configured"})
			return
		}
		presented := presentedToken(c)
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func presentedToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(c.GetHeader("x-metrics-token"))
}
