// Package gin serves the approval surface on a gin engine. It translates
// gin.Context to the shared handlers in http/internal/helpers.
package gin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	httpsignet "github.com/mark3labs/signet/http"
	"github.com/mark3labs/signet/http/internal/helpers"
)

// Config configures the routes.
type Config struct {
	// Token, when set, is required as a bearer credential on every route.
	Token string
	// Events serves GET /events when set.
	Events *httpsignet.Broadcaster
	Logger *slog.Logger
}

// Mount registers the approval routes on r. The routes match the chi
// router's.
//
// Example usage:
//
//	r := gin.Default()
//	gin.Mount(r.Group("/wallet"), controller, &gin.Config{Token: token})
func Mount(r gin.IRouter, approvals httpsignet.Approvals, config *Config) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := r.Group("", requestLogger(logger), requireToken(config.Token))
	g.POST(httpsignet.PathRequests, func(c *gin.Context) {
		helpers.Submit(c.Writer, c.Request, approvals)
	})
	g.GET(httpsignet.PathApprovals, func(c *gin.Context) {
		helpers.List(c.Writer, approvals)
	})
	g.GET(httpsignet.PathApprovals+"/:id", func(c *gin.Context) {
		helpers.Get(c.Writer, approvals, c.Param("id"))
	})
	g.POST(httpsignet.PathApprovals+"/:id/approve", func(c *gin.Context) {
		helpers.Approve(c.Writer, c.Request, approvals, c.Param("id"))
	})
	g.POST(httpsignet.PathApprovals+"/:id/reject", func(c *gin.Context) {
		helpers.Reject(c.Writer, c.Request, approvals, c.Param("id"))
	})
	g.POST(httpsignet.PathApprovals+"/:id/dismiss", func(c *gin.Context) {
		helpers.Dismiss(c.Writer, approvals, c.Param("id"))
	})
	if config.Events != nil {
		g.GET(httpsignet.PathEvents, gin.WrapH(config.Events))
	}
}

// requireToken aborts requests without the bearer token.
func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions || helpers.Authorized(c.Request, token) {
			c.Next()
			return
		}
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpsignet.ErrorResponse{
			Error: httpsignet.ErrorBody{Code: "UNAUTHORIZED", Message: "missing or invalid token"},
		})
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
