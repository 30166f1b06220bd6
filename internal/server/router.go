package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"unichat-realtime/internal/models"
	"unichat-realtime/internal/ws"
)

// Invalidator drops cached membership for a user.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Publisher fans a membership change out to every gateway process.
type Publisher interface {
	PublishMembershipChanged(ctx context.Context, change models.MembershipChange) error
}

// Pinger reports whether a backing store is reachable.
type Pinger func(ctx context.Context) error

type Deps struct {
	Hub        *ws.Hub
	Identifier ws.Identifier
	// Optional.
	Invalidator Invalidator
	// Optional. When set, membership changes posted over HTTP are published
	// and applied by each gateway's subscription instead of locally.
	Publisher Publisher
	Checks    map[string]Pinger
	// When set, /internal routes require a matching X-Internal-Token header.
	InternalToken string
	Logger        *slog.Logger
}

func SetupRouter(mode string, deps Deps) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/ws", func(c *gin.Context) {
		ws.ServeWS(deps.Hub, deps.Identifier, c.Writer, c.Request)
	})

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := gin.H{}
		for name, ping := range deps.Checks {
			if err := ping(ctx); err != nil {
				logger.Warn("[HTTP] Health check failed", "check", name, "error", err)
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
	})

	r.GET("/online", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Hub.OnlineUsers())
	})

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Hub.Stats())
	})

	internal := r.Group("/internal", internalAuth(deps.InternalToken))
	internal.POST("/membership-changed", func(c *gin.Context) {
		var change models.MembershipChange
		if err := c.ShouldBindJSON(&change); err != nil || change.UserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
			return
		}

		if deps.Publisher != nil {
			err := deps.Publisher.PublishMembershipChanged(c.Request.Context(), change)
			if err == nil {
				c.Status(http.StatusAccepted)
				return
			}
			logger.Warn("[HTTP] Publish failed, applying membership change locally", "user", change.UserID, "error", err)
		}

		handle := MembershipChangeHandler(deps.Hub, deps.Invalidator, logger)
		if err := handle(c.Request.Context(), change); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusAccepted)
	})

	logger.Info("[HTTP] Router setup", "mode", mode)
	return r
}

func internalAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && c.GetHeader("X-Internal-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// MembershipChangeHandler invalidates the user's cached rooms and resyncs
// their open connections. The HTTP route and the Redis subscription share it.
func MembershipChangeHandler(hub *ws.Hub, inv Invalidator, logger *slog.Logger) func(ctx context.Context, change models.MembershipChange) error {
	return func(ctx context.Context, change models.MembershipChange) error {
		if inv != nil {
			if err := inv.Invalidate(ctx, change.UserID); err != nil {
				logger.Warn("[HTTP] Membership cache invalidation failed", "user", change.UserID, "error", err)
			}
		}
		if err := hub.MembershipChanged(ctx, change.UserID); err != nil {
			logger.Error("[HTTP] Membership resync failed", "user", change.UserID, "chat", change.ChatID, "error", err)
			return err
		}
		logger.Debug("[HTTP] Membership change applied", "user", change.UserID, "chat", change.ChatID, "reason", change.Reason)
		return nil
	}
}
