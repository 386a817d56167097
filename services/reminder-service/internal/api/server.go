// Package api exposes the reminder service over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stoik/cooldown/internal/models"
	"github.com/stoik/cooldown/services/reminder-service/internal/gateway"
	"github.com/stoik/cooldown/services/reminder-service/internal/session"
	"github.com/stoik/cooldown/services/reminder-service/internal/status"
	"github.com/stoik/cooldown/services/reminder-service/internal/store"
)

type TimerService interface {
	Start(ctx context.Context, userID, kind string) (models.Timer, error)
	Cancel(ctx context.Context, userID, kind string) (models.Timer, error)
}

type StatusProjector interface {
	Project(ctx context.Context, userID string) (status.Snapshot, error)
}

// Identity is the OAuth login provider.
type Identity interface {
	LoginURL(state string) string
	BotInviteURL() string
	Identify(ctx context.Context, code string) (string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	// PublicInviteURL is the fallback community server link; empty disables /out/public.
	PublicInviteURL string
	SecureCookies   bool
	SessionTTL      time.Duration
}

type Server struct {
	timers   TimerService
	status   StatusProjector
	users    store.UserStore
	sessions session.Store
	sender   gateway.Sender
	identity Identity
	health   Pinger
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

type Deps struct {
	Timers   TimerService
	Status   StatusProjector
	Users    store.UserStore
	Sessions session.Store
	Sender   gateway.Sender
	Identity Identity
	Health   Pinger
}

func NewServer(d Deps, cfg Config, log *zap.Logger) *Server {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = session.DefaultTTL
	}
	return &Server{
		timers:   d.Timers,
		status:   d.Status,
		users:    d.Users,
		sessions: d.Sessions,
		sender:   d.Sender,
		identity: d.Identity,
		health:   d.Health,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(s.log), Recovery(s.log))

	r.GET("/healthz", s.handleHealth)
	r.GET("/banner", s.handleBanner)

	authGroup := r.Group("/auth/discord")
	{
		authGroup.GET("/login", s.handleLogin)
		authGroup.GET("/callback", s.handleCallback)
	}
	r.GET("/logout", s.handleLogout)

	out := r.Group("/out")
	{
		out.GET("/invite", s.handleInviteRedirect)
		out.GET("/public", s.handlePublicRedirect)
	}

	user := r.Group("/", s.requireSession)
	{
		user.POST("/timer/:kind", s.handleStartTimer)
		user.POST("/timer/:kind/cancel", s.handleCancelTimer)
		user.GET("/status", s.handleStatus)
		user.POST("/tz", s.handleSetTimezone)
		user.GET("/dm-health", s.handleDMHealth)
		user.POST("/test-send", s.handleTestSend)
		user.POST("/ack/:kind", s.handleAck)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}
