package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stoik/cooldown/internal/localtime"
	"github.com/stoik/cooldown/internal/models"
	"github.com/stoik/cooldown/services/reminder-service/internal/engine"
	"github.com/stoik/cooldown/services/reminder-service/internal/gateway"
	"github.com/stoik/cooldown/services/reminder-service/internal/session"
	"github.com/stoik/cooldown/services/reminder-service/internal/store"
	"github.com/stoik/cooldown/services/reminder-service/internal/timers"
)

const testMessage = "✅ Test DM: cooldown reminders will arrive here!"

// httpStatus maps domain errors to response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, timers.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrNothingToCancel),
		errors.Is(err, timers.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, timers.ErrSetupRequired):
		return http.StatusPreconditionFailed
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// failText answers a timer command with plain text, like its success path.
func (s *Server) failText(c *gin.Context, err error) {
	code := httpStatus(err)
	msg := err.Error()
	switch code {
	case http.StatusInternalServerError:
		s.log.Error("request failed", zap.Error(err))
		msg = "internal error"
	case http.StatusServiceUnavailable:
		s.log.Warn("store unavailable", zap.Error(err))
		msg = "service temporarily unavailable, try again"
	case http.StatusPreconditionFailed:
		msg = "Send a test DM first so reminders can reach you."
	}
	_ = c.Error(err)
	c.String(code, msg)
}

func (s *Server) failJSON(c *gin.Context, err error) {
	code := httpStatus(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		msg = http.StatusText(code)
	}
	_ = c.Error(err)
	c.JSON(code, gin.H{"error": msg})
}

func (s *Server) handleStartTimer(c *gin.Context) {
	ctx := c.Request.Context()
	uid := currentSession(c).UserID

	t, err := s.timers.Start(ctx, uid, c.Param("kind"))
	if err != nil {
		s.failText(c, err)
		return
	}

	tz := models.DefaultTimezone
	if u, err := s.users.GetUser(ctx, uid); err == nil {
		tz = u.TZ
	}
	k, _ := models.LookupKind(t.Kind)
	c.String(http.StatusOK, fmt.Sprintf("✅ %s timer set!\n- Next reminder: %s (%s)", k.Label, localtime.Format(t.DueAt, tz), tz))
}

func (s *Server) handleCancelTimer(c *gin.Context) {
	t, err := s.timers.Cancel(c.Request.Context(), currentSession(c).UserID, c.Param("kind"))
	if err != nil {
		s.failText(c, err)
		return
	}
	k, _ := models.LookupKind(t.Kind)
	c.String(http.StatusOK, fmt.Sprintf("⏹ %s timer cancelled.", k.Label))
}

func (s *Server) handleStatus(c *gin.Context) {
	sess := currentSession(c)
	snap, err := s.status.Project(c.Request.Context(), sess.UserID)
	if err != nil {
		s.failJSON(c, err)
		return
	}
	snap.ShowBanner = snap.ShowBanner && !sess.InviteAcked
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleSetTimezone(c *gin.Context) {
	var req struct {
		TZ string `json:"tz"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	tz := strings.TrimSpace(req.TZ)
	if !localtime.Valid(tz) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown timezone %q", req.TZ)})
		return
	}
	if err := s.users.SetTimezone(c.Request.Context(), currentSession(c).UserID, tz); err != nil {
		s.failJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tz": tz})
}

func (s *Server) handleDMHealth(c *gin.Context) {
	u, err := s.users.GetUser(c.Request.Context(), currentSession(c).UserID)
	if err != nil {
		s.failJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":       u.ID,
		"dm_status":     u.DMStatus,
		"dm_last_error": u.DMLastError,
		"dm_ok_at":      u.DMOKAt,
	})
}

// handleTestSend sends a verification DM. Success is the user's one-time
// acknowledgment that reminders can reach them.
func (s *Server) handleTestSend(c *gin.Context) {
	ctx := c.Request.Context()
	uid := currentSession(c).UserID
	if err := s.users.EnsureUser(ctx, uid); err != nil {
		s.failText(c, err)
		return
	}

	sendErr := s.sender.SendDirectMessage(ctx, uid, testMessage)
	now := s.now()
	if sendErr == nil {
		if err := s.users.RecordDM(ctx, uid, models.DMOK, "", now); err != nil {
			s.failText(c, err)
			return
		}
		c.String(http.StatusOK, "✅ Test DM sent! Check your Discord DMs.")
		return
	}

	// A transient failure keeps the current status and only records the error.
	dmStatus := models.DMUnverified
	if u, err := s.users.GetUser(ctx, uid); err == nil {
		dmStatus = u.DMStatus
	}
	code := http.StatusBadGateway
	if errors.Is(sendErr, gateway.ErrBlocked) {
		dmStatus = models.DMBlocked
		code = http.StatusBadRequest
	}
	if err := s.users.RecordDM(ctx, uid, dmStatus, sendErr.Error(), now); err != nil {
		s.log.Warn("failed to record dm result", zap.String("user_id", uid), zap.Error(err))
	}
	_ = c.Error(sendErr)
	c.String(code, "❌ DM delivery failed: "+sendErr.Error())
}

func (s *Server) handleBanner(c *gin.Context) {
	token, _ := c.Cookie(sessionCookie)
	sess, err := s.sessions.Get(c.Request.Context(), token)
	loggedIn := err == nil
	showBanner := loggedIn && !sess.InviteAcked
	if showBanner {
		if u, err := s.users.GetUser(c.Request.Context(), sess.UserID); err == nil && u.DMReady() {
			showBanner = false
		}
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{
		"logged_in":    loggedIn,
		"invite_acked": loggedIn && sess.InviteAcked,
		"show_banner":  showBanner,
	})
}

func (s *Server) handleAck(c *gin.Context) {
	switch c.Param("kind") {
	case "invite", "public":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown ack kind"})
		return
	}
	if err := s.sessions.AckInvite(c.Request.Context(), currentSession(c).Token); err != nil {
		s.failJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleLogin(c *gin.Context) {
	state := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(stateCookie, state, int((10 * time.Minute).Seconds()), "/", "", s.cfg.SecureCookies, true)
	c.Redirect(http.StatusFound, s.identity.LoginURL(state))
}

func (s *Server) handleCallback(c *gin.Context) {
	if e := c.Query("error"); e != "" {
		c.String(http.StatusBadRequest, "Discord login failed: "+e)
		return
	}
	code := c.Query("code")
	if code == "" {
		c.String(http.StatusBadRequest, "missing authorization code")
		return
	}
	want, err := c.Cookie(stateCookie)
	if err != nil || want == "" || want != c.Query("state") {
		c.String(http.StatusBadRequest, "login state mismatch, please try again")
		return
	}
	s.clearCookie(c, stateCookie)

	ctx := c.Request.Context()
	uid, err := s.identity.Identify(ctx, code)
	if err != nil {
		s.log.Warn("discord login failed", zap.Error(err))
		c.String(http.StatusBadGateway, "Discord login failed, please try again")
		return
	}
	if err := s.users.EnsureUser(ctx, uid); err != nil {
		s.failText(c, err)
		return
	}
	sess, err := s.sessions.Create(ctx, uid)
	if err != nil {
		s.log.Error("failed to create session", zap.Error(err))
		c.String(http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	s.setSessionCookie(c, sess.Token)
	s.log.Info("user logged in", zap.String("user_id", uid))
	c.Redirect(http.StatusFound, "/")
}

func (s *Server) handleLogout(c *gin.Context) {
	if token, err := c.Cookie(sessionCookie); err == nil && token != "" {
		if err := s.sessions.Delete(c.Request.Context(), token); err != nil {
			s.log.Warn("failed to delete session", zap.Error(err))
		}
	}
	s.clearCookie(c, sessionCookie)
	c.Redirect(http.StatusFound, "/")
}

func (s *Server) handleInviteRedirect(c *gin.Context) {
	c.Redirect(http.StatusFound, s.identity.BotInviteURL())
}

func (s *Server) handlePublicRedirect(c *gin.Context) {
	if s.cfg.PublicInviteURL == "" {
		c.String(http.StatusNotFound, "public server invite is not configured")
		return
	}
	c.Redirect(http.StatusFound, s.cfg.PublicInviteURL)
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.health.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
