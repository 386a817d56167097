package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stoik/cooldown/internal/logger"
	"github.com/stoik/cooldown/services/mock-server/internal/mock"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log, _, err := logger.New(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	addr := fmt.Sprintf(":%s", port)
	log.Info("starting mock discord api", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, newRouter()); err != nil {
		log.Fatal("mock server stopped", zap.Error(err))
	}
}

func newRouter() *gin.Engine {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Bot API, mounted like discord.com/api/v10
	api := r.Group("/api/v10")
	{
		api.POST("/users/@me/channels", handleOpenDM)
		api.POST("/channels/:channelId/messages", handlePostMessage)
		api.GET("/users/@me", handleMe)
	}

	// OAuth: the consent page immediately approves, using login_as as the user id.
	oauth := r.Group("/oauth2")
	{
		oauth.GET("/authorize", handleAuthorize)
		oauth.POST("/token", handleToken)
	}

	// Admin endpoints for testing
	admin := r.Group("/admin")
	{
		admin.POST("/block/:userId", handleBlock(true))
		admin.POST("/unblock/:userId", handleBlock(false))
		admin.POST("/fail", handleFailNext)
		admin.POST("/drop/:userId", handleDropChannel)
		admin.GET("/messages", handleListMessages)
		admin.POST("/reset", func(c *gin.Context) {
			mock.Reset()
			c.JSON(http.StatusOK, gin.H{"reset": true})
		})
	}

	return r
}

func requireBot(c *gin.Context) bool {
	if !strings.HasPrefix(c.GetHeader("Authorization"), "Bot ") {
		c.JSON(http.StatusUnauthorized, gin.H{"code": 0, "message": "401: Unauthorized"})
		return false
	}
	return true
}

func handleOpenDM(c *gin.Context) {
	if !requireBot(c) {
		return
	}
	var req struct {
		RecipientID string `json:"recipient_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 50035, "message": "Invalid Form Body"})
		return
	}
	ch, err := mock.OpenDM(req.RecipientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 50035, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": ch, "type": 1})
}

func handlePostMessage(c *gin.Context) {
	if !requireBot(c) {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 50006, "message": "Cannot send an empty message"})
		return
	}

	msg, err := mock.PostMessage(c.Param("channelId"), req.Content)
	switch {
	case errors.Is(err, mock.ErrUnknownChannel):
		c.JSON(http.StatusNotFound, gin.H{"code": mock.CodeUnknownChannel, "message": err.Error()})
	case errors.Is(err, mock.ErrBlocked):
		c.JSON(http.StatusForbidden, gin.H{"code": mock.CodeCannotSendToDM, "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"code": 0, "message": err.Error()})
	default:
		c.JSON(http.StatusOK, msg)
	}
}

func handleAuthorize(c *gin.Context) {
	redirect := c.Query("redirect_uri")
	if redirect == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "redirect_uri is required"})
		return
	}
	q := url.Values{}
	q.Set("code", c.DefaultQuery("login_as", "100000000000000001"))
	q.Set("state", c.Query("state"))
	c.Redirect(http.StatusFound, redirect+"?"+q.Encode())
}

// handleToken issues an access token that encodes the user id of the code.
func handleToken(c *gin.Context) {
	code := c.PostForm("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": "mock-" + code,
		"token_type":   "Bearer",
		"expires_in":   604800,
		"scope":        "identify",
	})
}

func handleMe(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer mock-")
	if !ok || token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": 0, "message": "401: Unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": token, "username": "user" + token})
}

func handleBlock(on bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		mock.SetBlocked(c.Param("userId"), on)
		c.JSON(http.StatusOK, gin.H{"user_id": c.Param("userId"), "blocked": on})
	}
}

func handleFailNext(c *gin.Context) {
	var req struct {
		Count int `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Count < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a non-negative integer"})
		return
	}
	mock.FailNext(req.Count)
	c.JSON(http.StatusOK, gin.H{
		"fail_next": req.Count,
		"message":   fmt.Sprintf("Next %d message(s) will fail with 502", req.Count),
	})
}

func handleDropChannel(c *gin.Context) {
	mock.DropChannel(c.Param("userId"))
	c.JSON(http.StatusOK, gin.H{"dropped": c.Param("userId")})
}

func handleListMessages(c *gin.Context) {
	c.JSON(http.StatusOK, mock.Messages(c.Query("user_id")))
}
