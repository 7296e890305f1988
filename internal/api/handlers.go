// Package api wires HTTP routes to the chat orchestrator and its
// collaborators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pdftutor/internal/auth"
	"pdftutor/internal/models"
	"pdftutor/internal/redis"
	"pdftutor/internal/service/chat"
	"pdftutor/internal/storage"
	"pdftutor/internal/worker"
	"pdftutor/pkg/log"
)

const (
	maxUploadBytes   = 20 << 20 // 20 MB
	sessionListTTL   = 5 * time.Minute
	sessionListScope = "chatlist:%d"
)

// Handler holds the request-facing dependencies.
type Handler struct {
	chat       *chat.Service
	auth       *auth.Service
	store      storage.Store
	cache      *redis.Client
	dispatcher *worker.Dispatcher
}

func NewHandler(chatService *chat.Service, authService *auth.Service, store storage.Store, cache *redis.Client, dispatcher *worker.Dispatcher) *Handler {
	return &Handler{
		chat:       chatService,
		auth:       authService,
		store:      store,
		cache:      cache,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/register", h.register)
	api.POST("/login", h.login)
	api.GET("/chats", h.listChats)
	api.GET("/chats/:id", h.getChat)
	api.DELETE("/chats/:id", h.deleteChat)
	api.DELETE("/chats", h.deleteAllChats)
	api.POST("/chat", h.handleChat)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password are required."})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "Username already exists."})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "User registered successfully.",
		"user_id": strconv.FormatInt(user.ID, 10),
	})
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password."})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Login successful.",
		"user_id": strconv.FormatInt(user.ID, 10),
	})
}

// ownerFromQuery reads the owner id from the user_id query parameter.
func ownerFromQuery(c *gin.Context) (int64, bool) {
	ownerID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || ownerID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User ID is required."})
		return 0, false
	}
	return ownerID, true
}

func (h *Handler) listChats(c *gin.Context) {
	ownerID, ok := ownerFromQuery(c)
	if !ok {
		return
	}
	key := fmt.Sprintf(sessionListScope, ownerID)
	if cached, err := h.cache.Get(c.Request.Context(), key); err == nil {
		var summaries []models.SessionSummary
		if json.Unmarshal([]byte(cached), &summaries) == nil {
			c.JSON(http.StatusOK, summaries)
			return
		}
	}

	summaries, err := h.store.List(c.Request.Context(), ownerID)
	if err != nil {
		log.Errorf("list sessions for user %d: %v", ownerID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not retrieve chat list."})
		return
	}
	if summaries == nil {
		summaries = []models.SessionSummary{}
	}
	if data, err := json.Marshal(summaries); err == nil {
		if err := h.cache.Set(c.Request.Context(), key, data, sessionListTTL); err != nil {
			log.Warnf("cache chat list for user %d: %v", ownerID, err)
		}
	}
	c.JSON(http.StatusOK, summaries)
}

func (h *Handler) getChat(c *gin.Context) {
	ownerID, ok := ownerFromQuery(c)
	if !ok {
		return
	}
	session, err := h.store.Get(c.Request.Context(), c.Param("id"), ownerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found or access denied."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) deleteChat(c *gin.Context) {
	ownerID, ok := ownerFromQuery(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), c.Param("id"), ownerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found or access denied."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.invalidateList(c.Request.Context(), ownerID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteAllChats(c *gin.Context) {
	ownerID, ok := ownerFromQuery(c)
	if !ok {
		return
	}
	removed, err := h.store.DeleteAll(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.invalidateList(c.Request.Context(), ownerID)
	c.JSON(http.StatusOK, gin.H{"deleted": removed})
}

// handleChat is the streaming endpoint: multipart form in, SSE out. Each
// event is an independently parseable `data: <JSON>` frame; the terminal
// frame always carries the session id.
func (h *Handler) handleChat(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	ownerID, err := strconv.ParseInt(c.PostForm("user_id"), 10, 64)
	if err != nil || ownerID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User is not logged in."})
		return
	}
	sessionID := c.PostForm("chat_id")
	if sessionID == "null" {
		sessionID = ""
	}

	req := chat.Request{
		OwnerID:   ownerID,
		SessionID: sessionID,
		Question:  c.PostForm("question"),
	}
	if sessionID == "" {
		fileHeader, err := c.FormFile("pdf_file")
		if err == nil {
			f, err := fileHeader.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "open uploaded file failed"})
				return
			}
			req.Document, err = io.ReadAll(f)
			f.Close()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "read uploaded file failed"})
				return
			}
			req.DocumentName = fileHeader.Filename
		}
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// SSE headers are written lazily so request-level failures can still
	// produce a plain JSON error response.
	started := false
	emit := func(ev chat.Event) error {
		if !started {
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("Connection", "keep-alive")
			c.Writer.Header().Set("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	errCh := make(chan error, 1)
	job := func() {
		errCh <- h.chat.HandleMessage(c.Request.Context(), req, emit)
	}
	if err := h.dispatcher.Submit(job); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		return
	}
	err = <-errCh

	// A committed turn changes the list ordering regardless of outcome.
	h.invalidateList(context.Background(), ownerID)

	if err == nil || started {
		return
	}
	switch {
	case errors.Is(err, chat.ErrQuestionRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Question is required."})
	case errors.Is(err, chat.ErrDocumentRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "A PDF file is required for a new chat."})
	case errors.Is(err, chat.ErrExtraction):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read PDF."})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found or access denied."})
	default:
		log.Errorf("chat request for user %d: %v", ownerID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An unexpected server error occurred."})
	}
}

func (h *Handler) invalidateList(ctx context.Context, ownerID int64) {
	key := fmt.Sprintf(sessionListScope, ownerID)
	if err := h.cache.Del(ctx, key); err != nil {
		log.Warnf("invalidate chat list for user %d: %v", ownerID, err)
	}
}
