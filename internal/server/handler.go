package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/auth"
	"github.com/camerpulse/camerpulse-sub041/internal/chat"
	"github.com/camerpulse/camerpulse-sub041/internal/models"
	"github.com/camerpulse/camerpulse-sub041/internal/notify"
	"github.com/camerpulse/camerpulse-sub041/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合频道与收件箱的 HTTP handler。
type Handler struct {
	reg      *chat.Registry
	messages store.MessageStore
	inbox    notify.Inbox
}

func NewHandler(reg *chat.Registry, messages store.MessageStore, inbox notify.Inbox) *Handler {
	return &Handler{reg: reg, messages: messages, inbox: inbox}
}

func queryLimit(c *gin.Context, def, max int) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 || limit > max {
		return def
	}
	return limit
}

// ListMessages 返回频道最近的消息，按序号倒序；频道在线时优先读内存缓冲。
func (h *Handler) ListMessages(c *gin.Context) {
	channelID := strings.TrimSpace(c.Param("id"))
	if channelID == "" || len(channelID) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return
	}
	limit := queryLimit(c, 50, 200)
	var (
		msgs []models.ChatMessage
		err  error
	)
	if hub := h.reg.Lookup(channelID); hub != nil {
		msgs, err = hub.RecentMessages(c.Request.Context(), limit)
	} else {
		msgs, err = h.messages.Recent(c.Request.Context(), channelID, limit)
	}
	if err != nil {
		log.Error().Err(err).Str("channel_id", channelID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) Online(c *gin.Context) {
	channelID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{"channel_id": channelID, "online": h.reg.Online(channelID)})
}

// ListNotifications 支持 limit、unread_only 与 before（RFC3339）分页。
func (h *Handler) ListNotifications(c *gin.Context) {
	opts := store.ListOptions{Limit: queryLimit(c, 50, 200)}
	opts.UnreadOnly, _ = strconv.ParseBool(c.Query("unread_only"))
	if b := c.Query("before"); b != "" {
		t, err := time.Parse(time.RFC3339, b)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before"})
			return
		}
		opts.Before = t
	}
	userID := auth.GetUserID(c)
	list, err := h.inbox.List(c.Request.Context(), userID, opts)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("list notifications")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (h *Handler) UnreadCount(c *gin.Context) {
	userID := auth.GetUserID(c)
	n, err := h.inbox.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("unread count")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

// MarkRead 对别人的或不存在的通知统一返回 404，不区分两者。
func (h *Handler) MarkRead(c *gin.Context) {
	userID := auth.GetUserID(c)
	id := c.Param("id")
	if err := h.inbox.MarkRead(c.Request.Context(), id, userID); err != nil {
		if errors.Is(err, notify.ErrNotFoundOrForbidden) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		log.Error().Err(err).Str("user_id", userID).Str("notification_id", id).Msg("mark read")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to mark notification"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "is_read": true})
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	userID := auth.GetUserID(c)
	n, err := h.inbox.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("mark all read")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to mark notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

type sendRequest struct {
	UserID      string          `json:"user_id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Priority    models.Priority `json:"priority"`
	Data        map[string]any  `json:"data"`
	ActionRef   string          `json:"action_ref"`
	SourceTable string          `json:"source_table"`
	SourceRowID string          `json:"source_row_id"`
	Operation   string          `json:"operation"`
}

// SendNotification 是其他子系统（例如支付）直接投递通知的内部接口。
func (h *Handler) SendNotification(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	n, err := h.inbox.Send(c.Request.Context(), notify.Candidate{
		UserID:      strings.TrimSpace(req.UserID),
		Type:        req.Type,
		Title:       strings.TrimSpace(req.Title),
		Message:     req.Message,
		Priority:    req.Priority,
		Data:        req.Data,
		ActionRef:   req.ActionRef,
		SourceTable: req.SourceTable,
		SourceRowID: req.SourceRowID,
		Operation:   req.Operation,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"notification": n})
	case errors.Is(err, notify.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, notify.ErrDuplicateSuppressed):
		c.JSON(http.StatusOK, gin.H{"suppressed": true})
	default:
		log.Error().Err(err).Str("user_id", req.UserID).Msg("send notification")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to send notification"})
	}
}
