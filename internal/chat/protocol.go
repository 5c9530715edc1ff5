package chat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/models"
)

// 客户端 -> 服务端
const (
	TypeChatMessage   = "chat_message"
	TypeTypingStart   = "typing_start"
	TypeTypingStop    = "typing_stop"
	TypeGetRecent     = "get_recent_messages"
	TypeEditMessage   = "edit_message"
	TypeDeleteMessage = "delete_message"
)

// 服务端 -> 客户端
const (
	TypeWelcome        = "welcome"
	TypeNewMessage     = "new_message"
	TypeMessageUpdated = "message_updated"
	TypeUserTyping     = "user_typing"
	TypeRecentMessages = "recent_messages"
	TypeNotification   = "notification"
	TypeError          = "error"
)

// Inbound 是客户端上行帧，各类型只使用其中部分字段。
type Inbound struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	ID       string `json:"id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Surface 提示前端限时弹出通知。
type Surface struct {
	DurationMS int64 `json:"duration_ms"`
}

// Frame 是服务端下行帧的通用解码结构。message 字段在 error 帧里是字符串，
// 在 new_message / message_updated 帧里是消息对象，因此保留原始 JSON。
type Frame struct {
	Type         string               `json:"type"`
	SessionID    string               `json:"session_id,omitempty"`
	ChannelID    string               `json:"channel_id,omitempty"`
	UserID       string               `json:"userId,omitempty"`
	Typing       bool                 `json:"typing,omitempty"`
	Count        int                  `json:"count,omitempty"`
	Label        string               `json:"label,omitempty"`
	Code         string               `json:"code,omitempty"`
	Message      json.RawMessage      `json:"message,omitempty"`
	Messages     []models.ChatMessage `json:"messages,omitempty"`
	Notification *models.Notification `json:"notification,omitempty"`
	Surface      *Surface             `json:"surface,omitempty"`
}

// ChatMessage 解出 new_message / message_updated 帧携带的消息。
func (f Frame) ChatMessage() (models.ChatMessage, error) {
	var m models.ChatMessage
	if len(f.Message) == 0 {
		return m, errors.New("frame has no message")
	}
	err := json.Unmarshal(f.Message, &m)
	return m, err
}

// ErrorText 返回 error 帧中的提示文本。
func (f Frame) ErrorText() string {
	var s string
	_ = json.Unmarshal(f.Message, &s)
	return s
}

type welcomeFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"userId"`
}

type messageFrame struct {
	Type    string             `json:"type"`
	Message models.ChatMessage `json:"message"`
}

type typingFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
	Count  int    `json:"count"`
	Label  string `json:"label"`
}

type recentFrame struct {
	Type     string               `json:"type"`
	Messages []models.ChatMessage `json:"messages"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type notificationFrame struct {
	Type         string              `json:"type"`
	Notification models.Notification `json:"notification"`
	Surface      *Surface            `json:"surface,omitempty"`
}

func encode(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

func encodeError(err error) []byte {
	code := errorCode(err)
	msg := err.Error()
	if code == "internal" {
		msg = "request failed, please retry"
	}
	return encode(errorFrame{Type: TypeError, Message: msg, Code: code})
}

// EncodeNotification 生成推送给用户在线会话的 notification 帧，
// surface 为 0 表示静默投递。
func EncodeNotification(n models.Notification, surface time.Duration) []byte {
	f := notificationFrame{Type: TypeNotification, Notification: n}
	if surface > 0 {
		f.Surface = &Surface{DurationMS: surface.Milliseconds()}
	}
	return encode(f)
}
