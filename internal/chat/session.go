package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 1 << 20 // 1MB
	sendBuffer   = 256
)

// Session 是一个客户端在某个频道中的一条实时连接，只归注册它的 Hub 所有。
type Session struct {
	ID          string
	ChannelID   string
	UserID      string
	Guest       bool
	ConnectedAt time.Time

	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

func NewSession(channelID, userID string, guest bool) *Session {
	now := time.Now()
	s := &Session{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		UserID:      userID,
		Guest:       guest,
		ConnectedAt: now,
		send:        make(chan []byte, sendBuffer),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen 返回最近一次收到该会话上行帧的时间。
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (s *Session) readPump(ctx context.Context) {
	defer func() {
		s.hub.Leave(s.ID)
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("session_id", s.ID).Msg("session read")
			}
			return
		}
		s.touch()
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			s.hub.SendTo(s.ID, encodeError(fmt.Errorf("%w: malformed frame", ErrValidation)))
			continue
		}
		s.handle(ctx, in)
	}
}

func (s *Session) handle(ctx context.Context, in Inbound) {
	h := s.hub
	switch in.Type {
	case TypeChatMessage:
		if !s.limiter.Allow() {
			h.SendTo(s.ID, encodeError(ErrRateLimited))
			return
		}
		if _, err := h.Publish(ctx, s.ID, in.Content, in.ParentID); err != nil {
			h.SendTo(s.ID, encodeError(err))
		}
	case TypeTypingStart:
		h.SetTyping(s.ID, true)
	case TypeTypingStop:
		h.SetTyping(s.ID, false)
	case TypeGetRecent:
		msgs, err := h.RecentMessages(ctx, in.Limit)
		if err != nil {
			log.Error().Err(err).Str("channel_id", s.ChannelID).Msg("recent messages")
			h.SendTo(s.ID, encodeError(err))
			return
		}
		h.SendTo(s.ID, encode(recentFrame{Type: TypeRecentMessages, Messages: msgs}))
	case TypeEditMessage:
		if _, err := h.EditMessage(ctx, s.ID, in.ID, in.Content); err != nil {
			h.SendTo(s.ID, encodeError(err))
		}
	case TypeDeleteMessage:
		if _, err := h.DeleteMessage(ctx, s.ID, in.ID); err != nil {
			h.SendTo(s.ID, encodeError(err))
		}
	default:
		h.SendTo(s.ID, encodeError(fmt.Errorf("%w: unknown frame type %q", ErrValidation, in.Type)))
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
