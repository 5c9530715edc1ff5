package changefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/models"
	"github.com/camerpulse/camerpulse-sub041/internal/store"
)

// Emitter 接收进程内产生的变更，MemoryFeed 实现了它。
type Emitter interface {
	Emit(c Change)
}

// MessageMirror 包装消息存储，在写入成功后把 chat_messages 的变更发给 Emitter。
// 没有数据库触发器时，聊天消息由它接入通知链路。
type MessageMirror struct {
	store.MessageStore
	out Emitter
}

func NewMessageMirror(inner store.MessageStore, out Emitter) *MessageMirror {
	return &MessageMirror{MessageStore: inner, out: out}
}

func (m *MessageMirror) Append(ctx context.Context, msg *models.ChatMessage) error {
	if err := m.MessageStore.Append(ctx, msg); err != nil {
		return err
	}
	m.emit(Insert, msg)
	return nil
}

func (m *MessageMirror) Update(ctx context.Context, msg *models.ChatMessage) error {
	if err := m.MessageStore.Update(ctx, msg); err != nil {
		return err
	}
	m.emit(Update, msg)
	return nil
}

func (m *MessageMirror) emit(ev Event, msg *models.ChatMessage) {
	row, err := json.Marshal(msg)
	if err != nil {
		return
	}
	m.out.Emit(Change{Event: ev, Schema: "public", Table: TableChatMessages, NewRow: row, OccurredAt: time.Now()})
}
