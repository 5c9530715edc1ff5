package chat

import (
	"sync"

	"github.com/camerpulse/camerpulse-sub041/internal/models"
)

// recentBuffer 缓存频道最近的消息（按序号升序），供回填请求直接读取。
// truncated 表示更早的未删除消息只在存储里。
type recentBuffer struct {
	mu        sync.RWMutex
	size      int
	msgs      []models.ChatMessage
	ready     bool
	truncated bool
}

func newRecentBuffer(size int) *recentBuffer {
	return &recentBuffer{size: size}
}

// reset 用存储返回的倒序结果初始化缓冲。
func (b *recentBuffer) reset(newestFirst []models.ChatMessage, truncated bool) {
	msgs := make([]models.ChatMessage, 0, b.size)
	for i := len(newestFirst) - 1; i >= 0; i-- {
		msgs = append(msgs, newestFirst[i])
	}
	b.mu.Lock()
	b.msgs = msgs
	b.ready = true
	b.truncated = truncated
	b.mu.Unlock()
}

func (b *recentBuffer) push(m models.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
	if len(b.msgs) > b.size {
		n := copy(b.msgs, b.msgs[len(b.msgs)-b.size:])
		b.msgs = b.msgs[:n]
		b.truncated = true
	}
}

func (b *recentBuffer) replace(m models.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.msgs {
		if b.msgs[i].ID == m.ID {
			b.msgs[i] = m
			return
		}
	}
}

func (b *recentBuffer) get(id string) (models.ChatMessage, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := len(b.msgs) - 1; i >= 0; i-- {
		if b.msgs[i].ID == id {
			return b.msgs[i], true
		}
	}
	return models.ChatMessage{}, false
}

// newest 返回最多 limit 条未删除消息（倒序）；缓冲不足以回答时 ok 为 false。
func (b *recentBuffer) newest(limit int) ([]models.ChatMessage, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.ready {
		return nil, false
	}
	out := make([]models.ChatMessage, 0, limit)
	for i := len(b.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if b.msgs[i].Deleted {
			continue
		}
		out = append(out, b.msgs[i])
	}
	if len(out) < limit && b.truncated {
		return nil, false
	}
	return out, true
}
