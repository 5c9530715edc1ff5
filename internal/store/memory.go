package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/models"
)

// MemoryMessages 是进程内的消息存储，用于测试与无数据库的开发环境。
type MemoryMessages struct {
	mu       sync.RWMutex
	byID     map[string]models.ChatMessage
	channels map[string][]string // channel -> ids by seq
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{
		byID:     make(map[string]models.ChatMessage),
		channels: make(map[string][]string),
	}
}

func (s *MemoryMessages) Append(_ context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.channels[msg.ChannelID]
	if n := len(ids); n > 0 && s.byID[ids[n-1]].Seq >= msg.Seq {
		return ErrSeqConflict
	}
	s.byID[msg.ID] = *msg
	s.channels[msg.ChannelID] = append(ids, msg.ID)
	return nil
}

func (s *MemoryMessages) Update(_ context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[msg.ID]; !ok {
		return ErrNotFound
	}
	s.byID[msg.ID] = *msg
	return nil
}

func (s *MemoryMessages) Get(_ context.Context, id string) (models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return models.ChatMessage{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryMessages) LastSeq(_ context.Context, channelID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.channels[channelID]
	if len(ids) == 0 {
		return 0, nil
	}
	return s.byID[ids[len(ids)-1]].Seq, nil
}

func (s *MemoryMessages) Recent(_ context.Context, channelID string, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.channels[channelID]
	out := make([]models.ChatMessage, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.byID[ids[i]]
		if m.Deleted {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// MemoryNotifications 是进程内的收件箱实现。
type MemoryNotifications struct {
	mu    sync.RWMutex
	items map[string]*models.Notification
	users map[string][]string // user -> ids in insert order
}

func NewMemoryNotifications() *MemoryNotifications {
	return &MemoryNotifications{
		items: make(map[string]*models.Notification),
		users: make(map[string][]string),
	}
}

func (s *MemoryNotifications) Insert(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.items[n.ID] = &cp
	s.users[n.UserID] = append(s.users[n.UserID], n.ID)
	return nil
}

func (s *MemoryNotifications) ExistsSince(_ context.Context, dedupKey string, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.items {
		if n.DedupKey == dedupKey && !n.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryNotifications) LatestFromSource(_ context.Context, userID, sourceTable, sourceRowID string) (models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.users[userID]
	for i := len(ids) - 1; i >= 0; i-- {
		n := s.items[ids[i]]
		if n.SourceTable == sourceTable && n.SourceRowID == sourceRowID {
			return *n, nil
		}
	}
	return models.Notification{}, ErrNotFound
}

func (s *MemoryNotifications) List(_ context.Context, userID string, opts ListOptions) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.users[userID]
	limit := opts.limit()
	out := make([]models.Notification, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.items[ids[i]]
		if opts.UnreadOnly && n.IsRead {
			continue
		}
		if !opts.Before.IsZero() && !n.CreatedAt.Before(opts.Before) {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

func (s *MemoryNotifications) UnreadCount(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c int64
	for _, id := range s.users[userID] {
		if !s.items[id].IsRead {
			c++
		}
	}
	return c, nil
}

func (s *MemoryNotifications) MarkRead(_ context.Context, id, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok || n.UserID != userID {
		return ErrNotFoundOrForbidden
	}
	if !n.IsRead {
		n.IsRead = true
		n.ReadAt = &at
		n.UpdatedAt = at
	}
	return nil
}

func (s *MemoryNotifications) MarkAllRead(_ context.Context, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c int64
	for _, id := range s.users[userID] {
		n := s.items[id]
		if n.IsRead {
			continue
		}
		n.IsRead = true
		n.ReadAt = &at
		n.UpdatedAt = at
		c++
	}
	return c, nil
}

func (s *MemoryNotifications) Trim(_ context.Context, userID string, max int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.users[userID]
	excess := len(ids) - max
	if max <= 0 || excess <= 0 {
		return 0, nil
	}
	// 已读优先，其次按时间从旧到新。
	victims := append([]string(nil), ids...)
	sort.SliceStable(victims, func(i, j int) bool {
		a, b := s.items[victims[i]], s.items[victims[j]]
		if a.IsRead != b.IsRead {
			return a.IsRead
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	drop := make(map[string]struct{}, excess)
	for _, id := range victims[:excess] {
		drop[id] = struct{}{}
		delete(s.items, id)
	}
	kept := ids[:0:0]
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	s.users[userID] = kept
	return int64(excess), nil
}

func (s *MemoryNotifications) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c int64
	for user, ids := range s.users {
		kept := ids[:0:0]
		for _, id := range ids {
			if s.items[id].CreatedAt.Before(before) {
				delete(s.items, id)
				c++
				continue
			}
			kept = append(kept, id)
		}
		s.users[user] = kept
	}
	return c, nil
}

// Get 返回通知副本，主要供测试断言使用。
func (s *MemoryNotifications) Get(id string) (models.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.items[id]
	if !ok {
		return models.Notification{}, false
	}
	return *n, true
}

var (
	_ MessageStore      = (*MemoryMessages)(nil)
	_ NotificationStore = (*MemoryNotifications)(nil)
)
