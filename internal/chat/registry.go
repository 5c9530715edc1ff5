package chat

import (
	"errors"
	"sync"
	"time"

	clog "github.com/camerpulse/camerpulse-sub041/internal/log"
	"github.com/camerpulse/camerpulse-sub041/internal/metrics"
	"github.com/camerpulse/camerpulse-sub041/internal/store"
	"github.com/rs/zerolog"
)

// Registry 把频道 ID 映射到其 Hub：首次加入时创建，会话清空并经过宽限期后回收。
// 同时维护用户到 Hub 的索引，用于向某个用户的所有在线会话推送通知。
type Registry struct {
	opts  Options
	store store.MessageStore
	log   zerolog.Logger

	mu     sync.Mutex
	hubs   map[string]*Hub
	closed bool

	umu   sync.RWMutex
	users map[string]map[*Hub]int
}

func NewRegistry(messages store.MessageStore, opts Options) *Registry {
	return &Registry{
		opts:  opts.withDefaults(),
		store: messages,
		log:   clog.Component("registry"),
		hubs:  make(map[string]*Hub),
		users: make(map[string]map[*Hub]int),
	}
}

// Hub 返回频道的 Hub，不存在时创建；Registry 已关闭时返回 nil。
func (r *Registry) Hub(channelID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	h := r.hubs[channelID]
	if h != nil {
		return h
	}
	h = newHub(channelID, r.store, r.opts, r)
	r.hubs[channelID] = h
	metrics.ActiveChannels.Inc()
	return h
}

// Lookup 只查询，不创建。
func (r *Registry) Lookup(channelID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hubs[channelID]
}

// Join 把会话加入其频道。Hub 恰好在回收时会重新创建后再试。
func (r *Registry) Join(s *Session) (*Hub, error) {
	for {
		h := r.Hub(s.ChannelID)
		if h == nil {
			return nil, ErrHubClosed
		}
		err := h.Join(s)
		if errors.Is(err, ErrHubClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

func (r *Registry) Online(channelID string) int {
	if h := r.Lookup(channelID); h != nil {
		return h.Online()
	}
	return 0
}

// Channels 返回当前存活的 Hub 数量。
func (r *Registry) Channels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

// PushToUser 把帧投递给用户在所有频道中的在线会话，返回投递到的 Hub 数量。
func (r *Registry) PushToUser(userID string, frame []byte) int {
	r.umu.RLock()
	hubs := make([]*Hub, 0, len(r.users[userID]))
	for h := range r.users[userID] {
		hubs = append(hubs, h)
	}
	r.umu.RUnlock()
	n := 0
	for _, h := range hubs {
		if h.pushToUser(userID, frame) {
			n++
		}
	}
	return n
}

// Connected 判断用户当前是否有任何在线会话。
func (r *Registry) Connected(userID string) bool {
	r.umu.RLock()
	defer r.umu.RUnlock()
	return len(r.users[userID]) > 0
}

func (r *Registry) trackUser(userID string, h *Hub, delta int) {
	r.umu.Lock()
	defer r.umu.Unlock()
	m := r.users[userID]
	if m == nil {
		m = make(map[*Hub]int)
		r.users[userID] = m
	}
	m[h] += delta
	if m[h] <= 0 {
		delete(m, h)
	}
	if len(m) == 0 {
		delete(r.users, userID)
	}
}

// scheduleEvict 为第 idle 轮空闲安排回收。之后又有会话进出时 idleGen 已经前进，
// 这个计时器到期也不会生效。
func (r *Registry) scheduleEvict(h *Hub, idle uint64) {
	time.AfterFunc(r.opts.EvictGrace, func() { r.evict(h, idle) })
}

// evict 在持有 mu 的情况下请求 Hub 自行停止；期间有新会话加入则放弃回收。
func (r *Registry) evict(h *Hub, idle uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hubs[h.channelID] != h {
		return
	}
	if !h.stopHub(stopReq{idle: idle}) {
		return
	}
	delete(r.hubs, h.channelID)
	metrics.ActiveChannels.Dec()
	r.log.Debug().Str("channel_id", h.channelID).Msg("evicted idle channel")
}

// Close 停止所有 Hub，之后的 Join 返回 ErrHubClosed。
func (r *Registry) Close() {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for id, h := range r.hubs {
		hubs = append(hubs, h)
		delete(r.hubs, id)
		metrics.ActiveChannels.Dec()
	}
	r.closed = true
	r.mu.Unlock()
	for _, h := range hubs {
		h.Close()
	}
}
