package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/camerpulse/camerpulse-sub041/internal/config"
	clog "github.com/camerpulse/camerpulse-sub041/internal/log"
	"github.com/camerpulse/camerpulse-sub041/internal/metrics"
	"github.com/camerpulse/camerpulse-sub041/internal/models"
	"github.com/camerpulse/camerpulse-sub041/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 200
)

// Options 是单个频道 Hub 的运行参数。
type Options struct {
	MaxSessions      int
	TypingTimeout    time.Duration
	MaxMessageLength int
	RecentBufferSize int
	EvictGrace       time.Duration
	AllowGuests      bool
	RatePerSec       float64
	RateBurst        int
}

func OptionsFromConfig(c config.ChatConfig) Options {
	return Options{
		MaxSessions:      c.MaxSessions,
		TypingTimeout:    c.TypingTimeout.Duration,
		MaxMessageLength: c.MaxMessageLength,
		RecentBufferSize: c.RecentBufferSize,
		EvictGrace:       c.EvictGrace.Duration,
		AllowGuests:      c.AllowGuests,
		RatePerSec:       c.RatePerSec,
		RateBurst:        c.RateBurst,
	}
}

func (o Options) withDefaults() Options {
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = 2 * time.Second
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = 2000
	}
	if o.RecentBufferSize <= 0 {
		o.RecentBufferSize = 100
	}
	if o.EvictGrace <= 0 {
		o.EvictGrace = 30 * time.Second
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 5
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 10
	}
	return o
}

type joinReq struct {
	s     *Session
	reply chan error
}

type typingReq struct {
	sessionID string
	typing    bool
}

type typingEntry struct {
	sessionID string
	startedAt time.Time
	gen       uint64
	timer     *time.Timer
}

type typingExpiry struct {
	userID string
	gen    uint64
}

type unicast struct {
	sessionID string
	frame     []byte
}

type userFrame struct {
	userID string
	frame  []byte
}

// 非强制停止要求 idle 等于当前 idleGen，即 Hub 仍处于安排回收时的那一轮空闲。
type stopReq struct {
	force bool
	idle  uint64
	reply chan bool
}

type opKind int

const (
	opPublish opKind = iota
	opEdit
	opDelete
)

type publishReq struct {
	ctx       context.Context
	kind      opKind
	authorID  string
	content   string
	parentID  string
	messageID string
	reply     chan publishResult
}

type publishResult struct {
	msg models.ChatMessage
	err error
}

// Hub 是单个频道的唯一事实来源。run 协程独占会话集合与输入状态，
// publishLoop 协程是该频道唯一的写者，负责分配序号与持久化，
// 因此 join/leave/typing 永远不会等待存储。
type Hub struct {
	channelID string
	opts      Options
	store     store.MessageStore
	reg       *Registry
	log       zerolog.Logger

	// 只有 run 协程写入；其他协程读取需持 mu。
	mu       sync.RWMutex
	sessions map[string]*Session

	typing  map[string]*typingEntry // run 协程独占
	gen     uint64
	idleGen uint64 // 每次会话清空时递增

	// publishLoop 独占
	lastSeq int64
	loaded  bool

	recent *recentBuffer
	online atomic.Int32

	register   chan joinReq
	unregister chan string
	typingCh   chan typingReq
	expire     chan typingExpiry
	broadcast  chan []byte
	direct     chan unicast
	toUser     chan userFrame
	publishes  chan publishReq
	stop       chan stopReq
	done       chan struct{}
}

// NewHub 创建一个不挂在 Registry 下的独立 Hub 并启动其协程。
func NewHub(channelID string, messages store.MessageStore, opts Options) *Hub {
	return newHub(channelID, messages, opts, nil)
}

func newHub(channelID string, messages store.MessageStore, opts Options, reg *Registry) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		channelID:  channelID,
		opts:       opts,
		store:      messages,
		reg:        reg,
		log:        clog.Component("hub").With().Str("channel_id", channelID).Logger(),
		sessions:   make(map[string]*Session),
		typing:     make(map[string]*typingEntry),
		recent:     newRecentBuffer(opts.RecentBufferSize),
		register:   make(chan joinReq),
		unregister: make(chan string, 16),
		typingCh:   make(chan typingReq, 64),
		expire:     make(chan typingExpiry, 16),
		broadcast:  make(chan []byte, 256),
		direct:     make(chan unicast, 64),
		toUser:     make(chan userFrame, 64),
		publishes:  make(chan publishReq),
		stop:       make(chan stopReq),
		done:       make(chan struct{}),
	}
	go h.run()
	go h.publishLoop()
	return h
}

func (h *Hub) ChannelID() string { return h.channelID }

// Online 返回频道在线会话数量，供 REST 接口复用。
func (h *Hub) Online() int { return int(h.online.Load()) }

// Join 注册会话；超过会话上限时返回 ErrChannelFull。
func (h *Hub) Join(s *Session) error {
	req := joinReq{s: s, reply: make(chan error, 1)}
	select {
	case h.register <- req:
	case <-h.done:
		return ErrHubClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-h.done:
		return ErrHubClosed
	}
}

// Leave 幂等地移除会话。
func (h *Hub) Leave(sessionID string) {
	select {
	case h.unregister <- sessionID:
	case <-h.done:
	}
}

// SetTyping 更新输入状态，只有状态变化时才广播增量。
func (h *Hub) SetTyping(sessionID string, typing bool) {
	select {
	case h.typingCh <- typingReq{sessionID: sessionID, typing: typing}:
	case <-h.done:
	}
}

// SendTo 向单个会话下发一帧，会话不存在时静默丢弃。
func (h *Hub) SendTo(sessionID string, frame []byte) {
	select {
	case h.direct <- unicast{sessionID: sessionID, frame: frame}:
	case <-h.done:
	}
}

// pushToUser 把帧投递给该用户在本频道的所有会话，Hub 已停止时返回 false。
func (h *Hub) pushToUser(userID string, frame []byte) bool {
	select {
	case h.toUser <- userFrame{userID: userID, frame: frame}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) member(sessionID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionID]
}

// sender 校验会话仍在频道内且有发言权限。
func (h *Hub) sender(sessionID string) (*Session, error) {
	s := h.member(sessionID)
	if s == nil {
		return nil, fmt.Errorf("%w: session not in channel", ErrUnauthorized)
	}
	if s.Guest && !h.opts.AllowGuests {
		return nil, fmt.Errorf("%w: guests are read-only", ErrUnauthorized)
	}
	return s, nil
}

func (h *Hub) validContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > h.opts.MaxMessageLength {
		return "", ErrContentTooLong
	}
	return content, nil
}

// Publish 校验并提交一条消息。接受顺序即广播顺序，频道内没有在线会话时同样成功。
func (h *Hub) Publish(ctx context.Context, sessionID, content, parentID string) (models.ChatMessage, error) {
	s, err := h.sender(sessionID)
	if err != nil {
		metrics.RejectedMessagesTotal.WithLabelValues("unauthorized").Inc()
		return models.ChatMessage{}, err
	}
	content, err = h.validContent(content)
	if err != nil {
		metrics.RejectedMessagesTotal.WithLabelValues("validation").Inc()
		return models.ChatMessage{}, err
	}
	return h.submit(ctx, publishReq{kind: opPublish, authorID: s.UserID, content: content, parentID: strings.TrimSpace(parentID)})
}

// EditMessage 只允许作者修改自己未删除的消息。
func (h *Hub) EditMessage(ctx context.Context, sessionID, messageID, content string) (models.ChatMessage, error) {
	s, err := h.sender(sessionID)
	if err != nil {
		return models.ChatMessage{}, err
	}
	content, err = h.validContent(content)
	if err != nil {
		return models.ChatMessage{}, err
	}
	return h.submit(ctx, publishReq{kind: opEdit, authorID: s.UserID, content: content, messageID: messageID})
}

// DeleteMessage 软删除，消息行永远不会被物理移除。
func (h *Hub) DeleteMessage(ctx context.Context, sessionID, messageID string) (models.ChatMessage, error) {
	s, err := h.sender(sessionID)
	if err != nil {
		return models.ChatMessage{}, err
	}
	return h.submit(ctx, publishReq{kind: opDelete, authorID: s.UserID, messageID: messageID})
}

func (h *Hub) submit(ctx context.Context, req publishReq) (models.ChatMessage, error) {
	req.ctx = ctx
	req.reply = make(chan publishResult, 1)
	select {
	case h.publishes <- req:
	case <-ctx.Done():
		return models.ChatMessage{}, ctx.Err()
	case <-h.done:
		return models.ChatMessage{}, ErrHubClosed
	}
	// publishLoop 收到请求后一定会回复
	res := <-req.reply
	return res.msg, res.err
}

// RecentMessages 按序号倒序返回最近 limit 条未删除消息，优先走内存缓冲。
func (h *Hub) RecentMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	if msgs, ok := h.recent.newest(limit); ok {
		return msgs, nil
	}
	msgs, err := h.store.Recent(ctx, h.channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}
	return msgs, nil
}

// Close 强制停止 Hub 并关闭所有会话。
func (h *Hub) Close() { h.stopHub(stopReq{force: true}) }

// stopHub 请求 run 协程退出；非强制时只有在没有会话的情况下才会成功。
func (h *Hub) stopHub(req stopReq) bool {
	req.reply = make(chan bool, 1)
	select {
	case h.stop <- req:
	case <-h.done:
		return true
	}
	return <-req.reply
}

func (h *Hub) run() {
	for {
		select {
		case req := <-h.register:
			h.handleJoin(req)
		case id := <-h.unregister:
			if s := h.sessions[id]; s != nil {
				h.removeSession(s)
			}
		case req := <-h.typingCh:
			h.handleTyping(req)
		case e := <-h.expire:
			h.handleExpiry(e)
		case frame := <-h.broadcast:
			for _, s := range h.sessions {
				h.deliver(s, frame)
			}
		case u := <-h.direct:
			if s := h.sessions[u.sessionID]; s != nil {
				h.deliver(s, u.frame)
			}
		case u := <-h.toUser:
			for _, s := range h.sessions {
				if s.UserID == u.userID {
					h.deliver(s, u.frame)
				}
			}
		case req := <-h.stop:
			if !req.force && (len(h.sessions) > 0 || req.idle != h.idleGen) {
				req.reply <- false
				continue
			}
			h.shutdown()
			req.reply <- true
			return
		}
	}
}

func (h *Hub) handleJoin(req joinReq) {
	s := req.s
	if h.opts.MaxSessions > 0 && len(h.sessions) >= h.opts.MaxSessions {
		req.reply <- ErrChannelFull
		return
	}
	s.hub = h
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(h.opts.RatePerSec), h.opts.RateBurst)
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	h.online.Store(int32(len(h.sessions)))
	metrics.WsConnections.Inc()
	if h.reg != nil {
		h.reg.trackUser(s.UserID, h, 1)
	}

	h.deliver(s, encode(welcomeFrame{Type: TypeWelcome, SessionID: s.ID, ChannelID: h.channelID, UserID: s.UserID}))
	// 新会话需要看到已经在输入的人
	if len(h.typing) > 0 {
		summary := AggregateTyping(h.typingStates())
		for userID := range h.typing {
			h.deliver(s, encode(typingFrame{Type: TypeUserTyping, UserID: userID, Typing: true, Count: summary.Count, Label: summary.Label}))
		}
	}
	h.log.Debug().Str("session_id", s.ID).Str("user_id", s.UserID).Int("online", len(h.sessions)).Msg("join")
	req.reply <- nil
}

func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	close(s.send)
	h.online.Store(int32(len(h.sessions)))
	metrics.WsConnections.Dec()
	if h.reg != nil {
		h.reg.trackUser(s.UserID, h, -1)
	}
	if e := h.typing[s.UserID]; e != nil && e.sessionID == s.ID {
		e.timer.Stop()
		delete(h.typing, s.UserID)
		h.broadcastTyping(s.UserID, false, s.ID)
	}
	h.log.Debug().Str("session_id", s.ID).Int("online", len(h.sessions)).Msg("leave")
	if len(h.sessions) == 0 && h.reg != nil {
		h.idleGen++
		h.reg.scheduleEvict(h, h.idleGen)
	}
}

// deliver 非阻塞写入；发送缓冲已满的会话视为失联并直接移除，不做重试。
func (h *Hub) deliver(s *Session, frame []byte) {
	select {
	case s.send <- frame:
	default:
		metrics.DroppedSessionsTotal.Inc()
		h.log.Warn().Str("session_id", s.ID).Msg("send buffer full, dropping session")
		h.removeSession(s)
	}
}

func (h *Hub) handleTyping(req typingReq) {
	s := h.sessions[req.sessionID]
	if s == nil || (s.Guest && !h.opts.AllowGuests) {
		return
	}
	e := h.typing[s.UserID]
	if !req.typing {
		if e == nil {
			return
		}
		e.timer.Stop()
		delete(h.typing, s.UserID)
		h.broadcastTyping(s.UserID, false, s.ID)
		return
	}
	h.gen++
	if e != nil {
		// 仍在输入：只续期，不广播
		e.timer.Stop()
		e.sessionID = s.ID
		e.gen = h.gen
		e.timer = h.armTyping(s.UserID, h.gen)
		return
	}
	h.typing[s.UserID] = &typingEntry{sessionID: s.ID, startedAt: time.Now(), gen: h.gen, timer: h.armTyping(s.UserID, h.gen)}
	h.broadcastTyping(s.UserID, true, s.ID)
}

// armTyping 到期后把过期事件投回 run 协程；gen 不匹配说明期间已续期或清除。
func (h *Hub) armTyping(userID string, gen uint64) *time.Timer {
	return time.AfterFunc(h.opts.TypingTimeout, func() {
		select {
		case h.expire <- typingExpiry{userID: userID, gen: gen}:
		case <-h.done:
		}
	})
}

func (h *Hub) handleExpiry(e typingExpiry) {
	entry := h.typing[e.userID]
	if entry == nil || entry.gen != e.gen {
		return
	}
	delete(h.typing, e.userID)
	h.broadcastTyping(e.userID, false, entry.sessionID)
}

func (h *Hub) typingStates() []TypingState {
	out := make([]TypingState, 0, len(h.typing))
	for userID, e := range h.typing {
		out = append(out, TypingState{ChannelID: h.channelID, UserID: userID, StartedAt: e.startedAt})
	}
	return out
}

// broadcastTyping 只发增量，不发完整列表；发起输入的会话自己不会收到。
func (h *Hub) broadcastTyping(userID string, typing bool, except string) {
	metrics.TypingEventsTotal.Inc()
	summary := AggregateTyping(h.typingStates())
	frame := encode(typingFrame{Type: TypeUserTyping, UserID: userID, Typing: typing, Count: summary.Count, Label: summary.Label})
	for id, s := range h.sessions {
		if id == except {
			continue
		}
		h.deliver(s, frame)
	}
}

func (h *Hub) shutdown() {
	for _, e := range h.typing {
		e.timer.Stop()
	}
	h.typing = make(map[string]*typingEntry)
	h.mu.Lock()
	for id, s := range h.sessions {
		delete(h.sessions, id)
		close(s.send)
		metrics.WsConnections.Dec()
		if h.reg != nil {
			h.reg.trackUser(s.UserID, h, -1)
		}
	}
	h.mu.Unlock()
	h.online.Store(0)
	close(h.done)
}

func (h *Hub) publishLoop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := h.ensureLoaded(ctx); err != nil {
		h.log.Warn().Err(err).Msg("warm channel state")
	}
	cancel()
	for {
		select {
		case <-h.done:
			return
		case req := <-h.publishes:
			req.reply <- h.apply(req)
		}
	}
}

// ensureLoaded 从存储恢复最后序号并预热最近消息缓冲，失败时下次写入前重试。
func (h *Hub) ensureLoaded(ctx context.Context) error {
	if h.loaded {
		return nil
	}
	seq, err := h.store.LastSeq(ctx, h.channelID)
	if err != nil {
		return err
	}
	msgs, err := h.store.Recent(ctx, h.channelID, h.opts.RecentBufferSize)
	if err != nil {
		return err
	}
	h.recent.reset(msgs, len(msgs) >= h.opts.RecentBufferSize)
	h.lastSeq = seq
	h.loaded = true
	return nil
}

func (h *Hub) apply(req publishReq) publishResult {
	if err := req.ctx.Err(); err != nil {
		return publishResult{err: err}
	}
	if err := h.ensureLoaded(req.ctx); err != nil {
		return publishResult{err: fmt.Errorf("load channel state: %w", err)}
	}
	if req.kind == opPublish {
		return h.applyPublish(req)
	}
	return h.applyMutation(req)
}

func (h *Hub) lookup(ctx context.Context, id string) (models.ChatMessage, error) {
	if m, ok := h.recent.get(id); ok {
		return m, nil
	}
	m, err := h.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return m, ErrUnknownMessage
	}
	return m, err
}

func (h *Hub) applyPublish(req publishReq) publishResult {
	msg := models.ChatMessage{
		ID:        uuid.NewString(),
		ChannelID: h.channelID,
		Seq:       h.lastSeq + 1,
		AuthorID:  req.authorID,
		Content:   req.content,
		CreatedAt: time.Now().UTC(),
	}
	if req.parentID != "" {
		parent, err := h.lookup(req.ctx, req.parentID)
		if err != nil && !errors.Is(err, ErrUnknownMessage) {
			return publishResult{err: err}
		}
		if err != nil || parent.ChannelID != h.channelID || parent.Deleted {
			return publishResult{err: ErrInvalidParent}
		}
		pid := req.parentID
		msg.ParentID = &pid
	}
	if err := h.store.Append(req.ctx, &msg); err != nil {
		if errors.Is(err, store.ErrSeqConflict) {
			// 其他进程写过该频道，下一次写入前重新加载序号
			h.loaded = false
		}
		h.log.Error().Err(err).Int64("seq", msg.Seq).Msg("persist message")
		return publishResult{err: fmt.Errorf("persist message: %w", err)}
	}
	h.lastSeq = msg.Seq
	h.recent.push(msg)
	metrics.WsMessagesTotal.Inc()
	h.emit(encode(messageFrame{Type: TypeNewMessage, Message: msg}))
	return publishResult{msg: msg}
}

func (h *Hub) applyMutation(req publishReq) publishResult {
	m, err := h.lookup(req.ctx, req.messageID)
	if err != nil {
		return publishResult{err: err}
	}
	if m.ChannelID != h.channelID || m.Deleted {
		return publishResult{err: ErrUnknownMessage}
	}
	if m.AuthorID != req.authorID {
		return publishResult{err: fmt.Errorf("%w: only the author may change a message", ErrUnauthorized)}
	}
	now := time.Now().UTC()
	if req.kind == opEdit {
		m.Content = req.content
		m.EditedAt = &now
	} else {
		m.Deleted = true
	}
	if err := h.store.Update(req.ctx, &m); err != nil {
		return publishResult{err: fmt.Errorf("update message: %w", err)}
	}
	h.recent.replace(m)
	h.emit(encode(messageFrame{Type: TypeMessageUpdated, Message: m}))
	return publishResult{msg: m}
}

// emit 把帧交给 run 协程广播；publishLoop 按接受顺序调用，从而保证频道内 FIFO。
func (h *Hub) emit(frame []byte) {
	select {
	case h.broadcast <- frame:
	case <-h.done:
	}
}
