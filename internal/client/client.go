// Package client 实现频道聊天的自动重连客户端。
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/backoff"
	"github.com/camerpulse/camerpulse-sub041/internal/chat"
	clog "github.com/camerpulse/camerpulse-sub041/internal/log"
	"github.com/camerpulse/camerpulse-sub041/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected 表示当前不在 Connected 状态，上层应提示“连接中…”。
	ErrNotConnected = errors.New("not connected")
	// ErrConnection 包装套接字层错误，会触发重连而不是直接暴露给用户。
	ErrConnection = errors.New("connection error")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Options 配置一个频道连接。URL 是服务端 /ws 端点的完整地址。
type Options struct {
	URL         string
	ChannelID   string
	ClientID    string
	Token       string
	Backoff     backoff.Strategy
	Dialer      *websocket.Dialer
	RecentLimit int
	EventBuffer int
	// PongWait 内收不到任何帧（包括服务端 ping）就认为连接已失效并重连，默认 60s。
	PongWait time.Duration
	// OnState 在每次状态变化时同步调用，不应阻塞。
	OnState func(State)
}

// Client 是 Disconnected -> Connecting -> Connected -> Disconnected 的状态机，
// 直到 Run 的 ctx 结束前一直尝试恢复连接。
type Client struct {
	opts   Options
	log    zerolog.Logger
	events chan chat.Frame

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	self   string
	typers map[string]chat.TypingState

	wmu sync.Mutex // gorilla 只允许一个并发写者
}

func New(opts Options) *Client {
	if opts.Backoff == nil {
		opts.Backoff = backoff.Fixed{Delay: 3 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	return &Client{
		opts:   opts,
		log:    clog.Component("client").With().Str("channel_id", opts.ChannelID).Logger(),
		events: make(chan chat.Frame, opts.EventBuffer),
		typers: make(map[string]chat.TypingState),
	}
}

// Events 返回服务端下发帧的只读通道；消费过慢时新帧会被丢弃。
func (c *Client) Events() <-chan chat.Frame { return c.events }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Typing 汇总除自己以外正在输入的用户。
func (c *Client) Typing() chat.TypingSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make([]chat.TypingState, 0, len(c.typers))
	for _, s := range c.typers {
		states = append(states, s)
	}
	return chat.AggregateTyping(states)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("channel_id", c.opts.ChannelID)
	q.Set("client_id", c.opts.ClientID)
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run 阻塞运行状态机，ctx 结束时关闭连接并停止所有计时器，之后不再有状态变化。
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return nil
		}
		c.setState(Connecting)
		conn, _, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			c.setState(Disconnected)
			if ctx.Err() != nil {
				return nil
			}
			delay := c.opts.Backoff.Next(attempt)
			attempt++
			c.log.Warn().Err(fmt.Errorf("%w: %v", ErrConnection, err)).Dur("retry_in", delay).Msg("dial")
			metrics.ClientReconnects.Inc()
			if !backoff.Sleep(ctx, delay) {
				return nil
			}
			continue
		}
		attempt = 0

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(Connected)
		c.log.Info().Msg("connected")
		if err := c.write(chat.Inbound{Type: chat.TypeGetRecent, Limit: c.opts.RecentLimit}); err != nil {
			c.log.Warn().Err(err).Msg("request backfill")
		}

		err = c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.typers = make(map[string]chat.TypingState)
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return nil
		}
		delay := c.opts.Backoff.Next(attempt)
		attempt++
		c.log.Warn().Err(fmt.Errorf("%w: %v", ErrConnection, err)).Dur("retry_in", delay).Msg("disconnected")
		metrics.ClientReconnects.Inc()
		if !backoff.Sleep(ctx, delay) {
			return nil
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		var f chat.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		c.observe(f)
		select {
		case c.events <- f:
		default:
			c.log.Debug().Str("type", f.Type).Msg("event buffer full, dropping frame")
		}
	}
}

func (c *Client) observe(f chat.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch f.Type {
	case chat.TypeWelcome:
		c.self = f.UserID
	case chat.TypeUserTyping:
		if f.UserID == c.self {
			return
		}
		if f.Typing {
			c.typers[f.UserID] = chat.TypingState{ChannelID: c.opts.ChannelID, UserID: f.UserID, StartedAt: time.Now()}
		} else {
			delete(c.typers, f.UserID)
		}
	}
}

func (c *Client) write(in chat.Inbound) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != Connected {
		return ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(in); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// SendMessage 在未连接时返回 ErrNotConnected，不会排队等待重连。
func (c *Client) SendMessage(content string) error {
	return c.write(chat.Inbound{Type: chat.TypeChatMessage, Content: content})
}

// Reply 发送一条引用 parentID 的回复。
func (c *Client) Reply(parentID, content string) error {
	return c.write(chat.Inbound{Type: chat.TypeChatMessage, Content: content, ParentID: parentID})
}

func (c *Client) StartTyping() error {
	return c.write(chat.Inbound{Type: chat.TypeTypingStart})
}

func (c *Client) StopTyping() error {
	return c.write(chat.Inbound{Type: chat.TypeTypingStop})
}

// RequestRecent 主动重新拉取最近消息。
func (c *Client) RequestRecent(limit int) error {
	return c.write(chat.Inbound{Type: chat.TypeGetRecent, Limit: limit})
}
