// Package notify 把候选事件去重、落库，并推送给用户的在线会话。
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/chat"
	"github.com/camerpulse/camerpulse-sub041/internal/config"
	clog "github.com/camerpulse/camerpulse-sub041/internal/log"
	"github.com/camerpulse/camerpulse-sub041/internal/metrics"
	"github.com/camerpulse/camerpulse-sub041/internal/models"
	"github.com/camerpulse/camerpulse-sub041/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

// Pusher 把已编码的帧投递给用户的所有在线会话，返回送达的频道数。
type Pusher interface {
	PushToUser(userID string, frame []byte) int
}

// Inbox 是对其他子系统和 HTTP 层暴露的收件箱接口。
type Inbox interface {
	List(ctx context.Context, userID string, opts store.ListOptions) ([]models.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, id, userID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Send(ctx context.Context, c Candidate) (models.Notification, error)
}

type Options struct {
	DedupWindow     time.Duration
	SurfaceDuration time.Duration
	Shards          int
	InboxMaxPerUser int
	Retention       time.Duration
	SweepInterval   time.Duration
	// Now 为空时使用 time.Now。
	Now func() time.Time
}

func OptionsFromConfig(c config.NotifyConfig) Options {
	return Options{
		DedupWindow:     c.DedupWindow.Duration,
		SurfaceDuration: c.SurfaceDuration.Duration,
		Shards:          c.Shards,
		InboxMaxPerUser: c.InboxMaxPerUser,
		Retention:       c.InboxRetention.Duration,
		SweepInterval:   c.SweepInterval.Duration,
	}
}

func (o Options) withDefaults() Options {
	if o.DedupWindow <= 0 {
		o.DedupWindow = 10 * time.Minute
	}
	if o.SurfaceDuration <= 0 {
		o.SurfaceDuration = 5 * time.Second
	}
	if o.Shards <= 0 {
		o.Shards = 16
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type result struct {
	n   models.Notification
	err error
}

type job struct {
	ctx   context.Context
	c     Candidate
	reply chan result
}

// shard 串行处理落在它上面的用户，seen 只由自己的 worker 访问。
type shard struct {
	jobs chan job
	seen map[string]time.Time
}

// Dispatcher 按用户哈希分片：同一用户的通知严格串行，不同用户并行处理。
type Dispatcher struct {
	opts   Options
	store  store.NotificationStore
	pusher Pusher
	log    zerolog.Logger
	now    func() time.Time

	shards []*shard
	wg     sync.WaitGroup
	once   sync.Once
	closed chan struct{}
}

// NewDispatcher 创建并启动分片 worker。pusher 可以为 nil，此时只落库不推送。
func NewDispatcher(notifications store.NotificationStore, pusher Pusher, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		opts:   opts,
		store:  notifications,
		pusher: pusher,
		log:    clog.Component("dispatcher"),
		now:    opts.Now,
		shards: make([]*shard, opts.Shards),
		closed: make(chan struct{}),
	}
	for i := range d.shards {
		s := &shard{jobs: make(chan job, 64), seen: make(map[string]time.Time)}
		d.shards[i] = s
		d.wg.Add(1)
		go d.work(s)
	}
	return d
}

func (d *Dispatcher) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

// Dispatch 去重、落库，再推送到用户在线会话。落在去重窗口内时返回 ErrDuplicateSuppressed。
func (d *Dispatcher) Dispatch(ctx context.Context, c Candidate) (models.Notification, error) {
	if err := c.validate(); err != nil {
		return models.Notification{}, err
	}
	j := job{ctx: ctx, c: c, reply: make(chan result, 1)}
	s := d.shardFor(c.UserID)
	select {
	case s.jobs <- j:
	case <-d.closed:
		return models.Notification{}, ErrDispatcherClosed
	case <-ctx.Done():
		return models.Notification{}, ctx.Err()
	}
	select {
	case r := <-j.reply:
		return r.n, r.err
	case <-d.closed:
		return models.Notification{}, ErrDispatcherClosed
	case <-ctx.Done():
		return models.Notification{}, ctx.Err()
	}
}

func (d *Dispatcher) work(s *shard) {
	defer d.wg.Done()
	prune := time.NewTicker(d.opts.DedupWindow)
	defer prune.Stop()
	for {
		select {
		case j := <-s.jobs:
			n, err := d.process(s, j.ctx, j.c)
			j.reply <- result{n: n, err: err}
		case <-prune.C:
			cutoff := d.now().Add(-d.opts.DedupWindow)
			for k, t := range s.seen {
				if t.Before(cutoff) {
					delete(s.seen, k)
				}
			}
		case <-d.closed:
			return
		}
	}
}

func (d *Dispatcher) process(s *shard, ctx context.Context, c Candidate) (models.Notification, error) {
	now := d.now()
	key := c.DedupKey()
	if key != "" {
		if t, ok := s.seen[key]; ok && now.Sub(t) < d.opts.DedupWindow {
			metrics.NotificationsSuppressed.Inc()
			return models.Notification{}, ErrDuplicateSuppressed
		}
		exists, err := d.store.ExistsSince(ctx, key, now.Add(-d.opts.DedupWindow))
		if err != nil {
			return models.Notification{}, fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
		}
		if exists {
			s.seen[key] = now
			metrics.NotificationsSuppressed.Inc()
			return models.Notification{}, ErrDuplicateSuppressed
		}
	}

	n := models.Notification{
		ID:          uuid.NewString(),
		UserID:      c.UserID,
		Type:        c.Type,
		Title:       c.Title,
		Message:     c.Message,
		Priority:    c.Priority,
		DedupKey:    key,
		SourceTable: c.SourceTable,
		SourceRowID: c.SourceRowID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if n.Type == "" {
		n.Type = "system"
	}
	if c.ActionRef != "" {
		ref := c.ActionRef
		n.ActionRef = &ref
	}
	if len(c.Data) > 0 {
		b, err := json.Marshal(c.Data)
		if err != nil {
			return models.Notification{}, fmt.Errorf("%w: data: %v", ErrValidation, err)
		}
		n.Data = datatypes.JSON(b)
	}
	if err := d.store.Insert(ctx, &n); err != nil {
		return models.Notification{}, fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
	}
	if key != "" {
		s.seen[key] = now
	}
	metrics.NotificationsDispatched.WithLabelValues(string(n.Priority)).Inc()

	if d.opts.InboxMaxPerUser > 0 {
		if removed, err := d.store.Trim(ctx, c.UserID, d.opts.InboxMaxPerUser); err != nil {
			d.log.Warn().Err(err).Str("user_id", c.UserID).Msg("trim inbox")
		} else if removed > 0 {
			d.log.Debug().Str("user_id", c.UserID).Int64("removed", removed).Msg("trimmed inbox")
		}
	}

	d.push(n)
	return n, nil
}

// push 只对 high/urgent 附带弹出提示；离线用户直接跳过，通知已在收件箱中。
func (d *Dispatcher) push(n models.Notification) {
	if d.pusher == nil {
		return
	}
	var surface time.Duration
	if n.Priority.Surfaces() {
		surface = d.opts.SurfaceDuration
	}
	if delivered := d.pusher.PushToUser(n.UserID, chat.EncodeNotification(n, surface)); delivered > 0 {
		metrics.NotificationPushes.Add(float64(delivered))
	}
}

// Send 供其他子系统直接投递通知，例如支付回调。
func (d *Dispatcher) Send(ctx context.Context, c Candidate) (models.Notification, error) {
	if c.OccurredAt.IsZero() {
		c.OccurredAt = d.now()
	}
	return d.Dispatch(ctx, c)
}

func (d *Dispatcher) List(ctx context.Context, userID string, opts store.ListOptions) ([]models.Notification, error) {
	return d.store.List(ctx, userID, opts)
}

func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return d.store.UnreadCount(ctx, userID)
}

// MarkRead 幂等；通知不存在或不属于该用户时返回 ErrNotFoundOrForbidden。
func (d *Dispatcher) MarkRead(ctx context.Context, id, userID string) error {
	err := d.store.MarkRead(ctx, id, userID, d.now())
	if err == nil || errors.Is(err, ErrNotFoundOrForbidden) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
}

func (d *Dispatcher) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := d.store.MarkAllRead(ctx, userID, d.now())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
	}
	return n, nil
}

// Sweep 删除超过保留期的通知。Retention 为 0 时不做任何事。
func (d *Dispatcher) Sweep(ctx context.Context) (int64, error) {
	if d.opts.Retention <= 0 {
		return 0, nil
	}
	return d.store.DeleteOlderThan(ctx, d.now().Add(-d.opts.Retention))
}

// RunSweeper 按 SweepInterval 周期清理，直到 ctx 结束。
func (d *Dispatcher) RunSweeper(ctx context.Context) {
	t := time.NewTicker(d.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n, err := d.Sweep(ctx)
			if err != nil {
				d.log.Warn().Err(err).Msg("retention sweep")
				continue
			}
			if n > 0 {
				d.log.Info().Int64("removed", n).Msg("retention sweep")
			}
		case <-ctx.Done():
			return
		case <-d.closed:
			return
		}
	}
}

// Close 停止所有分片 worker，之后的 Dispatch 返回 ErrDispatcherClosed。
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.closed)
		d.wg.Wait()
	})
}
