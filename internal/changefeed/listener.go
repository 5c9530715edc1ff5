package changefeed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/backoff"
	clog "github.com/camerpulse/camerpulse-sub041/internal/log"
	"github.com/camerpulse/camerpulse-sub041/internal/metrics"
	"github.com/camerpulse/camerpulse-sub041/internal/models"
	"github.com/camerpulse/camerpulse-sub041/internal/notify"
	"github.com/rs/zerolog"
)

// Sink 接收分类后的通知候选，通常是 notify.Dispatcher。
type Sink interface {
	Dispatch(ctx context.Context, c notify.Candidate) (models.Notification, error)
}

// Reconciler 在订阅恢复后补读断线期间的变更。
type Reconciler interface {
	Since(ctx context.Context, table string, since time.Time) ([]Change, error)
}

type ListenerOptions struct {
	Tables     []string
	Backoff    backoff.Strategy
	Reconciler Reconciler
	// History 让补读行避开已经通知过的内容，通常是 NewNotificationHistory(收件箱)。
	History History
	// ReconcileSlack 向前多读一段时间，弥补时钟误差；重复的变更由去重窗口吸收。
	ReconcileSlack time.Duration
}

// Listener 每张表维护一个订阅，断线后按退避重订阅并补读；
// 所有变更进入同一个无界队列，由单个消费者分类并交给 Sink。
type Listener struct {
	feed       Feed
	sink       Sink
	classifier Classifier
	opts       ListenerOptions
	q          *queue[Change]
	log        zerolog.Logger
}

func NewListener(feed Feed, sink Sink, polls PollOwnerLookup, opts ListenerOptions) *Listener {
	if len(opts.Tables) == 0 {
		opts.Tables = DefaultTables
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.Exponential{Initial: time.Second, Max: 30 * time.Second, Jitter: true}
	}
	if opts.ReconcileSlack <= 0 {
		opts.ReconcileSlack = 5 * time.Second
	}
	return &Listener{
		feed:       feed,
		sink:       sink,
		classifier: Classifier{Polls: polls, History: opts.History},
		opts:       opts,
		q:          newQueue[Change](),
		log:        clog.Component("changefeed"),
	}
}

// Run 阻塞直到 ctx 结束，期间保持所有表的订阅。
func (l *Listener) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.consume(ctx)
	}()
	for _, t := range l.opts.Tables {
		wg.Add(1)
		go func(table string) {
			defer wg.Done()
			l.watch(ctx, table)
		}(t)
	}
	wg.Wait()
}

func (l *Listener) enqueue(c Change) {
	metrics.FeedEventsTotal.WithLabelValues(c.Table).Inc()
	l.q.push(c)
	metrics.FeedQueueDepth.Set(float64(l.q.len()))
}

func (l *Listener) watch(ctx context.Context, table string) {
	log := l.log.With().Str("table", table).Logger()
	attempt := 0
	var lostAt time.Time
	for {
		sub, err := l.feed.Subscribe(ctx, table, Filter{}, l.enqueue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := l.opts.Backoff.Next(attempt)
			attempt++
			log.Warn().Err(err).Dur("retry_in", delay).Msg("subscribe")
			if !backoff.Sleep(ctx, delay) {
				return
			}
			continue
		}
		if !lostAt.IsZero() {
			metrics.FeedResubscribes.WithLabelValues(table).Inc()
			log.Info().Int("attempts", attempt).Msg("resubscribed")
			l.reconcile(ctx, table, lostAt)
		}
		attempt = 0

		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case <-sub.Done():
		}
		if ctx.Err() != nil {
			return
		}
		lostAt = time.Now()
		delay := l.opts.Backoff.Next(attempt)
		attempt++
		log.Warn().Err(sub.Err()).Dur("retry_in", delay).Msg("subscription lost")
		if !backoff.Sleep(ctx, delay) {
			return
		}
	}
}

func (l *Listener) reconcile(ctx context.Context, table string, lostAt time.Time) {
	if l.opts.Reconciler == nil {
		return
	}
	changes, err := l.opts.Reconciler.Since(ctx, table, lostAt.Add(-l.opts.ReconcileSlack))
	if err != nil {
		l.log.Warn().Err(err).Str("table", table).Msg("reconciliation read")
		return
	}
	for _, c := range changes {
		c.Replayed = true
		l.enqueue(c)
	}
	if len(changes) > 0 {
		l.log.Info().Str("table", table).Int("changes", len(changes)).Msg("reconciled missed changes")
	}
}

func (l *Listener) consume(ctx context.Context) {
	for {
		c, ok := l.q.pop(ctx)
		if !ok {
			return
		}
		metrics.FeedQueueDepth.Set(float64(l.q.len()))
		l.handle(ctx, c)
	}
}

func (l *Listener) handle(ctx context.Context, c Change) {
	cands, err := l.classifier.Classify(ctx, c)
	if err != nil {
		l.log.Warn().Err(err).Str("table", c.Table).Str("op", string(c.Event)).Msg("classify change")
		return
	}
	for _, cand := range cands {
		_, err := l.sink.Dispatch(ctx, cand)
		switch {
		case err == nil:
		case errors.Is(err, notify.ErrDuplicateSuppressed):
			l.log.Debug().Str("dedup_key", cand.DedupKey()).Msg("duplicate suppressed")
		default:
			l.log.Error().Err(err).Str("user_id", cand.UserID).Str("table", c.Table).Msg("dispatch notification")
		}
	}
}
