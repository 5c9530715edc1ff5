package changefeed

import (
	"context"
	"sync"
	"time"
)

type memSub struct {
	*subscription
	filter Filter
	h      Handler
}

// MemoryFeed 是进程内的变更源：测试直接 Emit，开发环境由 MessageMirror 写入。
type MemoryFeed struct {
	mu   sync.Mutex
	subs map[string]map[*memSub]struct{}
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string]map[*memSub]struct{})}
}

func (f *MemoryFeed) Subscribe(ctx context.Context, table string, filter Filter, h Handler) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &memSub{subscription: newSubscription(cancel), filter: filter, h: h}
	f.mu.Lock()
	if f.subs[table] == nil {
		f.subs[table] = make(map[*memSub]struct{})
	}
	f.subs[table][s] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.finish(nil)
		f.remove(table, s)
	}()
	return s, nil
}

func (f *MemoryFeed) remove(table string, s *memSub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[table], s)
}

// Emit 同步调用所有匹配订阅的 Handler。
func (f *MemoryFeed) Emit(c Change) {
	if c.OccurredAt.IsZero() {
		c.OccurredAt = time.Now()
	}
	f.mu.Lock()
	targets := make([]*memSub, 0, len(f.subs[c.Table]))
	for s := range f.subs[c.Table] {
		targets = append(targets, s)
	}
	f.mu.Unlock()
	for _, s := range targets {
		select {
		case <-s.done:
			continue
		default:
		}
		if s.filter.Match(c) {
			s.h(c)
		}
	}
}

// Disconnect 模拟连接丢失：结束该表的所有订阅并以 err 作为原因。
func (f *MemoryFeed) Disconnect(table string, err error) {
	f.mu.Lock()
	targets := f.subs[table]
	delete(f.subs, table)
	f.mu.Unlock()
	for s := range targets {
		s.finish(err)
	}
}

func (f *MemoryFeed) Subscribers(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[table])
}
