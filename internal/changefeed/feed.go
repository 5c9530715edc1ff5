// Package changefeed 订阅业务表的行变更，把它们分类成通知候选并交给分发器。
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type Event string

const (
	Insert Event = "INSERT"
	Update Event = "UPDATE"
	Delete Event = "DELETE"
)

// Change 是一条行变更记录，NewRow/OldRow 保持原始 JSON，由 rows.go 按表解码。
// Ref 只在行过大、负载只携带主键时出现。Replayed 标记断线后补读出的行，
// 这类行没有 OldRow，也不一定对应一次新的变更。
type Change struct {
	Event      Event           `json:"op"`
	Schema     string          `json:"schema"`
	Table      string          `json:"table"`
	NewRow     json.RawMessage `json:"new,omitempty"`
	OldRow     json.RawMessage `json:"old,omitempty"`
	Ref        string          `json:"id,omitempty"`
	OccurredAt time.Time       `json:"at"`
	Replayed   bool            `json:"-"`
}

// Filter 为空时匹配所有变更。Eq 比较 NewRow 顶层字段的字符串形式。
type Filter struct {
	Events []Event
	Eq     map[string]string
}

func (f Filter) Match(c Change) bool {
	if len(f.Events) > 0 {
		ok := false
		for _, e := range f.Events {
			if e == c.Event {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Eq) == 0 {
		return true
	}
	var row map[string]any
	if err := json.Unmarshal(c.NewRow, &row); err != nil {
		return false
	}
	for k, want := range f.Eq {
		v, ok := row[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// Handler 在订阅的投递协程中被调用，必须尽快返回。
type Handler func(Change)

// Subscription 在被取消或底层连接丢失时关闭 Done；丢失原因由 Err 返回。
type Subscription interface {
	Unsubscribe()
	Done() <-chan struct{}
	Err() error
}

type Feed interface {
	Subscribe(ctx context.Context, table string, filter Filter, h Handler) (Subscription, error)
}

type subscription struct {
	once   sync.Once
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newSubscription(cancel context.CancelFunc) *subscription {
	return &subscription{done: make(chan struct{}), cancel: cancel}
}

func (s *subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	})
}

func (s *subscription) Unsubscribe()          { s.finish(nil) }
func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
