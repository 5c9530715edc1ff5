package changefeed

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/models"
	"github.com/camerpulse/camerpulse-sub041/internal/store"
	"gorm.io/gorm"
)

// GormPollOwners 从 polls 表读取发起人。
type GormPollOwners struct {
	db *gorm.DB
}

func NewGormPollOwners(db *gorm.DB) *GormPollOwners { return &GormPollOwners{db: db} }

func (p *GormPollOwners) PollOwner(ctx context.Context, pollID string) (string, error) {
	var poll models.Poll
	err := p.db.WithContext(ctx).Select("id", "creator_id").Where("id = ?", pollID).First(&poll).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", store.ErrNotFound
	}
	return poll.CreatorID, err
}

// PollOwnersFor 有数据库连接时从 polls 表查询，与变更源使用哪种驱动无关；
// 没有连接时退回空的内存表。
func PollOwnersFor(db *gorm.DB) PollOwnerLookup {
	if db != nil {
		return NewGormPollOwners(db)
	}
	return NewStaticPollOwners(nil)
}

// StaticPollOwners 是内存版查询表，用于测试与无数据库的开发环境。
type StaticPollOwners struct {
	mu     sync.RWMutex
	owners map[string]string
}

func NewStaticPollOwners(owners map[string]string) *StaticPollOwners {
	m := make(map[string]string, len(owners))
	for k, v := range owners {
		m[k] = v
	}
	return &StaticPollOwners{owners: m}
}

func (p *StaticPollOwners) Set(pollID, ownerID string) {
	p.mu.Lock()
	p.owners[pollID] = ownerID
	p.mu.Unlock()
}

func (p *StaticPollOwners) PollOwner(_ context.Context, pollID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	owner, ok := p.owners[pollID]
	if !ok {
		return "", store.ErrNotFound
	}
	return owner, nil
}

// reconcileColumns 记录每张表补读时按哪一列筛选。只有 created 列的表，补读行一律视为 INSERT；
// 同时有 updated_at 的表，created_at 落在补读窗口内的行视为 INSERT，其余视为 UPDATE，
// 这样补读行与实时通知使用相同的去重键。
var reconcileColumns = map[string]struct {
	column    string
	updatable bool
}{
	TableDirectMessages:   {"created_at", false},
	TableCivicAlerts:      {"updated_at", true},
	TablePollResponses:    {"created_at", false},
	TableSubscriptions:    {"updated_at", true},
	TableModerationAlerts: {"created_at", false},
	TableChatMessages:     {"created_at", false},
}

// GormReconciler 直接查询源表，补出断线期间可能漏掉的行。
// 单次最多读取 Limit 行。
type GormReconciler struct {
	db    *gorm.DB
	Limit int
}

func NewGormReconciler(db *gorm.DB) *GormReconciler { return &GormReconciler{db: db, Limit: 500} }

func (r *GormReconciler) Since(ctx context.Context, table string, since time.Time) ([]Change, error) {
	rc, ok := reconcileColumns[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	limit := r.Limit
	if limit <= 0 {
		limit = 500
	}
	created := "TRUE"
	if rc.updatable {
		created = "t.created_at >= @since"
	}
	// 表名与列名只来自上面的白名单。
	q := fmt.Sprintf(`SELECT row_to_json(t)::text AS row, (%s) AS created FROM %s t WHERE t.%s >= @since ORDER BY t.%s LIMIT @limit`,
		created, table, rc.column, rc.column)
	var rows []struct {
		Row     string
		Created bool
	}
	if err := r.db.WithContext(ctx).Raw(q, sql.Named("since", since), sql.Named("limit", limit)).Scan(&rows).Error; err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Change, 0, len(rows))
	for _, row := range rows {
		ev := Update
		if row.Created {
			ev = Insert
		}
		out = append(out, Change{
			Event:      ev,
			Schema:     "public",
			Table:      table,
			NewRow:     json.RawMessage(row.Row),
			OccurredAt: now,
			Replayed:   true,
		})
	}
	return out, nil
}

// NotificationHistory 用收件箱回答“某用户因某行最近收到过什么通知”。
type NotificationHistory struct {
	notifications store.NotificationStore
}

func NewNotificationHistory(notifications store.NotificationStore) *NotificationHistory {
	return &NotificationHistory{notifications: notifications}
}

func (h *NotificationHistory) LastNotified(ctx context.Context, userID, table, rowID string) (Notified, bool, error) {
	n, err := h.notifications.LatestFromSource(ctx, userID, table, rowID)
	if errors.Is(err, store.ErrNotFound) {
		return Notified{}, false, nil
	}
	if err != nil {
		return Notified{}, false, err
	}
	out := Notified{At: n.CreatedAt}
	if len(n.Data) > 0 {
		var data struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(n.Data, &data); err == nil {
			out.Status = data.Status
		}
	}
	return out, true, nil
}
