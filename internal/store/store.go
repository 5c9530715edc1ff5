package store

import (
	"context"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/models"
)

// MessageStore 持久化频道消息。Append 时 Seq 已由频道的唯一写者分配好。
type MessageStore interface {
	Append(ctx context.Context, msg *models.ChatMessage) error
	Update(ctx context.Context, msg *models.ChatMessage) error
	Get(ctx context.Context, id string) (models.ChatMessage, error)
	LastSeq(ctx context.Context, channelID string) (int64, error)
	// Recent 返回最新的 limit 条未删除消息，按 Seq 倒序。
	Recent(ctx context.Context, channelID string, limit int) ([]models.ChatMessage, error)
}

// ListOptions 控制收件箱分页。
type ListOptions struct {
	Limit      int
	UnreadOnly bool
	Before     time.Time
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 || o.Limit > 200 {
		return 50
	}
	return o.Limit
}

// NotificationStore 是通知收件箱，已读状态只能单向变化。
type NotificationStore interface {
	Insert(ctx context.Context, n *models.Notification) error
	// ExistsSince 判断同一去重键在 since 之后是否已经写入过。
	ExistsSince(ctx context.Context, dedupKey string, since time.Time) (bool, error)
	// LatestFromSource 返回 userID 因同一源行收到的最新一条通知，没有时返回 ErrNotFound。
	LatestFromSource(ctx context.Context, userID, sourceTable, sourceRowID string) (models.Notification, error)
	List(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	// MarkRead 对不存在或不属于 userID 的通知返回 ErrNotFoundOrForbidden，重复调用不报错。
	MarkRead(ctx context.Context, id, userID string, at time.Time) error
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error)
	// Trim 把用户收件箱裁剪到 max 条：先删最旧的已读，再删最旧的未读。
	Trim(ctx context.Context, userID string, max int) (int64, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}
