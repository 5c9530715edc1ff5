package store

import (
	"context"
	"errors"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/models"
	"gorm.io/gorm"
)

// GormMessages 把频道消息落到 chat_messages 表。
type GormMessages struct {
	db *gorm.DB
}

func NewGormMessages(db *gorm.DB) *GormMessages {
	return &GormMessages{db: db}
}

func (s *GormMessages) Append(ctx context.Context, msg *models.ChatMessage) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSeqConflict
		}
		return err
	}
	return nil
}

func (s *GormMessages) Update(ctx context.Context, msg *models.ChatMessage) error {
	res := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("id = ?", msg.ID).
		Updates(map[string]interface{}{"content": msg.Content, "edited_at": msg.EditedAt, "deleted": msg.Deleted})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormMessages) Get(ctx context.Context, id string) (models.ChatMessage, error) {
	var m models.ChatMessage
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return m, ErrNotFound
		}
		return m, err
	}
	return m, nil
}

func (s *GormMessages) LastSeq(ctx context.Context, channelID string) (int64, error) {
	var seq int64
	err := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("channel_id = ?", channelID).
		Select("COALESCE(MAX(seq), 0)").Scan(&seq).Error
	return seq, err
}

func (s *GormMessages) Recent(ctx context.Context, channelID string, limit int) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND deleted = ?", channelID, false).
		Order("seq desc").Limit(limit).Find(&msgs).Error
	return msgs, err
}

// GormNotifications 把收件箱落到 notifications 表。
type GormNotifications struct {
	db *gorm.DB
}

func NewGormNotifications(db *gorm.DB) *GormNotifications {
	return &GormNotifications{db: db}
}

func (s *GormNotifications) Insert(ctx context.Context, n *models.Notification) error {
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *GormNotifications) ExistsSince(ctx context.Context, dedupKey string, since time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("dedup_key = ? AND created_at >= ?", dedupKey, since).
		Limit(1).Count(&count).Error
	return count > 0, err
}

func (s *GormNotifications) LatestFromSource(ctx context.Context, userID, sourceTable, sourceRowID string) (models.Notification, error) {
	var n models.Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND source_table = ? AND source_row_id = ?", userID, sourceTable, sourceRowID).
		Order("created_at desc").First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return n, ErrNotFound
	}
	return n, err
}

func (s *GormNotifications) List(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if opts.UnreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if !opts.Before.IsZero() {
		q = q.Where("created_at < ?", opts.Before)
	}
	var out []models.Notification
	err := q.Order("created_at desc").Limit(opts.limit()).Find(&out).Error
	return out, err
}

func (s *GormNotifications) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).Count(&count).Error
	return count, err
}

// MarkRead 用条件更新保证幂等：已读记录不会再被改写。
func (s *GormNotifications) MarkRead(ctx context.Context, id, userID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ? AND is_read = ?", id, userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at, "updated_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFoundOrForbidden
	}
	return nil
}

func (s *GormNotifications) MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at, "updated_at": at})
	return res.RowsAffected, res.Error
}

func (s *GormNotifications) Trim(ctx context.Context, userID string, max int) (int64, error) {
	if max <= 0 {
		return 0, nil
	}
	keep := s.db.Model(&models.Notification{}).Select("id").
		Where("user_id = ?", userID).
		Order("is_read asc, created_at desc").Limit(max)
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND id NOT IN (?)", userID, keep).
		Delete(&models.Notification{})
	return res.RowsAffected, res.Error
}

func (s *GormNotifications) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&models.Notification{})
	return res.RowsAffected, res.Error
}

var (
	_ MessageStore      = (*GormMessages)(nil)
	_ NotificationStore = (*GormNotifications)(nil)
)
