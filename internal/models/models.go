package models

import (
	"time"

	"gorm.io/datatypes"
)

// Priority 决定通知是否需要在前端弹出。
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Surfaces 仅 high/urgent 需要限时弹出，其余只进收件箱与未读计数。
func (p Priority) Surfaces() bool {
	return p == PriorityHigh || p == PriorityUrgent
}

// ChatMessage 属于唯一的频道，广播后只允许作者编辑或软删除。
type ChatMessage struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	ChannelID string     `gorm:"size:64;not null;uniqueIndex:idx_chat_channel_seq,priority:1" json:"channel_id"`
	Seq       int64      `gorm:"not null;uniqueIndex:idx_chat_channel_seq,priority:2" json:"seq"`
	AuthorID  string     `gorm:"size:64;index;not null" json:"author_id"`
	ParentID  *string    `gorm:"size:36" json:"parent_id,omitempty"`
	Content   string     `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Deleted   bool       `gorm:"not null;default:false" json:"deleted"`
}

// Notification 是用户收件箱中的一条记录，IsRead 只允许 false -> true。
type Notification struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	UserID      string         `gorm:"size:64;not null;index:idx_notif_user_read,priority:1" json:"user_id"`
	Type        string         `gorm:"size:64;not null" json:"type"`
	Title       string         `gorm:"size:255;not null" json:"title"`
	Message     string         `gorm:"type:text" json:"message"`
	Data        datatypes.JSON `json:"data,omitempty"`
	Priority    Priority       `gorm:"size:16;not null;default:medium" json:"priority"`
	ActionRef   *string        `gorm:"size:512" json:"action_ref,omitempty"`
	IsRead      bool           `gorm:"not null;default:false;index:idx_notif_user_read,priority:2" json:"is_read"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
	DedupKey    string         `gorm:"size:255;index" json:"-"`
	SourceTable string         `gorm:"size:64" json:"source_table,omitempty"`
	SourceRowID string         `gorm:"size:64" json:"source_row_id,omitempty"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Poll 只映射投票表中查找发起人需要的列，表本身由其他子系统维护。
type Poll struct {
	ID        string `gorm:"primaryKey"`
	CreatorID string `gorm:"column:creator_id"`
}
