package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/models"
)

// Candidate 是由数据变更或内部调用产生、尚未落库的通知。
type Candidate struct {
	UserID    string
	Type      string
	Title     string
	Message   string
	Priority  models.Priority
	Data      map[string]any
	ActionRef string

	SourceTable string
	SourceRowID string
	Operation   string
	OccurredAt  time.Time
}

// DedupKey 为 user|table|row|op；没有来源行的候选不参与去重。
func (c Candidate) DedupKey() string {
	if c.SourceTable == "" || c.SourceRowID == "" {
		return ""
	}
	return strings.Join([]string{c.UserID, c.SourceTable, c.SourceRowID, strings.ToUpper(c.Operation)}, "|")
}

func (c Candidate) validate() error {
	switch {
	case strings.TrimSpace(c.UserID) == "":
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	case strings.TrimSpace(c.Title) == "":
		return fmt.Errorf("%w: title is required", ErrValidation)
	case !c.Priority.Valid():
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, c.Priority)
	}
	return nil
}
