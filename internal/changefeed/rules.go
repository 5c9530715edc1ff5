package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/models"
	"github.com/camerpulse/camerpulse-sub041/internal/notify"
)

// PollOwnerLookup 返回投票发起人的用户 ID。
type PollOwnerLookup interface {
	PollOwner(ctx context.Context, pollID string) (string, error)
}

// Notified 描述某用户因某行最近收到的一条通知。
type Notified struct {
	At     time.Time
	Status string
}

// History 查询某用户是否已因某行收到过通知。
type History interface {
	LastNotified(ctx context.Context, userID, table, rowID string) (Notified, bool, error)
}

// Classifier 把单条变更映射为零到多个通知候选。
// History 为空时，补读行只靠去重窗口防重。
type Classifier struct {
	Polls   PollOwnerLookup
	History History
}

var mentionPattern = regexp.MustCompile(`(?:^|\s)@([A-Za-z0-9_.:\-]{1,64})`)

// severityPriority 把告警严重程度映射为通知优先级，未知值视为 low。
func severityPriority(severity string) models.Priority {
	switch strings.ToLower(severity) {
	case "critical":
		return models.PriorityUrgent
	case "high":
		return models.PriorityHigh
	case "medium":
		return models.PriorityMedium
	}
	return models.PriorityLow
}

func subscriptionPriority(status string) models.Priority {
	switch strings.ToLower(status) {
	case "expired", "past_due", "cancelled", "canceled":
		return models.PriorityHigh
	}
	return models.PriorityMedium
}

func (cl Classifier) Classify(ctx context.Context, c Change) ([]notify.Candidate, error) {
	if c.Event == Delete {
		return nil, nil
	}
	row, err := DecodeRow(c.Table, c.NewRow)
	if err != nil {
		return nil, err
	}
	base := notify.Candidate{
		SourceTable: c.Table,
		SourceRowID: row.RowID(),
		Operation:   string(c.Event),
		OccurredAt:  c.OccurredAt,
	}

	switch r := row.(type) {
	case DirectMessage:
		if c.Event != Insert || r.RecipientID == r.SenderID {
			return nil, nil
		}
		n := base
		n.UserID = r.RecipientID.String()
		n.Type = "direct_message"
		n.Title = "New message"
		n.Message = preview(r.Content, 120)
		n.Priority = models.PriorityMedium
		n.Data = map[string]any{"message_id": r.RowID(), "sender_id": r.SenderID.String()}
		if r.ConversationID != "" {
			n.Data["conversation_id"] = r.ConversationID.String()
			n.ActionRef = "/messages/" + r.ConversationID.String()
		}
		return []notify.Candidate{n}, nil

	case CivicAlert:
		prio := severityPriority(r.Severity)
		seen := make(map[ID]struct{}, len(r.AffectedUserIDs))
		out := make([]notify.Candidate, 0, len(r.AffectedUserIDs))
		for _, uid := range r.AffectedUserIDs {
			if _, dup := seen[uid]; dup || uid == "" {
				continue
			}
			seen[uid] = struct{}{}
			// 补读行分不清是否是新的变更，已因这条告警收到过通知的用户不再重复通知。
			if c.Replayed && cl.History != nil {
				_, notified, err := cl.History.LastNotified(ctx, uid.String(), c.Table, r.RowID())
				if err != nil {
					return nil, fmt.Errorf("civic alert history: %w", err)
				}
				if notified {
					continue
				}
			}
			n := base
			n.UserID = uid.String()
			n.Type = "civic_alert"
			n.Title = r.Title
			if n.Title == "" {
				n.Title = "Civic alert"
			}
			n.Message = r.Description
			n.Priority = prio
			n.Data = map[string]any{"alert_id": r.RowID(), "severity": r.Severity, "region": r.Region}
			n.ActionRef = "/alerts/" + r.RowID()
			out = append(out, n)
		}
		return out, nil

	case PollResponse:
		if c.Event != Insert {
			return nil, nil
		}
		if cl.Polls == nil {
			return nil, fmt.Errorf("poll owner lookup not configured")
		}
		owner, err := cl.Polls.PollOwner(ctx, r.PollID.String())
		if err != nil {
			return nil, fmt.Errorf("lookup poll %s owner: %w", r.PollID, err)
		}
		if owner == "" || owner == r.UserID.String() {
			return nil, nil
		}
		n := base
		n.UserID = owner
		n.Type = "poll_response"
		n.Title = "New poll response"
		n.Message = "Someone responded to your poll"
		n.Priority = models.PriorityLow
		n.Data = map[string]any{"poll_id": r.PollID.String(), "response_id": r.RowID()}
		n.ActionRef = "/polls/" + r.PollID.String()
		return []notify.Candidate{n}, nil

	case SubscriptionRow:
		if c.Event != Update {
			return nil, nil
		}
		changed, err := cl.subscriptionChanged(ctx, c, r)
		if err != nil || !changed {
			return nil, err
		}
		n := base
		n.UserID = r.UserID.String()
		n.Type = "subscription_status"
		n.Title = "Subscription " + strings.ReplaceAll(r.Status, "_", " ")
		n.Message = fmt.Sprintf("Your %s subscription is now %s", orDefault(r.PlanName, "plan"), r.Status)
		n.Priority = subscriptionPriority(r.Status)
		n.Data = map[string]any{"subscription_id": r.RowID(), "status": r.Status}
		n.ActionRef = "/billing"
		// 同一行多次状态变化各自通知一次。
		n.Operation = string(c.Event) + ":" + r.Status
		return []notify.Candidate{n}, nil

	case ModerationAlert:
		if c.Event != Insert {
			return nil, nil
		}
		n := base
		n.UserID = r.TargetUserID.String()
		n.Type = "moderation_alert"
		n.Title = "Moderation notice"
		n.Message = r.Reason
		n.Priority = models.PriorityHigh
		if strings.EqualFold(r.Severity, "critical") {
			n.Priority = models.PriorityUrgent
		}
		n.Data = map[string]any{"alert_id": r.RowID(), "alert_type": r.AlertType, "severity": r.Severity}
		return []notify.Candidate{n}, nil

	case ChatMessageRow:
		if c.Event != Insert || r.Deleted {
			return nil, nil
		}
		var out []notify.Candidate
		seen := map[string]struct{}{}
		for _, m := range mentionPattern.FindAllStringSubmatch(r.Content, -1) {
			uid := m[1]
			if _, dup := seen[uid]; dup || uid == r.AuthorID.String() {
				continue
			}
			seen[uid] = struct{}{}
			n := base
			n.UserID = uid
			n.Type = "mention"
			n.Title = "You were mentioned"
			n.Message = preview(r.Content, 120)
			n.Priority = models.PriorityMedium
			n.Data = map[string]any{"channel_id": r.ChannelID, "message_id": r.RowID(), "author_id": r.AuthorID.String()}
			n.ActionRef = "/channels/" + r.ChannelID
			out = append(out, n)
		}
		return out, nil
	}
	return nil, nil
}

// subscriptionChanged 有旧行时直接比较状态。没有旧行（补读或负载过大）时，
// 只在用户曾因该订阅收到通知、且当时的状态与现在不同才算变化；
// 否则无法区分状态变化与改名之类的普通编辑，宁可不通知。
func (cl Classifier) subscriptionChanged(ctx context.Context, c Change, r SubscriptionRow) (bool, error) {
	if len(c.OldRow) > 0 && string(c.OldRow) != "null" {
		var old SubscriptionRow
		if err := json.Unmarshal(c.OldRow, &old); err != nil {
			return false, fmt.Errorf("%w: subscriptions old row: %v", ErrMalformedRow, err)
		}
		return old.Status != r.Status, nil
	}
	if cl.History == nil {
		return false, nil
	}
	last, ok, err := cl.History.LastNotified(ctx, r.UserID.String(), c.Table, r.RowID())
	if err != nil {
		return false, fmt.Errorf("subscription history: %w", err)
	}
	return ok && last.Status != r.Status, nil
}

func preview(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max]) + "…"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
