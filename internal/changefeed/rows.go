package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// 被监听的表。
const (
	TableDirectMessages   = "direct_messages"
	TableCivicAlerts      = "civic_alerts"
	TablePollResponses    = "poll_responses"
	TableSubscriptions    = "subscriptions"
	TableModerationAlerts = "moderation_alerts"
	TableChatMessages     = "chat_messages"
)

// DefaultTables 是 Listener 默认订阅的表。
var DefaultTables = []string{
	TableDirectMessages,
	TableCivicAlerts,
	TablePollResponses,
	TableSubscriptions,
	TableModerationAlerts,
	TableChatMessages,
}

var (
	ErrUnknownTable = errors.New("unknown change table")
	ErrMalformedRow = errors.New("malformed change row")
)

// ID 兼容整数与字符串主键。
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// IDList 兼容 Postgres 数组列与 JSON 数组，元素可以是数字或字符串。
type IDList []ID

func (l *IDList) UnmarshalJSON(b []byte) error {
	var ids []ID
	if err := json.Unmarshal(b, &ids); err == nil {
		*l = ids
		return nil
	}
	// 部分驱动把数组列编码为 "{a,b}" 字符串。
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.Trim(s, "{}")
	*l = nil
	for _, part := range strings.Split(s, ",") {
		if part = strings.Trim(strings.TrimSpace(part), `"`); part != "" {
			*l = append(*l, ID(part))
		}
	}
	return nil
}

// Row 是按表解码后的行，每张表对应一个具体类型。
type Row interface {
	RowID() string
}

type DirectMessage struct {
	ID             ID     `json:"id"`
	SenderID       ID     `json:"sender_id"`
	RecipientID    ID     `json:"recipient_id"`
	ConversationID ID     `json:"conversation_id"`
	Content        string `json:"content"`
}

type CivicAlert struct {
	ID              ID     `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Severity        string `json:"severity"`
	Region          string `json:"region"`
	AffectedUserIDs IDList `json:"affected_user_ids"`
}

type PollResponse struct {
	ID     ID `json:"id"`
	PollID ID `json:"poll_id"`
	UserID ID `json:"user_id"`
}

// SubscriptionRow 是 subscriptions 表的行，与订阅句柄 Subscription 区分。
type SubscriptionRow struct {
	ID       ID     `json:"id"`
	UserID   ID     `json:"user_id"`
	Status   string `json:"status"`
	PlanName string `json:"plan_name"`
}

type ModerationAlert struct {
	ID           ID     `json:"id"`
	TargetUserID ID     `json:"target_user_id"`
	AlertType    string `json:"alert_type"`
	Severity     string `json:"severity"`
	Reason       string `json:"reason"`
}

// ChatMessageRow 只取提及检测需要的列。
type ChatMessageRow struct {
	ID        ID     `json:"id"`
	ChannelID string `json:"channel_id"`
	AuthorID  ID     `json:"author_id"`
	Content   string `json:"content"`
	Deleted   bool   `json:"deleted"`
}

func (r DirectMessage) RowID() string   { return string(r.ID) }
func (r CivicAlert) RowID() string      { return string(r.ID) }
func (r PollResponse) RowID() string    { return string(r.ID) }
func (r SubscriptionRow) RowID() string { return string(r.ID) }
func (r ModerationAlert) RowID() string { return string(r.ID) }
func (r ChatMessageRow) RowID() string  { return string(r.ID) }

// DecodeRow 把原始行 JSON 解码为表对应的类型，并校验规则依赖的必填列。
func DecodeRow(table string, raw json.RawMessage) (Row, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: %s: empty row", ErrMalformedRow, table)
	}
	var (
		row     Row
		missing string
		err     error
	)
	switch table {
	case TableDirectMessages:
		var r DirectMessage
		err = json.Unmarshal(raw, &r)
		if r.RecipientID == "" {
			missing = "recipient_id"
		}
		row = r
	case TableCivicAlerts:
		var r CivicAlert
		err = json.Unmarshal(raw, &r)
		row = r
	case TablePollResponses:
		var r PollResponse
		err = json.Unmarshal(raw, &r)
		if r.PollID == "" {
			missing = "poll_id"
		}
		row = r
	case TableSubscriptions:
		var r SubscriptionRow
		err = json.Unmarshal(raw, &r)
		if r.UserID == "" {
			missing = "user_id"
		}
		row = r
	case TableModerationAlerts:
		var r ModerationAlert
		err = json.Unmarshal(raw, &r)
		if r.TargetUserID == "" {
			missing = "target_user_id"
		}
		row = r
	case TableChatMessages:
		var r ChatMessageRow
		err = json.Unmarshal(raw, &r)
		row = r
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRow, table, err)
	}
	if row.RowID() == "" {
		missing = "id"
	}
	if missing != "" {
		return nil, fmt.Errorf("%w: %s: missing %s", ErrMalformedRow, table, missing)
	}
	return row, nil
}

func (id ID) String() string { return string(id) }
