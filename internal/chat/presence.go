package chat

import (
	"fmt"
	"time"
)

// TypingState 只存在于频道内存中，超时自动失效。
type TypingState struct {
	ChannelID string
	UserID    string
	StartedAt time.Time
}

type TypingSummary struct {
	Count int    `json:"count"`
	Label string `json:"label"`
}

// AggregateTyping 由当前输入状态推导出汇总文案，同一用户只计一次。
func AggregateTyping(states []TypingState) TypingSummary {
	seen := make(map[string]struct{}, len(states))
	for _, s := range states {
		seen[s.UserID] = struct{}{}
	}
	n := len(seen)
	switch n {
	case 0:
		return TypingSummary{}
	case 1:
		return TypingSummary{Count: 1, Label: "Someone is typing…"}
	}
	return TypingSummary{Count: n, Label: fmt.Sprintf("%d people are typing…", n)}
}
