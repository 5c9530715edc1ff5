package notify

import (
	"errors"

	"github.com/camerpulse/camerpulse-sub041/internal/store"
)

var (
	// ErrDuplicateSuppressed 表示候选事件落在去重窗口内，调用方应静默忽略。
	ErrDuplicateSuppressed = errors.New("duplicate notification suppressed")
	// ErrDownstreamUnavailable 表示存储不可用，记录日志后由上游决定是否重试。
	ErrDownstreamUnavailable = errors.New("notification store unavailable")
	ErrValidation            = errors.New("invalid notification")
	ErrNotFoundOrForbidden   = store.ErrNotFoundOrForbidden
	ErrDispatcherClosed      = errors.New("dispatcher closed")
)
