package chat

import (
	"errors"
	"fmt"
)

// 频道层错误。校验与授权错误只影响当前请求，不会重试。
var (
	ErrValidation     = errors.New("validation failed")
	ErrEmptyContent   = fmt.Errorf("%w: message is empty", ErrValidation)
	ErrContentTooLong = fmt.Errorf("%w: message is too long", ErrValidation)
	ErrInvalidParent  = fmt.Errorf("%w: parent message not in channel", ErrValidation)
	ErrUnauthorized   = errors.New("not authorized")
	ErrChannelFull    = errors.New("channel is full")
	ErrRateLimited    = errors.New("sending too fast")
	ErrHubClosed      = errors.New("channel hub closed")
	ErrUnknownMessage = errors.New("message not found")
)

// errorCode 把错误映射为下发给客户端的稳定错误码。
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrChannelFull):
		return "channel_full"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnknownMessage):
		return "not_found"
	}
	return "internal"
}
