package store

import "errors"

// 存储层通用错误，上层通过 errors.Is 映射到协议错误或 HTTP 状态码。
var (
	ErrNotFound            = errors.New("record not found")
	ErrNotFoundOrForbidden = errors.New("notification not found or forbidden")
	ErrSeqConflict         = errors.New("sequence already taken")
)
