package service

import "errors"

// 业务层通用错误，handler 和 Gateway 根据错误类型映射到 HTTP 状态码或 send_failed 原因。
var (
	ErrPersistFailure  = errors.New("message could not be persisted")
	ErrInvalidReceiver = errors.New("invalid receiver")
	ErrInvalidContent  = errors.New("invalid message content")
	ErrForbidden       = errors.New("forbidden")
)

// FailureReason 返回发送失败时告知客户端的原因。
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidReceiver):
		return "invalid_receiver"
	case errors.Is(err, ErrInvalidContent):
		return "invalid_content"
	case errors.Is(err, ErrPersistFailure):
		return "persist_failure"
	default:
		return "internal_error"
	}
}
