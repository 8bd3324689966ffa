// Package store 基于 gorm 持久化消息、病历和用户目录。
package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrWriteConflict 表示写入与已有行冲突。
	ErrWriteConflict = errors.New("store: write conflict")

	// ErrUnavailable 包装驱动和连接故障。插入的 id 由数据库分配，遇到该错误可以安全重试；
	// 参数校验失败返回 ErrInvalidRecord，不会落到这里。
	ErrUnavailable = errors.New("store: unavailable")

	ErrNotFound = errors.New("store: not found")

	// ErrInvalidRecord 表示缺少必填字段或 payload 不是合法 JSON。
	ErrInvalidRecord = errors.New("store: invalid record")
)

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrWriteConflict, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
