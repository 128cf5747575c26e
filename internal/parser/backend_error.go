package parser

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// BackendError 嵌入/生成后端返回的错误，携带瞬时性分类。
// 瞬时错误（网络、限流、5xx）由调用方按重试策略重试；
// 永久错误（参数非法、鉴权失败）立即向上传播。
type BackendError struct {
	Service    string // "embedding" 或 "chat"
	StatusCode int    // HTTP状态码，网络错误时为0
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s后端错误 (status=%d): %s", e.Service, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s后端错误: %s", e.Service, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Transient 判断该错误是否值得重试
func (e *BackendError) Transient() bool {
	if e.StatusCode == 0 {
		// 网络层失败，值得重试
		return true
	}
	if e.StatusCode == 408 || e.StatusCode == 429 {
		return true
	}
	return e.StatusCode >= 500
}

// IsTransient 供重试策略使用的可重试判定。
// 上下文取消不算瞬时错误，其余未分类错误保守地不重试。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
