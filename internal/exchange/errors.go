package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType 错误分类，决定是否重试
type ErrorType int

const (
	ErrorTypeUnknown          ErrorType = iota
	ErrorTypeConfiguration              // 缺少凭证/未知命令，不重试
	ErrorTypeTransient                  // 网络/超时/5xx/"try again"，按退避表重试
	ErrorTypeNonceDesync                // nonce 过期，更新本地 nonce 后重试
	ErrorTypeExchange                   // 交易所明确拒绝，不重试
	ErrorTypeDecode                     // 响应不是合法 JSON，不重试
	ErrorTypeRetriesExhausted           // 退避表用尽
)

// String 返回错误类型名称（用于日志和指标标签）
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConfiguration:
		return "configuration"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeNonceDesync:
		return "nonce_desync"
	case ErrorTypeExchange:
		return "exchange"
	case ErrorTypeDecode:
		return "decode"
	case ErrorTypeRetriesExhausted:
		return "retries_exhausted"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyRunning  = errors.New("stream client already running")
	ErrNotRunning      = errors.New("stream client not running")
	ErrUnknownMarket   = errors.New("unknown market")
	ErrInvalidArgument = errors.New("invalid argument")
)

// ConfigurationError 配置错误：缺少凭证、未知命令等
type ConfigurationError struct {
	Command string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Command == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Command, e.Reason)
}

// TransientError 网络层或交易所临时性故障
type TransientError struct {
	Command string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Command, e.Err)
}

func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Transient() bool { return true }

// NonceDesyncError 交易所认为 nonce 过期；Expected 为交易所给出的下限
type NonceDesyncError struct {
	Command  string
	Expected int64
	Message  string
}

func (e *NonceDesyncError) Error() string {
	return fmt.Sprintf("%s: nonce desync (expected > %d): %s", e.Command, e.Expected, e.Message)
}

func (e *NonceDesyncError) Transient() bool { return true }

// ExchangeError 交易所返回的业务错误，Message 为原文
type ExchangeError struct {
	Command string
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("poloniex %s: %s", e.Command, e.Message)
}

// DecodeError 响应体无法解析为 JSON
type DecodeError struct {
	Command string
	Body    []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode response: %v", e.Command, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RetriesExhaustedError 退避表耗尽，Failures 按顺序保存每次失败
type RetriesExhaustedError struct {
	Failures []error
}

func (e *RetriesExhaustedError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("retries exhausted after %d attempts: [%s]", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *RetriesExhaustedError) Unwrap() []error { return e.Failures }

// Transient 总是 false：内部失败可能是临时性的，但耗尽本身是终态
func (e *RetriesExhaustedError) Transient() bool { return false }

// IsTransient 判断错误是否应按退避表重试
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

// Classify 将错误归类
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	var (
		cfgErr   *ConfigurationError
		nonceErr *NonceDesyncError
		tErr     *TransientError
		exErr    *ExchangeError
		decErr   *DecodeError
		exhErr   *RetriesExhaustedError
	)
	switch {
	case errors.As(err, &exhErr):
		return ErrorTypeRetriesExhausted
	case errors.As(err, &cfgErr):
		return ErrorTypeConfiguration
	case errors.As(err, &nonceErr):
		return ErrorTypeNonceDesync
	case errors.As(err, &tErr):
		return ErrorTypeTransient
	case errors.As(err, &exErr):
		return ErrorTypeExchange
	case errors.As(err, &decErr):
		return ErrorTypeDecode
	}
	return ErrorTypeUnknown
}
