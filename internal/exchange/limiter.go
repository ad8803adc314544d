package gateway

import (
	"context"
	"time"

	"github.com/newplayman/poloniex-phoenix/internal/metrics"
)

// RateLimiter 控制请求速率，避免触发交易所限流。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Clock 限速器使用的定时器来源，测试中可替换
type Clock interface {
	AfterFunc(d time.Duration, f func())
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) { time.AfterFunc(d, f) }

// WindowLimiter 窗口许可限速器：最多 permits 个许可在途，
// 每个许可在获取后固定 window 时长自动归还（与请求耗时无关）。
type WindowLimiter struct {
	window time.Duration
	slots  chan struct{}
	clock  Clock
}

// NewWindowLimiter 创建限速器，默认 1s/6 次
func NewWindowLimiter(window time.Duration, permits int) *WindowLimiter {
	return NewWindowLimiterWithClock(window, permits, realClock{})
}

// NewWindowLimiterWithClock 使用自定义时钟创建限速器
func NewWindowLimiterWithClock(window time.Duration, permits int, clock Clock) *WindowLimiter {
	if window <= 0 {
		window = time.Second
	}
	if permits <= 0 {
		permits = 6
	}
	if clock == nil {
		clock = realClock{}
	}
	return &WindowLimiter{
		window: window,
		slots:  make(chan struct{}, permits),
		clock:  clock,
	}
}

// Wait 阻塞直到拿到许可或 ctx 结束
func (l *WindowLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.clock.AfterFunc(l.window, l.release)
	metrics.RecordLimiterWait(time.Since(start))
	return nil
}

func (l *WindowLimiter) release() {
	<-l.slots
}

// Outstanding 当前在途许可数
func (l *WindowLimiter) Outstanding() int { return len(l.slots) }

// Permits 每个窗口的许可上限
func (l *WindowLimiter) Permits() int { return cap(l.slots) }

// Window 窗口长度
func (l *WindowLimiter) Window() time.Duration { return l.window }
