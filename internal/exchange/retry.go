package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy 固定退避表重试策略。
// 第 i 次临时失败后等待 Delays[i] 再试；表用尽后返回 RetriesExhaustedError。
type RetryPolicy struct {
	Delays []time.Duration
	// Sleep 可替换的等待函数（测试用），默认按 ctx 可取消的定时器等待
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry 每次重试前回调（可选）
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy 返回默认退避表 0s, 2s, 5s, 30s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delays: []time.Duration{0, 2 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// Do 执行 fn；只有 IsTransient 的错误会被重试
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var failures []error
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		failures = append(failures, err)
		if attempt >= len(p.Delays) {
			return &RetriesExhaustedError{Failures: failures}
		}

		delay := p.Delays[attempt]
		log.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("transient failure, retrying")
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("retry aborted: %w", errors.Join(serr, err))
		}
	}
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry 带返回值的 Do
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
