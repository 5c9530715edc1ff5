// Package backoff 提供重连与重订阅共用的等待策略。
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Strategy 根据已失败次数（从 0 开始）给出下一次等待时长。
type Strategy interface {
	Next(attempt int) time.Duration
}

// Fixed 每次都等待相同时长，兼容旧客户端的 3 秒重连。
type Fixed struct {
	Delay time.Duration
}

func (f Fixed) Next(int) time.Duration { return f.Delay }

// Exponential 按 Initial*2^attempt 增长并封顶 Max，Jitter 为真时在 [0, d] 内随机取值。
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

func (e Exponential) Next(attempt int) time.Duration {
	d := e.Initial
	for i := 0; i < attempt && d < e.Max; i++ {
		d *= 2
	}
	if d > e.Max {
		d = e.Max
	}
	if e.Jitter && d > 0 {
		d = time.Duration(rand.Int64N(int64(d) + 1))
	}
	return d
}

// New 按配置名构造策略，未知名称按 exponential 处理。
func New(strategy string, delay, max time.Duration) Strategy {
	if strategy == "fixed" {
		return Fixed{Delay: delay}
	}
	initial := time.Second
	if delay > 0 && delay < initial {
		initial = delay
	}
	if max < initial {
		max = initial
	}
	return Exponential{Initial: initial, Max: max, Jitter: true}
}

// Sleep 等待 d 或 ctx 结束，ctx 先结束时返回 false。
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
