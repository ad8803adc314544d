package gateway

import (
	"sync"
	"time"
)

// DefaultNonceStep 每次私有调用 nonce 的增量
const DefaultNonceStep int64 = 42

// Nonce 私有接口序号，进程内严格递增
type Nonce struct {
	mu    sync.Mutex
	value int64
	step  int64
}

// NewNonce 以当前时间（微秒）为种子
func NewNonce(now time.Time) *Nonce {
	return &Nonce{value: now.UnixMicro(), step: DefaultNonceStep}
}

// Next 分配下一个 nonce（原子）
func (n *Nonce) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.value += n.step
	return n.value
}

// Resync 按交易所给出的下限校正；只会向上调整，返回是否发生变化
func (n *Nonce) Resync(expected int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if expected <= n.value {
		return false
	}
	n.value = expected
	return true
}

// Current 返回最近一次分配（或校正）后的值
func (n *Nonce) Current() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value
}
