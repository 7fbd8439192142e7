package globalstate

import (
	"sync"
)

// BadgeOn 是代理启用时显示的标记文本。
const BadgeOn = "ON"

// Badge 记录“代理已启用”指示器，并在状态变化时通知订阅者。
type Badge struct {
	mu          sync.RWMutex
	on          bool
	subscribers []func(on bool)
}

// GlobalBadge 是进程级的指示器实例。
var GlobalBadge = &Badge{}

// Set 更新指示器。状态未变化时不通知。
func (b *Badge) Set(on bool) {
	b.mu.Lock()
	if b.on == on {
		b.mu.Unlock()
		return
	}
	b.on = on
	subs := append([]func(bool){}, b.subscribers...)
	b.mu.Unlock()

	for _, fn := range subs {
		fn(on)
	}
}

func (b *Badge) On() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.on
}

// Text 返回 "ON" 或空字符串。
func (b *Badge) Text() string {
	if b.On() {
		return BadgeOn
	}
	return ""
}

// Subscribe 注册状态变化回调。回调在 Set 的调用方 goroutine 中执行，不应阻塞。
func (b *Badge) Subscribe(fn func(on bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}
