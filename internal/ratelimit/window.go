package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow 以两段累计值近似滑动窗口计数：
// estimate = previous * (1 - elapsed/window) + current。
// 每个 key 只占 O(1) 内存，不做任何持久化，
// 适合作为推理调用等软限流的计量器，精确计费仍由账本负责。
type SlidingWindow struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	entries map[string]*windowEntry
	now     func() time.Time
}

type windowEntry struct {
	windowStart time.Time
	previous    int
	current     int
}

// NewSlidingWindow 创建滑动窗口限流器。
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{
		window:  window,
		limit:   limit,
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// Allow 判断 key 是否还有配额，有则记一次调用。
func (w *SlidingWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := w.rotate(key)
	if w.estimate(entry) >= float64(w.limit) {
		return false
	}
	entry.current++
	return true
}

// Estimate 返回 key 当前的加权计数，不消耗配额。
func (w *SlidingWindow) Estimate(key string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.estimate(w.rotate(key))
}

// rotate 在访问时惰性轮转窗口。调用方须持有锁。
func (w *SlidingWindow) rotate(key string) *windowEntry {
	entry, ok := w.entries[key]
	now := w.now()
	if !ok {
		entry = &windowEntry{windowStart: now}
		w.entries[key] = entry
		return entry
	}
	elapsed := now.Sub(entry.windowStart)
	switch {
	case elapsed >= 2*w.window:
		// 超过两个窗口没有访问，历史计数全部过期。
		entry.windowStart = now
		entry.previous = 0
		entry.current = 0
	case elapsed >= w.window:
		entry.windowStart = entry.windowStart.Add(w.window)
		entry.previous = entry.current
		entry.current = 0
	}
	return entry
}

func (w *SlidingWindow) estimate(entry *windowEntry) float64 {
	elapsed := w.now().Sub(entry.windowStart)
	if elapsed < 0 {
		elapsed = 0
	}
	fraction := float64(elapsed) / float64(w.window)
	if fraction > 1 {
		fraction = 1
	}
	return float64(entry.previous)*(1-fraction) + float64(entry.current)
}
