// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 按会话ID管理互斥锁，保证同一会话的操作串行
type LockManager struct {
	mu      sync.Mutex
	locks   map[string]*lockEntry
	lockTTL time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

type lockEntry struct {
	mutex    sync.RWMutex
	lastUsed time.Time
	refs     int // 正在等待或持有锁的调用数，大于0时不会被清理
}

// NewLockManager 创建锁管理器并启动后台清理
func NewLockManager() *LockManager {
	return NewLockManagerWithTTL(30*time.Minute, 5*time.Minute)
}

// NewLockManagerWithTTL 自定义过期时间与清理周期
func NewLockManagerWithTTL(ttl, cleanupEvery time.Duration) *LockManager {
	lm := &LockManager{
		locks:   make(map[string]*lockEntry),
		lockTTL: ttl,
		stop:    make(chan struct{}),
	}
	go lm.cleanupLoop(cleanupEvery)
	return lm
}

func (lm *LockManager) acquire(id string) *lockEntry {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	entry, ok := lm.locks[id]
	if !ok {
		entry = &lockEntry{}
		lm.locks[id] = entry
	}
	entry.refs++
	entry.lastUsed = time.Now()
	return entry
}

func (lm *LockManager) release(entry *lockEntry) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	entry.refs--
	entry.lastUsed = time.Now()
}

// ExecuteWithLock 在会话写锁保护下执行 fn
func (lm *LockManager) ExecuteWithLock(id string, fn func() error) error {
	entry := lm.acquire(id)
	defer lm.release(entry)

	entry.mutex.Lock()
	defer entry.mutex.Unlock()
	return fn()
}

// ExecuteWithReadLock 在会话读锁保护下执行 fn
func (lm *LockManager) ExecuteWithReadLock(id string, fn func() error) error {
	entry := lm.acquire(id)
	defer lm.release(entry)

	entry.mutex.RLock()
	defer entry.mutex.RUnlock()
	return fn()
}

// Forget 会话删除后释放其锁
func (lm *LockManager) Forget(id string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if entry, ok := lm.locks[id]; ok && entry.refs == 0 {
		delete(lm.locks, id)
	}
}

// Len 当前持有的锁数量
func (lm *LockManager) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.locks)
}

// Stop 停止后台清理
func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() { close(lm.stop) })
}

func (lm *LockManager) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stop:
			return
		case <-ticker.C:
			lm.cleanupUnused(time.Now())
		}
	}
}

// 只清理无人引用且超过 TTL 的锁
func (lm *LockManager) cleanupUnused(now time.Time) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	removed := 0
	for id, entry := range lm.locks {
		if entry.refs == 0 && now.Sub(entry.lastUsed) > lm.lockTTL {
			delete(lm.locks, id)
			removed++
		}
	}
	return removed
}
