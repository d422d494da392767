package usecase

import "sync"

// keyLocker は鍵IDごとの排他制御を提供する。
// 使用中のIDだけをマップに保持し、参照がなくなったエントリは削除する。
type keyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.RWMutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[string]*keyLock)}
}

// Lock は id の書き込みロックを取得し、解放関数を返す。
func (l *keyLocker) Lock(id string) func() {
	kl := l.acquire(id)
	kl.Lock()
	return func() {
		kl.Unlock()
		l.release(id, kl)
	}
}

// RLock は id の読み取りロックを取得し、解放関数を返す。
func (l *keyLocker) RLock(id string) func() {
	kl := l.acquire(id)
	kl.RLock()
	return func() {
		kl.RUnlock()
		l.release(id, kl)
	}
}

func (l *keyLocker) acquire(id string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.locks[id]
	if !ok {
		kl = &keyLock{}
		l.locks[id] = kl
	}
	kl.refs++
	return kl
}

func (l *keyLocker) release(id string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *keyLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
