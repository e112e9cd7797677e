package session

import (
	"sync"
)

// Listener получает уведомления о жизненном цикле сессии.
// Вызовы не должны блокироваться надолго: ядро их не ждет.
type Listener interface {
	HandleSessionStarted()
	HandleSessionAborted(reason AbortReason)
	HandleSessionTerminatedByRemote()
	HandleSessionError(err *Error)
}

// listenerSet - список слушателей, итерация идет по снимку
type listenerSet struct {
	mu    sync.RWMutex
	items []Listener
}

func (ls *listenerSet) add(l Listener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, v := range ls.items {
		if v == l {
			return
		}
	}
	ls.items = append(ls.items, l)
}

func (ls *listenerSet) remove(l Listener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, v := range ls.items {
		if v == l {
			ls.items = append(ls.items[:i:i], ls.items[i+1:]...)
			return
		}
	}
}

func (ls *listenerSet) removeAll() {
	ls.mu.Lock()
	ls.items = nil
	ls.mu.Unlock()
}

func (ls *listenerSet) snapshot() []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	out := make([]Listener, len(ls.items))
	copy(out, ls.items)
	return out
}
