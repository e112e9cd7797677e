package chat

import (
	"strings"
	"sync"
)

// Participants - упорядоченное множество адресов участников
type Participants struct {
	mu    sync.RWMutex
	items []string
}

func NewParticipants(uris ...string) *Participants {
	p := &Participants{}
	for _, u := range uris {
		p.Add(u)
	}
	return p
}

func normalize(uri string) string {
	uri = strings.TrimSpace(uri)
	uri = strings.TrimPrefix(uri, "<")
	uri = strings.TrimSuffix(uri, ">")
	return uri
}

// Add добавляет участника. Возвращает false, если он уже есть.
func (p *Participants) Add(uri string) bool {
	uri = normalize(uri)
	if uri == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.items {
		if strings.EqualFold(v, uri) {
			return false
		}
	}
	p.items = append(p.items, uri)
	return true
}

func (p *Participants) Remove(uri string) bool {
	uri = normalize(uri)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, v := range p.items {
		if strings.EqualFold(v, uri) {
			p.items = append(p.items[:i:i], p.items[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Participants) Contains(uri string) bool {
	uri = normalize(uri)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, v := range p.items {
		if strings.EqualFold(v, uri) {
			return true
		}
	}
	return false
}

func (p *Participants) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// List возвращает копию списка в порядке добавления
func (p *Participants) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.items...)
}
