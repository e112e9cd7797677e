package session

import (
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// Handle - то, что хранит реестр. *Session и типы, встраивающие его, удовлетворяют интерфейсу.
type Handle interface {
	ID() string
	CallID() sip.CallIDHeader
	ReceiveBye(req *sip.Request, tx Responder)
	ReceiveCancel(req *sip.Request, tx Responder)
	ReceiveUpdate(req *sip.Request, tx Responder)
	ReceiveReInvite(req *sip.Request, tx Responder)
}

// Registry - таблица активных сессий одного сервиса.
// Безопасна для одновременной регистрации, удаления и поиска.
type Registry struct {
	name     string
	sessions sync.Map // id -> Handle
	callIDs  sync.Map // sip.CallIDHeader -> id
	count    atomic.Int64
}

func NewRegistry(name string) *Registry {
	return &Registry{name: name}
}

// Name возвращает имя сервиса-владельца
func (r *Registry) Name() string {
	return r.name
}

// Add регистрирует сессию. Повторная регистрация после удаления исключена тем,
// что Session.Start выполняется один раз.
func (r *Registry) Add(h Handle) error {
	id := h.ID()
	if _, loaded := r.sessions.LoadOrStore(id, h); loaded {
		return ErrAlreadyRegistered
	}
	r.callIDs.Store(h.CallID(), id)
	r.count.Add(1)
	return nil
}

// Remove удаляет сессию. Возвращает true только для первого удаления.
func (r *Registry) Remove(id string) bool {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return false
	}
	h := v.(Handle)
	r.callIDs.CompareAndDelete(h.CallID(), id)
	r.count.Add(-1)
	return true
}

func (r *Registry) Get(id string) (Handle, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(Handle), true
	}
	return nil, false
}

// FindByCallID ищет сессию по идентификатору диалога
func (r *Registry) FindByCallID(callID sip.CallIDHeader) (Handle, bool) {
	v, ok := r.callIDs.Load(callID)
	if !ok {
		return nil, false
	}
	return r.Get(v.(string))
}

// Len возвращает число активных сессий
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Range обходит активные сессии. Обход прекращается, если f вернет false.
func (r *Registry) Range(f func(h Handle) bool) {
	r.sessions.Range(func(_, v any) bool {
		return f(v.(Handle))
	})
}
