package dispatcher

import (
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/ims_session/pkg/session"
)

// ErrQueueClosed возвращается при попытке поставить запрос в закрытую очередь
var ErrQueueClosed = errors.New("dispatcher: queue closed")

type inbound struct {
	req *sip.Request
	tx  session.Responder
}

// queue - неограниченная очередь входящих запросов с одним потребителем
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []inbound
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(item inbound) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return nil
}

// pop блокируется до появления запроса. После закрытия возвращает false.
func (q *queue) pop() (inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return inbound{}, false
	}
	item := q.items[0]
	q.items[0] = inbound{}
	q.items = q.items[1:]
	return item, true
}

// close будит потребителя. Необработанные запросы отбрасываются, их число возвращается.
func (q *queue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	dropped := len(q.items)
	q.items = nil
	q.cond.Broadcast()
	return dropped
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
