package client

import (
	"container/list"
	"errors"
	"sync"
)

var errEmptyTopic = errors.New("client: topic must not be empty")

const defaultSeenCapacity = 512

// router suppresses duplicate pushes. The server fans out at-most-once per
// attempt, but a message can reach the client twice when a reconnect races
// the dispatcher or when the caller already holds the message from a REST
// response and marked it seen. Seen ids are kept in a bounded FIFO so memory
// stays flat on long-lived connections.
type router struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order *list.List
	cap   int
}

func newRouter(capacity int) *router {
	return &router{
		seen:  make(map[string]struct{}, capacity),
		order: list.New(),
		cap:   capacity,
	}
}

// admit records a message id and reports whether it is new. Ids without a
// value are admitted unconditionally; there is nothing to dedup on.
func (r *router) admit(messageID string) bool {
	if messageID == "" {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[messageID]; dup {
		return false
	}
	r.seen[messageID] = struct{}{}
	r.order.PushBack(messageID)
	for r.order.Len() > r.cap {
		oldest := r.order.Remove(r.order.Front()).(string)
		delete(r.seen, oldest)
	}
	return true
}

func (r *router) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = make(map[string]struct{}, r.cap)
	r.order.Init()
}
