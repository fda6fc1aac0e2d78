package client

import (
	"sort"
	"sync"

	"github.com/NTitterton/agorusta/wire"
)

// Handler receives one pushed message for a topic the caller subscribed to.
// Handlers run on the read loop goroutine; blocking in one stalls delivery.
type Handler func(kind wire.Kind, msg wire.Message)

// Subscribe registers a handler for a topic and returns a function that
// removes it again. The first handler for a topic sends a subscribe frame to
// the server (when the connection is open); removing the last one sends an
// unsubscribe. Subscribing while disconnected is fine: the frame goes out
// when the next connection opens.
func (c *Client) Subscribe(topic string, handler Handler) (unsubscribe func(), err error) {
	if topic == "" {
		return nil, errEmptyTopic
	}

	id, first := c.subs.add(topic, handler)
	if first {
		if err := c.controlIfOpen(wire.ActionSubscribe, topic); err != nil {
			c.subs.remove(topic, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if last := c.subs.remove(topic, id); last {
				if err := c.controlIfOpen(wire.ActionUnsubscribe, topic); err != nil {
					c.log.Warn().Str("topic", topic).Err(err).Msg("unsubscribe frame failed")
				}
			}
		})
	}, nil
}

// controlIfOpen sends a control frame on the current connection, or does
// nothing when there is none; pending subscriptions replay on reconnect.
func (c *Client) controlIfOpen(action, topic string) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || ws == nil {
		return nil
	}
	return c.writeControl(ws, action, topic)
}

// subscriptionSet tracks the topics the caller cares about and their
// handlers. It outlives individual connections: on reconnect the client
// replays one subscribe frame per topic held here.
type subscriptionSet struct {
	mu       sync.Mutex
	handlers map[string]map[int]Handler
	nextID   int
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{handlers: make(map[string]map[int]Handler)}
}

// add registers a handler and reports whether it is the first for its topic.
// The returned id feeds remove.
func (s *subscriptionSet) add(topic string, handler Handler) (id int, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.handlers[topic]
	if !ok {
		byID = make(map[int]Handler)
		s.handlers[topic] = byID
	}
	s.nextID++
	byID[s.nextID] = handler
	return s.nextID, !ok
}

// remove drops a handler and reports whether the topic is now empty.
func (s *subscriptionSet) remove(topic string, id int) (last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.handlers[topic]
	if !ok {
		return false
	}
	if _, ok := byID[id]; !ok {
		return false
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(s.handlers, topic)
		return true
	}
	return false
}

// handlersFor snapshots the handlers for a topic so delivery runs outside
// the lock.
func (s *subscriptionSet) handlersFor(topic string) []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.handlers[topic]
	if len(byID) == 0 {
		return nil
	}
	out := make([]Handler, 0, len(byID))
	for _, handler := range byID {
		out = append(out, handler)
	}
	return out
}

// topics returns the subscribed topics in a stable order.
func (s *subscriptionSet) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.handlers))
	for topic := range s.handlers {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (s *subscriptionSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = make(map[string]map[int]Handler)
}
