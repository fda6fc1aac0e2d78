// Package store persists chat messages and conversation records in Pebble.
// Messages are keyed by topic with a sortable timestamp suffix so history
// reads are ordered range scans.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	"github.com/NTitterton/agorusta/wire"
)

const (
	msgKeyPrefix       = "msg:"
	convoKeyPrefix     = "convo:"
	userConvoKeyPrefix = "uconvo:"

	maxPageSize = 100
)

// Store wraps the Pebble database with the chat key schema.
type Store struct {
	db  *pebble.DB
	log zerolog.Logger

	// seq disambiguates keys for messages sharing a timestamp.
	seq uint64
}

// New creates a Store on the given Pebble database.
func New(db *pebble.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}
}

func msgKey(topic string, createdAt int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d-%06d", msgKeyPrefix, topic, createdAt, seq))
}

// SaveMessage appends a message under its topic. The caller has already
// assigned the message id and created_at timestamp.
func (s *Store) SaveMessage(msg wire.Message) error {
	topic := msg.Topic()
	if topic == "" {
		return errors.New("store: message has no topic")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: encode message %s: %w", msg.ID, err)
	}

	key := msgKey(topic, msg.CreatedAt, atomic.AddUint64(&s.seq, 1))
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("store: save message %s: %w", msg.ID, err)
	}

	s.log.Debug().Str("topic", topic).Str("message_id", msg.ID).Msg("message saved")
	return nil
}

// MessagesPage is one page of history, newest first.
type MessagesPage struct {
	Messages   []wire.Message `json:"messages"`
	HasMore    bool           `json:"has_more"`
	NextCursor *int64         `json:"next_cursor"`
}

// ListMessages returns up to limit messages for a topic, newest first.
// When before is nonzero only messages with created_at strictly earlier are
// returned; the page's NextCursor feeds the next call. The limit is clamped
// to 1..100.
func (s *Store) ListMessages(topic string, limit int, before int64) (MessagesPage, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	prefix := []byte(msgKeyPrefix + topic + ":")
	upper := keyUpperBound(prefix)
	if before > 0 {
		// Keys for created_at == before sort after this bound, so the scan
		// stops strictly earlier.
		upper = []byte(fmt.Sprintf("%s%s:%020d", msgKeyPrefix, topic, before))
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return MessagesPage{}, fmt.Errorf("store: list %s: %w", topic, err)
	}
	defer iter.Close()

	page := MessagesPage{}
	for ok := iter.Last(); ok && len(page.Messages) <= limit; ok = iter.Prev() {
		var msg wire.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			s.log.Error().Str("key", string(iter.Key())).Err(err).Msg("skipping undecodable message")
			continue
		}
		page.Messages = append(page.Messages, msg)
	}
	if err := iter.Error(); err != nil {
		return MessagesPage{}, fmt.Errorf("store: list %s: %w", topic, err)
	}

	if len(page.Messages) > limit {
		page.Messages = page.Messages[:limit]
		page.HasMore = true
		cursor := page.Messages[len(page.Messages)-1].CreatedAt
		page.NextCursor = &cursor
	}
	return page, nil
}

// keyUpperBound returns the exclusive upper bound for a prefix iteration.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
