// Package directory is the persistent connection directory: the source of
// truth for which connections are online and which topics each one is
// subscribed to. All fan-out coordination state lives here; dispatcher and
// websocket handler invocations share nothing else.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when an operation references a connection that is
// not registered (never created, deregistered, or expired). This is a benign
// race from the caller's perspective; the client resolves it by
// re-subscribing on its next reconnect.
var ErrNotFound = errors.New("directory: connection not found")

const (
	connKeyPrefix = "conn:"
	subKeyPrefix  = "sub:"

	lockStripes = 64
)

type record struct {
	ConnectionID string   `json:"connection_id"`
	UserID       string   `json:"user_id"`
	Topics       []string `json:"topics"`
	ExpiresAt    int64    `json:"expires_at"`
	LastActive   int64    `json:"last_active"`
}

func (r *record) expired(now time.Time) bool {
	return r.ExpiresAt > 0 && r.ExpiresAt <= now.Unix()
}

func (r *record) hasTopic(topic string) bool {
	for _, t := range r.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Directory stores connection records in Pebble under `conn:<id>` keys, with
// `sub:<topic>:<id>` index entries for subscriber lookup. Mutations to one
// connection's record are serialized through striped locks so rapid
// subscribe/unsubscribe pairs cannot lose updates; operations on different
// connections proceed independently.
type Directory struct {
	db  *pebble.DB
	ttl time.Duration
	log zerolog.Logger
	now func() time.Time

	locks [lockStripes]sync.Mutex
}

// New creates a Directory on the given Pebble database. Records expire ttl
// after their last subscribe activity.
func New(db *pebble.DB, ttl time.Duration, log zerolog.Logger) *Directory {
	return &Directory{
		db:  db,
		ttl: ttl,
		log: log.With().Str("component", "directory").Logger(),
		now: time.Now,
	}
}

func (d *Directory) lockFor(connID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(connID))
	return &d.locks[h.Sum32()%lockStripes]
}

func connKey(connID string) []byte {
	return []byte(connKeyPrefix + connID)
}

func subKey(topic, connID string) []byte {
	return []byte(subKeyPrefix + topic + ":" + connID)
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

func (d *Directory) getRecord(connID string) (record, bool, error) {
	value, closer, err := d.db.Get(connKey(connID))
	if errors.Is(err, pebble.ErrNotFound) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, fmt.Errorf("directory: get %s: %w", connID, err)
	}
	defer closer.Close()

	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return record{}, false, fmt.Errorf("directory: decode %s: %w", connID, err)
	}
	return rec, true, nil
}

func (d *Directory) putRecord(batch *pebble.Batch, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("directory: encode %s: %w", rec.ConnectionID, err)
	}
	return batch.Set(connKey(rec.ConnectionID), data, nil)
}

// Register creates a connection record with an empty subscription set.
// Registering an identifier that is still present overwrites it, dropping
// any subscriptions the previous record carried.
func (d *Directory) Register(connID, userID string) error {
	mu := d.lockFor(connID)
	mu.Lock()
	defer mu.Unlock()

	batch := d.db.NewBatch()
	defer batch.Close()

	existing, found, err := d.getRecord(connID)
	if err != nil {
		return err
	}
	if found {
		for _, topic := range existing.Topics {
			if err := batch.Delete(subKey(topic, connID), nil); err != nil {
				return fmt.Errorf("directory: register %s: %w", connID, err)
			}
		}
	}

	now := d.now()
	rec := record{
		ConnectionID: connID,
		UserID:       userID,
		ExpiresAt:    now.Add(d.ttl).Unix(),
		LastActive:   now.Unix(),
	}
	if err := d.putRecord(batch, rec); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("directory: register %s: %w", connID, err)
	}

	d.log.Debug().Str("connection_id", connID).Str("user_id", userID).Msg("connection registered")
	return nil
}

// Subscribe adds a topic to the connection's subscription set and refreshes
// its TTL. Adding a topic that is already present leaves the set unchanged.
// Returns ErrNotFound when the connection is not registered.
func (d *Directory) Subscribe(connID, topic string) error {
	mu := d.lockFor(connID)
	mu.Lock()
	defer mu.Unlock()

	rec, found, err := d.getRecord(connID)
	if err != nil {
		return err
	}
	now := d.now()
	if !found || rec.expired(now) {
		return ErrNotFound
	}

	if !rec.hasTopic(topic) {
		rec.Topics = append(rec.Topics, topic)
	}
	rec.ExpiresAt = now.Add(d.ttl).Unix()
	rec.LastActive = now.Unix()

	batch := d.db.NewBatch()
	defer batch.Close()
	if err := d.putRecord(batch, rec); err != nil {
		return err
	}
	if err := batch.Set(subKey(topic, connID), []byte(rec.UserID), nil); err != nil {
		return fmt.Errorf("directory: subscribe %s: %w", connID, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("directory: subscribe %s: %w", connID, err)
	}
	return nil
}

// Unsubscribe removes a topic from the connection's subscription set; it is
// a no-op when the topic is absent. Returns ErrNotFound when the connection
// is not registered.
func (d *Directory) Unsubscribe(connID, topic string) error {
	mu := d.lockFor(connID)
	mu.Lock()
	defer mu.Unlock()

	rec, found, err := d.getRecord(connID)
	if err != nil {
		return err
	}
	now := d.now()
	if !found || rec.expired(now) {
		return ErrNotFound
	}

	if rec.hasTopic(topic) {
		kept := rec.Topics[:0]
		for _, t := range rec.Topics {
			if t != topic {
				kept = append(kept, t)
			}
		}
		rec.Topics = kept
	}
	rec.LastActive = now.Unix()

	batch := d.db.NewBatch()
	defer batch.Close()
	if err := d.putRecord(batch, rec); err != nil {
		return err
	}
	if err := batch.Delete(subKey(topic, connID), nil); err != nil {
		return fmt.Errorf("directory: unsubscribe %s: %w", connID, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("directory: unsubscribe %s: %w", connID, err)
	}
	return nil
}

// SubscribersOf returns the identifiers of all live connections subscribed
// to the topic. Expired records are filtered out even before the janitor
// removes them.
func (d *Directory) SubscribersOf(topic string) ([]string, error) {
	prefix := []byte(subKeyPrefix + topic + ":")
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("directory: subscribers of %s: %w", topic, err)
	}
	defer iter.Close()

	now := d.now()
	var subscribers []string
	for iter.First(); iter.Valid(); iter.Next() {
		connID := string(iter.Key()[len(prefix):])
		rec, found, err := d.getRecord(connID)
		if err != nil {
			return nil, err
		}
		if !found || rec.expired(now) || !rec.hasTopic(topic) {
			continue
		}
		subscribers = append(subscribers, connID)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("directory: subscribers of %s: %w", topic, err)
	}
	return subscribers, nil
}

// Deregister removes the connection record and all of its subscription index
// entries in one batch, so a SubscribersOf read after Deregister returns
// never sees the connection. Deregistering an unknown identifier is a no-op.
func (d *Directory) Deregister(connID string) error {
	mu := d.lockFor(connID)
	mu.Lock()
	defer mu.Unlock()

	rec, found, err := d.getRecord(connID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	batch := d.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(connKey(connID), nil); err != nil {
		return fmt.Errorf("directory: deregister %s: %w", connID, err)
	}
	for _, topic := range rec.Topics {
		if err := batch.Delete(subKey(topic, connID), nil); err != nil {
			return fmt.Errorf("directory: deregister %s: %w", connID, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("directory: deregister %s: %w", connID, err)
	}

	d.log.Debug().Str("connection_id", connID).Msg("connection deregistered")
	return nil
}
