package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
)

// Conversation is one participant's view of a direct message conversation.
// Each conversation stores one record per participant so the "other user"
// fields and unread previews stay per-viewer.
type Conversation struct {
	ID                 string `json:"id"`
	OtherUserID        string `json:"other_user_id"`
	OtherUsername      string `json:"other_username"`
	UpdatedAt          int64  `json:"updated_at"`
	LastMessagePreview string `json:"last_message_preview,omitempty"`
	CreatedAt          int64  `json:"created_at"`
}

func convoKey(conversationID, userID string) []byte {
	return []byte(convoKeyPrefix + conversationID + ":" + userID)
}

func userConvoKey(userID, conversationID string) []byte {
	return []byte(userConvoKeyPrefix + userID + ":" + conversationID)
}

// UpsertConversation writes one participant's conversation record, both
// under the conversation key and under the per-user listing index.
func (s *Store) UpsertConversation(userID string, convo Conversation) error {
	data, err := json.Marshal(convo)
	if err != nil {
		return fmt.Errorf("store: encode conversation %s: %w", convo.ID, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(convoKey(convo.ID, userID), data, nil); err != nil {
		return fmt.Errorf("store: upsert conversation %s: %w", convo.ID, err)
	}
	if err := batch.Set(userConvoKey(userID, convo.ID), data, nil); err != nil {
		return fmt.Errorf("store: upsert conversation %s: %w", convo.ID, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store: upsert conversation %s: %w", convo.ID, err)
	}
	return nil
}

// GetConversation returns one participant's record for a conversation.
func (s *Store) GetConversation(conversationID, userID string) (Conversation, bool, error) {
	value, closer, err := s.db.Get(convoKey(conversationID, userID))
	if errors.Is(err, pebble.ErrNotFound) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, fmt.Errorf("store: get conversation %s: %w", conversationID, err)
	}
	defer closer.Close()

	var convo Conversation
	if err := json.Unmarshal(value, &convo); err != nil {
		return Conversation{}, false, fmt.Errorf("store: decode conversation %s: %w", conversationID, err)
	}
	return convo, true, nil
}

// ListConversations returns all conversations the user participates in,
// most recently updated first.
func (s *Store) ListConversations(userID string) ([]Conversation, error) {
	prefix := []byte(userConvoKeyPrefix + userID + ":")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("store: list conversations for %s: %w", userID, err)
	}
	defer iter.Close()

	var conversations []Conversation
	for iter.First(); iter.Valid(); iter.Next() {
		var convo Conversation
		if err := json.Unmarshal(iter.Value(), &convo); err != nil {
			s.log.Error().Str("key", string(iter.Key())).Err(err).Msg("skipping undecodable conversation")
			continue
		}
		conversations = append(conversations, convo)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: list conversations for %s: %w", userID, err)
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt > conversations[j].UpdatedAt
	})
	return conversations, nil
}

// TouchConversation updates a participant's record after a new message:
// bumps updated_at and replaces the preview. Missing records are ignored;
// the conversation may have been created by the other participant only.
func (s *Store) TouchConversation(conversationID, userID string, updatedAt int64, preview string) error {
	convo, found, err := s.GetConversation(conversationID, userID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	convo.UpdatedAt = updatedAt
	convo.LastMessagePreview = preview
	return s.UpsertConversation(userID, convo)
}
