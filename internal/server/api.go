package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/NTitterton/agorusta/internal/auth"
	"github.com/NTitterton/agorusta/internal/store"
	"github.com/NTitterton/agorusta/internal/topic"
	"github.com/NTitterton/agorusta/wire"
)

const (
	maxContentLength = 2000
	previewLength    = 50
	defaultPageSize  = 50
)

type identityKey struct{}

// requireAuth resolves the caller identity from the Authorization bearer
// token and stashes it in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, _ := strings.CutPrefix(header, "Bearer ")
		identity, err := s.verifier.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func callerIdentity(r *http.Request) auth.Identity {
	identity, _ := r.Context().Value(identityKey{}).(auth.Identity)
	return identity
}

type createMessageRequest struct {
	Content string `json:"content"`
}

// handleCreateMessage persists a channel message and hands it to the
// dispatcher. Fan-out failures never affect the response; the message is
// durable regardless of delivery.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	identity := callerIdentity(r)
	channelID := mux.Vars(r)["channelID"]

	content, ok := s.readContent(w, r)
	if !ok {
		return
	}

	msg := wire.Message{
		ID:             uuid.NewString(),
		ChannelID:      channelID,
		AuthorID:       identity.UserID,
		AuthorUsername: identity.Username,
		Content:        content,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := s.store.SaveMessage(msg); err != nil {
		s.log.Error().Str("channel_id", channelID).Err(err).Msg("saving message")
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	if err := s.dispatcher.Dispatch(r.Context(), wire.NewChannelMessage(msg)); err != nil {
		s.log.Error().Str("channel_id", channelID).Err(err).Msg("dispatching message")
	}

	writeJSON(w, http.StatusCreated, msg)
}

// handleListMessages serves paginated channel history, newest first. This is
// the catch-up read a client performs after regaining its push connection.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["channelID"]
	limit, before := pageParams(r)

	page, err := s.store.ListMessages(channelID, limit, before)
	if err != nil {
		s.log.Error().Str("channel_id", channelID).Err(err).Msg("listing messages")
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type startConversationRequest struct {
	RecipientID       string `json:"recipient_id"`
	RecipientUsername string `json:"recipient_username"`
}

// handleStartConversation creates (or returns) the conversation between the
// caller and a recipient. The identifier is deterministic, so repeated calls
// from either side converge on the same conversation.
func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	identity := callerIdentity(r)

	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecipientID == "" {
		writeError(w, http.StatusBadRequest, "recipient_id required")
		return
	}
	if req.RecipientID == identity.UserID {
		writeError(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}

	conversationID := topic.ForConversation(identity.UserID, req.RecipientID)
	if existing, found, err := s.store.GetConversation(conversationID, identity.UserID); err != nil {
		s.log.Error().Str("conversation_id", conversationID).Err(err).Msg("loading conversation")
		writeError(w, http.StatusInternalServerError, "failed to start conversation")
		return
	} else if found {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	now := time.Now().UnixMilli()
	mine := store.Conversation{
		ID:            conversationID,
		OtherUserID:   req.RecipientID,
		OtherUsername: req.RecipientUsername,
		UpdatedAt:     now,
		CreatedAt:     now,
	}
	theirs := store.Conversation{
		ID:            conversationID,
		OtherUserID:   identity.UserID,
		OtherUsername: identity.Username,
		UpdatedAt:     now,
		CreatedAt:     now,
	}
	if err := s.store.UpsertConversation(identity.UserID, mine); err != nil {
		s.log.Error().Str("conversation_id", conversationID).Err(err).Msg("creating conversation")
		writeError(w, http.StatusInternalServerError, "failed to start conversation")
		return
	}
	if err := s.store.UpsertConversation(req.RecipientID, theirs); err != nil {
		s.log.Error().Str("conversation_id", conversationID).Err(err).Msg("creating conversation")
		writeError(w, http.StatusInternalServerError, "failed to start conversation")
		return
	}

	writeJSON(w, http.StatusCreated, mine)
}

// handleListConversations lists the caller's conversations, most recently
// active first.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity := callerIdentity(r)
	conversations, err := s.store.ListConversations(identity.UserID)
	if err != nil {
		s.log.Error().Str("user_id", identity.UserID).Err(err).Msg("listing conversations")
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if conversations == nil {
		conversations = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

// handleSendDirectMessage persists a direct message, refreshes both
// participants' conversation records, and dispatches the push event.
func (s *Server) handleSendDirectMessage(w http.ResponseWriter, r *http.Request) {
	identity := callerIdentity(r)
	conversationID := mux.Vars(r)["conversationID"]

	if !topic.IsParticipant(conversationID, identity.UserID) {
		writeError(w, http.StatusForbidden, "you are not a participant in this conversation")
		return
	}

	content, ok := s.readContent(w, r)
	if !ok {
		return
	}

	now := time.Now().UnixMilli()
	msg := wire.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		AuthorID:       identity.UserID,
		AuthorUsername: identity.Username,
		Content:        content,
		CreatedAt:      now,
	}
	if err := s.store.SaveMessage(msg); err != nil {
		s.log.Error().Str("conversation_id", conversationID).Err(err).Msg("saving direct message")
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	preview := content
	if len(preview) > previewLength {
		preview = preview[:previewLength-3] + "..."
	}
	first, second, _ := topic.ConversationParticipants(conversationID)
	for _, participant := range []string{first, second} {
		if err := s.store.TouchConversation(conversationID, participant, now, preview); err != nil {
			s.log.Error().Str("conversation_id", conversationID).Str("user_id", participant).Err(err).Msg("touching conversation")
		}
	}

	if err := s.dispatcher.Dispatch(r.Context(), wire.NewDirectMessage(msg)); err != nil {
		s.log.Error().Str("conversation_id", conversationID).Err(err).Msg("dispatching direct message")
	}

	writeJSON(w, http.StatusCreated, msg)
}

// handleListDirectMessages serves paginated conversation history.
func (s *Server) handleListDirectMessages(w http.ResponseWriter, r *http.Request) {
	identity := callerIdentity(r)
	conversationID := mux.Vars(r)["conversationID"]

	if !topic.IsParticipant(conversationID, identity.UserID) {
		writeError(w, http.StatusForbidden, "you are not a participant in this conversation")
		return
	}

	limit, before := pageParams(r)
	page, err := s.store.ListMessages(conversationID, limit, before)
	if err != nil {
		s.log.Error().Str("conversation_id", conversationID).Err(err).Msg("listing direct messages")
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// readContent decodes and validates a message body, writing the error
// response itself when validation fails.
func (s *Server) readContent(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return "", false
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "message content cannot be empty")
		return "", false
	}
	if len(content) > maxContentLength {
		writeError(w, http.StatusBadRequest, "message content cannot exceed 2000 characters")
		return "", false
	}
	return content, true
}

func pageParams(r *http.Request) (int, int64) {
	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			before = parsed
		}
	}
	return limit, before
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
