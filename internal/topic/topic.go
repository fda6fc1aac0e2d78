// Package topic derives the logical identifiers that connections subscribe
// to: channel topics minted at channel creation, and deterministic
// conversation topics for direct messages.
package topic

import (
	"strings"

	"github.com/google/uuid"
)

const conversationSeparator = "_"

// NewChannelTopic mints a globally unique channel topic identifier.
func NewChannelTopic() string {
	return uuid.NewString()
}

// ForConversation returns the deterministic topic identifier for the direct
// message conversation between two users. The pair is ordered
// lexicographically before joining, so both participants derive the same
// identifier without a lookup.
func ForConversation(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + conversationSeparator + userB
}

// ConversationParticipants splits a conversation topic back into its two
// participant identifiers. The second return value is false when the topic is
// not a conversation identifier.
func ConversationParticipants(conversationID string) (string, string, bool) {
	first, second, found := strings.Cut(conversationID, conversationSeparator)
	if !found || first == "" || second == "" {
		return "", "", false
	}
	return first, second, true
}

// IsParticipant reports whether userID is one of the two participants encoded
// in the conversation topic.
func IsParticipant(conversationID, userID string) bool {
	first, second, ok := ConversationParticipants(conversationID)
	if !ok {
		return false
	}
	return userID == first || userID == second
}
