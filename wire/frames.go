// Package wire defines the push and control frame types exchanged between
// the fan-out layer and connected clients, and the event envelope handed to
// the dispatcher after a message is persisted.
package wire

import "encoding/json"

// Kind identifies the type of a pushed event. The values double as the wire
// "type" field of a push frame.
type Kind string

const (
	// KindNewChannelMessage is pushed when a message is posted to a channel.
	KindNewChannelMessage Kind = "new_message"
	// KindNewDirectMessage is pushed when a direct message is sent in a
	// conversation.
	KindNewDirectMessage Kind = "new_dm"
)

// Message is the payload carried by a push frame. Exactly one of ChannelID or
// ConversationID is set, depending on the event kind.
type Message struct {
	ID             string `json:"id"`
	ChannelID      string `json:"channel_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	AuthorID       string `json:"author_id"`
	AuthorUsername string `json:"author_username"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"created_at"`
}

// Topic returns the topic identifier the message belongs to: the channel for
// channel messages, the conversation for direct messages.
func (m Message) Topic() string {
	if m.ChannelID != "" {
		return m.ChannelID
	}
	return m.ConversationID
}

// Event is one persisted message tagged for fan-out. Produced exactly once
// per accepted message; never mutated after creation.
type Event struct {
	Kind    Kind
	Topic   string
	Message Message
}

// NewChannelMessage wraps a persisted channel message into an event.
func NewChannelMessage(msg Message) Event {
	return Event{Kind: KindNewChannelMessage, Topic: msg.ChannelID, Message: msg}
}

// NewDirectMessage wraps a persisted direct message into an event.
func NewDirectMessage(msg Message) Event {
	return Event{Kind: KindNewDirectMessage, Topic: msg.ConversationID, Message: msg}
}

// PushFrame is the server-to-client wire format: {"type": ..., "message": ...}.
type PushFrame struct {
	Type    Kind    `json:"type"`
	Message Message `json:"message"`
}

// Frame returns the wire representation of the event.
func (e Event) Frame() PushFrame {
	return PushFrame{Type: e.Kind, Message: e.Message}
}

// Encode serializes the event's push frame to JSON.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e.Frame())
}

// ParsePushFrame decodes an inbound push frame. Unknown "type" values are not
// an error here; the router drops frames it has no handler for.
func ParsePushFrame(data []byte) (PushFrame, error) {
	var frame PushFrame
	err := json.Unmarshal(data, &frame)
	return frame, err
}
