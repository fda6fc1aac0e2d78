package wire

import "encoding/json"

// Control frame actions accepted over an open websocket connection.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ControlFrame is the client-to-server wire format for subscription changes.
// The channel_id field carries both channel and conversation topics; a single
// subscription mechanism serves both.
type ControlFrame struct {
	Action    string `json:"action"`
	ChannelID string `json:"channel_id"`
}

// ParseControlFrame decodes an inbound control frame.
func ParseControlFrame(data []byte) (ControlFrame, error) {
	var frame ControlFrame
	err := json.Unmarshal(data, &frame)
	return frame, err
}

// ControlAck is the server's reply to a processed control frame.
type ControlAck struct {
	Status    string `json:"status"`
	ChannelID string `json:"channel_id"`
}
