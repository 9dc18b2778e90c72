package protocol

import "encoding/json"

// Broadcast relay message types.
const (
	TypeRegister = "register" // claim ownership of a channel (last wins)
	TypeJoin     = "join"     // join a channel as a participant
	TypePublish  = "publish"  // forward data to other channel participants
	TypeAck      = "ack"      // relay response to register/join
)

// BroadcastMessage is the wire format on broadcast relay connections.
// Register and join carry a Token: an HMAC credential bound to the channel
// name, re-validated on every message that carries one. Publish is gated on
// a previously successful validation for the same connection and channel.
type BroadcastMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Token   string          `json:"token,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BroadcastAck is the relay's response to register and join messages.
type BroadcastAck struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}
