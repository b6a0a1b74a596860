package transport

import "encoding/json"

// ByteArray marshals as a JSON array of numbers rather than base64, so the
// opaque payload field stays a plain numeric byte array on the wire.
type ByteArray []byte

// MarshalJSON renders b as a JSON array of small integers.
func (b ByteArray) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	if ints == nil {
		ints = []int{}
	}
	return json.Marshal(ints)
}

// UnmarshalJSON parses a JSON array of numbers back into bytes.
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Envelope is the event-oriented wire message exchanged over the
// WebSocket: a room name paired with an opaque payload, addressed by a
// named event (crdt:join / crdt:message / crdt:leave).
type Envelope struct {
	Event    string    `json:"event"`
	RoomName string    `json:"roomName,omitempty"`
	ClientID string    `json:"clientId,omitempty"`
	Payload  ByteArray `json:"payload,omitempty"`
}

const (
	eventJoin    = "crdt:join"
	eventMessage = "crdt:message"
	eventLeave   = "crdt:leave"
)
