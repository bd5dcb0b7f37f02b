package broker

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of an inbound client message. The router
// dispatches on Kind; the set of kinds is fixed when the Broker is built.
type Kind string

// Client → server kinds handled by the built-in router.
const (
	KindPing        Kind = "ping"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindBroadcast   Kind = "broadcast"
	KindUserMessage Kind = "user_message"
	KindGetStats    Kind = "get_stats"
)

// Server → client frame types owned by the broker.
const (
	FrameConnected     = "connected"
	FramePong          = "pong"
	FrameSubscribed    = "subscribed"
	FrameUnsubscribed  = "unsubscribed"
	FrameBroadcast     = "broadcast"
	FrameBroadcastSent = "broadcast_sent"
	FrameUserMessage   = "user_message"
	FrameMessageSent   = "message_sent"
	FrameForwarded     = "forwarded"
	FrameStats         = "stats"
	FrameError         = "error"
)

// Reserved envelope fields.
const (
	fieldType      = "type"
	fieldTimestamp = "timestamp"
	fieldRequestID = "request_id"
)

// Message is the JSON envelope exchanged in both directions. Every frame is
// an object with a required string "type"; all other fields are specific to
// that type and opaque to the broker.
//
// JSON example:
//
//	{"type":"subscribe","channels":["room1"],"request_id":"42"}
type Message map[string]any

// Decode parses a raw inbound frame. It returns ErrInvalidMessage (wrapped
// with the reason) when the frame is not a JSON object or lacks a type.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: frame must be a JSON object", ErrInvalidMessage)
	}
	if msg.Kind() == "" {
		return nil, fmt.Errorf("%w: missing \"type\" field", ErrInvalidMessage)
	}
	return msg, nil
}

// Kind returns the message type, or "" when absent or not a string.
func (m Message) Kind() Kind {
	return Kind(m.String(fieldType))
}

// RequestID returns the client-supplied correlation id, if any.
func (m Message) RequestID() string {
	return m.String(fieldRequestID)
}

// String returns the string value stored under key, or "".
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Strings returns the value under key as a list of non-empty strings. A bare
// string is treated as a one-element list; anything else yields nil.
func (m Message) Strings(key string) []string {
	switch v := m[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// clone returns a shallow copy so callers' maps are never mutated.
func (m Message) clone() Message {
	out := make(Message, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// stamp returns msg with a server timestamp, copying only when the field
// has to be added.
func stamp(msg Message, now time.Time) Message {
	if _, ok := msg[fieldTimestamp]; ok {
		return msg
	}
	out := msg.clone()
	out[fieldTimestamp] = now.UTC().Format(time.RFC3339Nano)
	return out
}

// errorMessage builds an "error" frame, echoing requestID when set.
func errorMessage(text, requestID string) Message {
	msg := Message{fieldType: FrameError, "error": text}
	if requestID != "" {
		msg[fieldRequestID] = requestID
	}
	return msg
}
