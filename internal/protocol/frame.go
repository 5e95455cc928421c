// Package protocol implements the channel wire frame: a duplex,
// frame-oriented protocol where every frame carries join_ref, ref, topic,
// event, and payload. V2 encodes frames as a five-element JSON array; V1 as a
// JSON object. Replies correlate by ref with event phx_reply.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol versions accepted on the join URL (?vsn=).
const (
	V1 = "1.0.0"
	V2 = "2.0.0"
)

// Reserved events.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventHeartbeat = "heartbeat"
)

// Channel events handled by the gateway.
const (
	EventPresenceUpdate    = "presence:update"
	EventPresenceRoster    = "presence:roster"
	EventActivityBroadcast = "activity:broadcast"
	EventMessageSend       = "message:send"
	EventMessageEscalate   = "message:escalate"
	EventMessageBroadcast  = "message:broadcast"
	EventThreadReply       = "thread:reply"
	EventSystemDrain       = "system:drain"

	EventFileList   = "file:list"
	EventFileGet    = "file:get"
	EventFilePut    = "file:put"
	EventFileDelete = "file:delete"
)

// HeartbeatTopic carries heartbeats, outside any fleet channel.
const HeartbeatTopic = "phoenix"

// Frame is one wire message in either direction.
type Frame struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is the phx_reply payload.
type Reply struct {
	Status   string                 `json:"status"` // "ok" | "error"
	Response map[string]interface{} `json:"response"`
}

// OK builds a success reply payload.
func OK(response map[string]interface{}) Reply {
	if response == nil {
		response = map[string]interface{}{}
	}
	return Reply{Status: "ok", Response: response}
}

// Error builds an error reply payload.
func Error(response map[string]interface{}) Reply {
	if response == nil {
		response = map[string]interface{}{}
	}
	return Reply{Status: "error", Response: response}
}

// EncodeV2 renders the five-element array form:
// [join_ref|null, ref|null, topic, event, payload].
func EncodeV2(f Frame) ([]byte, error) {
	arr := [5]interface{}{
		nullable(f.JoinRef),
		nullable(f.Ref),
		f.Topic,
		f.Event,
		payloadOrEmpty(f.Payload),
	}
	return json.Marshal(arr)
}

// DecodeV2 parses the array form.
func DecodeV2(data []byte) (Frame, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return Frame{}, fmt.Errorf("protocol: malformed v2 frame: %w", err)
	}
	if len(arr) != 5 {
		return Frame{}, fmt.Errorf("protocol: v2 frame has %d elements, want 5", len(arr))
	}
	var f Frame
	if err := decodeNullableString(arr[0], &f.JoinRef); err != nil {
		return Frame{}, fmt.Errorf("protocol: bad join_ref: %w", err)
	}
	if err := decodeNullableString(arr[1], &f.Ref); err != nil {
		return Frame{}, fmt.Errorf("protocol: bad ref: %w", err)
	}
	if err := json.Unmarshal(arr[2], &f.Topic); err != nil {
		return Frame{}, fmt.Errorf("protocol: bad topic: %w", err)
	}
	if err := json.Unmarshal(arr[3], &f.Event); err != nil {
		return Frame{}, fmt.Errorf("protocol: bad event: %w", err)
	}
	f.Payload = arr[4]
	return f, nil
}

// EncodeV1 renders the object form.
func EncodeV1(f Frame) ([]byte, error) {
	f.Payload = payloadOrEmptyRaw(f.Payload)
	return json.Marshal(f)
}

// DecodeV1 parses the object form.
func DecodeV1(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: malformed v1 frame: %w", err)
	}
	return f, nil
}

// Encode picks the codec for the negotiated version.
func Encode(vsn string, f Frame) ([]byte, error) {
	if vsn == V2 {
		return EncodeV2(f)
	}
	return EncodeV1(f)
}

// Decode picks the codec for the negotiated version. V2 frames start with
// '['; the object form is accepted for V1 clients.
func Decode(vsn string, data []byte) (Frame, error) {
	if vsn == V2 {
		return DecodeV2(data)
	}
	return DecodeV1(data)
}

// ReplyFrame builds the phx_reply for a request frame.
func ReplyFrame(req Frame, reply Reply) (Frame, error) {
	payload, err := json.Marshal(reply)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		JoinRef: req.JoinRef,
		Ref:     req.Ref,
		Topic:   req.Topic,
		Event:   EventReply,
		Payload: payload,
	}, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func decodeNullableString(raw json.RawMessage, out *string) error {
	if string(raw) == "null" {
		*out = ""
		return nil
	}
	return json.Unmarshal(raw, out)
}

func payloadOrEmpty(p json.RawMessage) interface{} {
	if len(p) == 0 {
		return map[string]interface{}{}
	}
	return p
}

func payloadOrEmptyRaw(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage(`{}`)
	}
	return p
}
