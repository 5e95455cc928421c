package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeV2_ArrayForm(t *testing.T) {
	f := Frame{
		JoinRef: "1",
		Ref:     "42",
		Topic:   "fleet:F1",
		Event:   EventJoin,
		Payload: json.RawMessage(`{"name":"edge-7"}`),
	}
	data, err := EncodeV2(f)
	require.NoError(t, err)
	assert.JSONEq(t, `["1","42","fleet:F1","phx_join",{"name":"edge-7"}]`, string(data))

	// Empty refs encode as null.
	data, err = EncodeV2(Frame{Topic: "phoenix", Event: EventHeartbeat})
	require.NoError(t, err)
	assert.JSONEq(t, `[null,null,"phoenix","heartbeat",{}]`, string(data))
}

func TestDecodeV2_RoundTrip(t *testing.T) {
	in := Frame{JoinRef: "1", Ref: "7", Topic: "fleet:F1", Event: EventMessageSend,
		Payload: json.RawMessage(`{"to":"ag_b"}`)}
	data, err := EncodeV2(in)
	require.NoError(t, err)

	out, err := DecodeV2(data)
	require.NoError(t, err)
	assert.Equal(t, in.JoinRef, out.JoinRef)
	assert.Equal(t, in.Ref, out.Ref)
	assert.Equal(t, in.Topic, out.Topic)
	assert.Equal(t, in.Event, out.Event)
	assert.JSONEq(t, string(in.Payload), string(out.Payload))

	// Nulls decode to empty strings.
	out, err = DecodeV2([]byte(`[null,null,"phoenix","heartbeat",{}]`))
	require.NoError(t, err)
	assert.Empty(t, out.JoinRef)
	assert.Empty(t, out.Ref)
}

func TestDecodeV2_Malformed(t *testing.T) {
	_, err := DecodeV2([]byte(`{"topic":"x"}`))
	assert.Error(t, err)
	_, err = DecodeV2([]byte(`["1","2","topic","event"]`))
	assert.Error(t, err)
	_, err = DecodeV2([]byte(`[1,2,3,4,5]`))
	assert.Error(t, err)
}

func TestV1_ObjectForm(t *testing.T) {
	in := Frame{Ref: "3", Topic: "fleet:F1", Event: EventLeave}
	data, err := EncodeV1(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ref":"3","topic":"fleet:F1","event":"phx_leave","payload":{}}`, string(data))

	out, err := DecodeV1(data)
	require.NoError(t, err)
	assert.Equal(t, in.Ref, out.Ref)
	assert.Equal(t, in.Topic, out.Topic)
}

func TestReplyFrame_CorrelatesByRef(t *testing.T) {
	req := Frame{JoinRef: "1", Ref: "9", Topic: "fleet:F1", Event: EventMessageSend}
	reply, err := ReplyFrame(req, OK(map[string]interface{}{"message_id": "msg_x", "status": "queued"}))
	require.NoError(t, err)
	assert.Equal(t, "9", reply.Ref)
	assert.Equal(t, "1", reply.JoinRef)
	assert.Equal(t, EventReply, reply.Event)

	var body Reply
	require.NoError(t, json.Unmarshal(reply.Payload, &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "queued", body.Response["status"])
}

func TestErrorReply(t *testing.T) {
	reply := Error(map[string]interface{}{"error": "denied", "reason": "nope"})
	assert.Equal(t, "error", reply.Status)

	// Version dispatch.
	f := Frame{Topic: "t", Event: "e"}
	v2, err := Encode(V2, f)
	require.NoError(t, err)
	assert.Equal(t, byte('['), v2[0])
	v1, err := Encode(V1, f)
	require.NoError(t, err)
	assert.Equal(t, byte('{'), v1[0])
}
