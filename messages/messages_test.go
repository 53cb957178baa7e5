package messages

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFillsHeader(t *testing.T) {
	msg, err := New("sess_1", TypeExecuteRequest, "sess", "alice", ChannelShell, ExecuteRequest{Code: "1+1"})
	require.NoError(t, err)

	assert.Equal(t, "sess_1", msg.Header.MsgID)
	assert.Equal(t, TypeExecuteRequest, msg.Header.MsgType)
	assert.Equal(t, "alice", msg.Header.Username)
	assert.Equal(t, "sess", msg.Header.Session)
	assert.Equal(t, ProtocolVersion, msg.Header.Version)
	assert.NotEmpty(t, msg.Header.Date)
	assert.Equal(t, ChannelShell, msg.Channel)
	assert.Empty(t, msg.ParentID())

	var req ExecuteRequest
	require.NoError(t, msg.DecodeContent(&req))
	assert.Equal(t, "1+1", req.Code)
}

func TestDecodeRoundTrip(t *testing.T) {
	msg, err := New("sess_2", TypeExecuteRequest, "sess", "alice", ChannelShell, ExecuteRequest{Code: "print(1)"})
	require.NoError(t, err)

	frame, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, msg.Header, decoded.Header)
	assert.Equal(t, msg.Channel, decoded.Channel)
}

func TestDecodeParentID(t *testing.T) {
	frame := []byte(`{
		"header": {"msg_id": "k1", "msg_type": "stream"},
		"parent_header": {"msg_id": "req1"},
		"content": {"name": "stdout", "text": "hi\n"},
		"channel": "iopub"
	}`)
	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "req1", msg.ParentID())
	assert.Equal(t, TypeStream, msg.Type())

	var s Stream
	require.NoError(t, msg.DecodeContent(&s))
	assert.Equal(t, "stdout", s.Name)
	assert.Equal(t, "hi\n", s.Text)
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"not json", `{"header": `},
		{"missing msg_id", `{"header": {"msg_type": "status"}, "channel": "iopub"}`},
		{"missing msg_type", `{"header": {"msg_id": "x"}, "channel": "iopub"}`},
		{"unknown channel", `{"header": {"msg_id": "x", "msg_type": "status"}, "channel": "sideband"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode([]byte(c.frame))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocolViolation))
		})
	}
}

func TestMimeBundlePassesThroughOpaque(t *testing.T) {
	frame := []byte(`{
		"header": {"msg_id": "k2", "msg_type": "execute_result"},
		"parent_header": {"msg_id": "req1"},
		"content": {"data": {"text/plain": "2", "text/html": "<b>2</b>"}, "metadata": {}, "execution_count": 1},
		"channel": "iopub"
	}`)
	msg, err := Decode(frame)
	require.NoError(t, err)

	var r ExecuteResult
	require.NoError(t, msg.DecodeContent(&r))
	assert.Equal(t, json.RawMessage(`"2"`), r.Data["text/plain"])
	assert.Equal(t, json.RawMessage(`"<b>2</b>"`), r.Data["text/html"])
	assert.Equal(t, 1, r.ExecutionCount)
}
