package kernelclient

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jupytergo/kernelclient/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(t *testing.T, parentID, msgType string, channel messages.Channel, content any) *messages.Message {
	t.Helper()
	msg, err := messages.New(uuid.NewString(), msgType, "kernel", "kernel", channel, content)
	require.NoError(t, err)
	msg.ParentHeader.MsgID = parentID
	return msg
}

func status(t *testing.T, parentID, state string) *messages.Message {
	return event(t, parentID, messages.TypeStatus, messages.ChannelIOPub, messages.Status{ExecutionState: state})
}

func stream(t *testing.T, parentID, name, text string) *messages.Message {
	return event(t, parentID, messages.TypeStream, messages.ChannelIOPub, messages.Stream{Name: name, Text: text})
}

func executeReply(t *testing.T, parentID string, reply messages.ExecuteReply) *messages.Message {
	return event(t, parentID, messages.TypeExecuteReply, messages.ChannelShell, reply)
}

func isDone(a *accumulator) bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func TestAccumulatorWaitsForBothTerminalSignals(t *testing.T) {
	// idle first, then reply
	a := newAccumulator()
	require.NoError(t, a.feedEvent(status(t, "r1", "busy")))
	require.NoError(t, a.feedEvent(status(t, "r1", "idle")))
	assert.False(t, isDone(a), "idle alone must not finalize")

	require.NoError(t, a.feedReply(executeReply(t, "r1", messages.ExecuteReply{Status: "ok", ExecutionCount: 3})))
	require.True(t, isDone(a))

	res, err := a.take()
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 3, res.ExecutionCount)

	// reply first, then idle
	b := newAccumulator()
	require.NoError(t, b.feedReply(executeReply(t, "r2", messages.ExecuteReply{Status: "ok", ExecutionCount: 3})))
	assert.False(t, isDone(b), "reply alone must not finalize")

	require.NoError(t, b.feedEvent(status(t, "r2", "idle")))
	require.True(t, isDone(b))

	res2, err := b.take()
	require.NoError(t, err)
	assert.Equal(t, res, res2)
}

func TestAccumulatorPreservesArrivalOrderAcrossKinds(t *testing.T) {
	a := newAccumulator()
	require.NoError(t, a.feedEvent(status(t, "r1", "busy")))
	require.NoError(t, a.feedEvent(stream(t, "r1", "stdout", "one\n")))
	require.NoError(t, a.feedEvent(event(t, "r1", messages.TypeExecuteResult, messages.ChannelIOPub, map[string]any{
		"data": map[string]any{"text/plain": "2"}, "metadata": map[string]any{}, "execution_count": 1,
	})))
	require.NoError(t, a.feedEvent(stream(t, "r1", "stderr", "warn\n")))
	require.NoError(t, a.feedEvent(status(t, "r1", "idle")))
	require.NoError(t, a.feedReply(executeReply(t, "r1", messages.ExecuteReply{Status: "ok", ExecutionCount: 1})))

	res, err := a.take()
	require.NoError(t, err)
	require.Len(t, res.Outputs, 3)
	assert.Equal(t, OutputStream, res.Outputs[0].Type)
	assert.Equal(t, "one\n", res.Outputs[0].Text)
	assert.Equal(t, OutputExecuteResult, res.Outputs[1].Type)
	assert.Equal(t, OutputStream, res.Outputs[2].Type)
	assert.Equal(t, "stderr", res.Outputs[2].Name)
}

func TestAccumulatorErrorReplyWithoutBroadcastError(t *testing.T) {
	a := newAccumulator()
	require.NoError(t, a.feedEvent(status(t, "r1", "busy")))
	require.NoError(t, a.feedEvent(status(t, "r1", "idle")))
	require.NoError(t, a.feedReply(executeReply(t, "r1", messages.ExecuteReply{
		Status:         "error",
		ExecutionCount: 2,
		EName:          "ValueError",
		EValue:         "boom",
		Traceback:      []string{"Traceback (most recent call last)", "ValueError: boom"},
	})))

	res, err := a.take()
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, OutputError, res.Outputs[0].Type)
	assert.Equal(t, "ValueError", res.Outputs[0].EName)
	assert.NotEmpty(t, res.Outputs[0].Traceback)

	execErr := res.Err()
	require.NotNil(t, execErr)
	assert.Equal(t, "ValueError", execErr.EName)
}

func TestAccumulatorErrorReplyWithBroadcastErrorDoesNotDuplicate(t *testing.T) {
	a := newAccumulator()
	require.NoError(t, a.feedEvent(event(t, "r1", messages.TypeError, messages.ChannelIOPub, messages.Error{
		EName: "ValueError", EValue: "boom", Traceback: []string{"ValueError: boom"},
	})))
	require.NoError(t, a.feedEvent(status(t, "r1", "idle")))
	require.NoError(t, a.feedReply(executeReply(t, "r1", messages.ExecuteReply{
		Status: "error", EName: "ValueError", EValue: "boom",
	})))

	res, err := a.take()
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
}

func TestAccumulatorAbortedReply(t *testing.T) {
	a := newAccumulator()
	require.NoError(t, a.feedEvent(stream(t, "r1", "stdout", "partial")))
	require.NoError(t, a.feedEvent(status(t, "r1", "idle")))
	require.NoError(t, a.feedReply(executeReply(t, "r1", messages.ExecuteReply{Status: "aborted"})))

	res, err := a.take()
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, res.Status)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, "partial", res.Outputs[0].Text)
}

func TestAccumulatorFailIsTerminalAndIdempotent(t *testing.T) {
	a := newAccumulator()
	a.fail(ErrTimeout)
	a.fail(ErrAborted) // no-op, no double close panic

	res, err := a.take()
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrTimeout))

	// late events after failure are ignored
	require.NoError(t, a.feedEvent(stream(t, "r1", "stdout", "late")))
	require.NoError(t, a.feedReply(executeReply(t, "r1", messages.ExecuteReply{Status: "ok"})))
	res, err = a.take()
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrTimeout))
}
