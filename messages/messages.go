package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the Jupyter messaging protocol version spoken by this client.
const ProtocolVersion = "5.3"

// Channel is a logical stream multiplexed within one websocket connection.
type Channel string

const (
	// ChannelShell carries request/reply pairs (execute_request, execute_reply, ...).
	ChannelShell Channel = "shell"
	// ChannelIOPub carries broadcast events (status, stream, execute_result, error, ...).
	ChannelIOPub Channel = "iopub"
	// ChannelStdin carries input prompts from the kernel and their replies.
	ChannelStdin Channel = "stdin"
	// ChannelControl carries out-of-band control requests.
	ChannelControl Channel = "control"
)

func (c Channel) valid() bool {
	switch c {
	case ChannelShell, ChannelIOPub, ChannelStdin, ChannelControl:
		return true
	}
	return false
}

type Header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	Version  string `json:"version"`
}

// Message is one envelope on the multiplexed stream. It is immutable once
// constructed; Content stays raw until decoded with DecodeContent.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      Channel         `json:"channel"`
	Buffers      []string        `json:"buffers,omitempty"`
}

// New constructs an outgoing message with a fresh header. The caller supplies
// the msg_id; ids must be unique for the lifetime of the connection.
func New(msgID, msgType, session, username string, channel Channel, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encoding %s content: %w", msgType, err)
	}
	return &Message{
		Header: Header{
			MsgID:    msgID,
			MsgType:  msgType,
			Username: username,
			Session:  session,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  raw,
		Channel:  channel,
	}, nil
}

// ParentID returns the msg_id of the request this message was caused by, or ""
// for spontaneous messages.
func (m *Message) ParentID() string {
	return m.ParentHeader.MsgID
}

// Type returns the message type from the header.
func (m *Message) Type() string {
	return m.Header.MsgType
}

// DecodeContent unmarshals the raw content payload into v.
func (m *Message) DecodeContent(v any) error {
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decoding %s content: %w", m.Header.MsgType, err)
	}
	return nil
}

// Decode parses a single wire frame into a Message, validating the envelope
// invariants. A frame that fails validation is a protocol violation and must
// be discarded by the caller, not fed to dispatch.
func Decode(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed frame: %s", err)}
	}
	if m.Header.MsgID == "" {
		return nil, &ProtocolError{Reason: "frame missing header msg_id"}
	}
	if m.Header.MsgType == "" {
		return nil, &ProtocolError{Reason: fmt.Sprintf("message %s missing msg_type", m.Header.MsgID)}
	}
	if !m.Channel.valid() {
		return nil, &ProtocolError{Reason: fmt.Sprintf("message %s on unknown channel %q", m.Header.MsgID, m.Channel)}
	}
	return &m, nil
}

// Encode serializes a message to its wire frame.
func Encode(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message %s: %w", m.Header.MsgID, err)
	}
	return b, nil
}
