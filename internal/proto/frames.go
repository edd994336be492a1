// Package proto defines the two wire frame shapes exchanged between
// peers: the introduction sent once on every freshly opened channel, and
// the chat message frame. Pure codec, no I/O beyond the length-prefixed
// envelope helpers.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	MsgTypeIntroduction = "introduction"
	MsgTypeMessage      = "message"

	// MaxAttachmentBytes is the sender-side attachment policy. Receivers
	// accept whatever the frame cap admits and do not re-validate size.
	MaxAttachmentBytes = 10 << 20

	MaxIntroductionSize = 4 << 10
	MaxMessageSize      = MaxFrameSize
)

var (
	// ErrUnknownType marks a frame whose type tag is not one of the two
	// known shapes. Callers drop the frame and keep the connection open.
	ErrUnknownType = errors.New("unknown frame type")

	// ErrBadFrame marks a known frame type missing required fields.
	// Fail-soft: the frame is dropped, the session continues.
	ErrBadFrame = errors.New("malformed frame")
)

// Frame is one of Introduction or ChatFrame.
type Frame interface {
	frameType() string
}

// Introduction binds the sender's transient channel address to its
// durable username. Sent exactly once per side, immediately after a
// channel opens. No acknowledgment exists.
type Introduction struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Address  string `json:"address"`
}

func (Introduction) frameType() string { return MsgTypeIntroduction }

// Attachment carries a file inline, payload encoded as a base64 data URI.
type Attachment struct {
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
	Payload   string `json:"payload"`
}

// ChatFrame carries one message. The recipient is implicit (the local
// identity) and the conversation key derives from From.
type ChatFrame struct {
	Type       string      `json:"type"`
	From       string      `json:"from"`
	Content    string      `json:"content"`
	Timestamp  string      `json:"timestamp"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

func (ChatFrame) frameType() string { return MsgTypeMessage }

// Validate applies the sender-side policy before transmission.
func (f ChatFrame) Validate() error {
	if f.From == "" {
		return fmt.Errorf("%w: missing from", ErrBadFrame)
	}
	if f.Timestamp == "" {
		return fmt.Errorf("%w: missing timestamp", ErrBadFrame)
	}
	if _, err := time.Parse(time.RFC3339, f.Timestamp); err != nil {
		return fmt.Errorf("%w: bad timestamp: %v", ErrBadFrame, err)
	}
	if f.Attachment != nil && f.Attachment.SizeBytes > MaxAttachmentBytes {
		return fmt.Errorf("%w: attachment exceeds %d bytes", ErrBadFrame, MaxAttachmentBytes)
	}
	return nil
}

func EncodeIntroduction(m Introduction) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeIntroduction
	}
	if m.Username == "" || m.Address == "" {
		return nil, fmt.Errorf("%w: incomplete introduction", ErrBadFrame)
	}
	return json.Marshal(m)
}

func EncodeChatFrame(m ChatFrame) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeMessage
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses one frame payload and matches exhaustively on the type
// tag, so a new frame shape is a compile-time-visible change here.
func Decode(data []byte) (Frame, error) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if max := MaxSizeForType(hdr.Type); max > 0 && len(data) > max {
		return nil, fmt.Errorf("%w: payload too large for type %s", ErrBadFrame, hdr.Type)
	}
	switch hdr.Type {
	case MsgTypeIntroduction:
		var m Introduction
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		if m.Username == "" || m.Address == "" {
			return nil, fmt.Errorf("%w: incomplete introduction", ErrBadFrame)
		}
		return m, nil
	case MsgTypeMessage:
		var m ChatFrame
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		if m.From == "" || m.Timestamp == "" {
			return nil, fmt.Errorf("%w: incomplete message", ErrBadFrame)
		}
		if m.Attachment != nil {
			a := m.Attachment
			if a.Name == "" || a.Payload == "" {
				return nil, fmt.Errorf("%w: incomplete attachment", ErrBadFrame)
			}
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, hdr.Type)
	}
}

// MaxSizeForType returns the per-type payload cap, 0 when unknown.
func MaxSizeForType(t string) int {
	switch t {
	case MsgTypeIntroduction:
		return MaxIntroductionSize
	case MsgTypeMessage:
		return MaxMessageSize
	default:
		return 0
	}
}
