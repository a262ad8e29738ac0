package bus

import (
	"context"
	"errors"
	"fmt"
)

// ContextType tags what kind of payload an inbound message carries.
type ContextType string

const (
	ContextText        ContextType = "TEXT"
	ContextImage       ContextType = "IMAGE"
	ContextImageCreate ContextType = "IMAGE_CREATE"
	ContextFile        ContextType = "FILE"
	ContextVoice       ContextType = "VOICE"
	ContextRichText    ContextType = "RICH_TEXT"
)

// Valid reports whether t is a known context type.
func (t ContextType) Valid() bool {
	switch t {
	case ContextText, ContextImage, ContextImageCreate, ContextFile, ContextVoice, ContextRichText:
		return true
	}
	return false
}

// ReplyType tags what kind of payload a bot reply carries.
type ReplyType string

const (
	ReplyText     ReplyType = "TEXT"
	ReplyImageURL ReplyType = "IMAGE_URL"
	ReplyVoice    ReplyType = "VOICE"
	ReplyError    ReplyType = "ERROR"
	ReplyInfo     ReplyType = "INFO"
)

// Reply is produced by the bot and consumed by a channel's send routine.
type Reply struct {
	Type    ReplyType `json:"type"`
	Content string    `json:"content"`
}

// Attachment is a platform resource referenced by a message. Path is the
// deterministic local target; the file exists only after it is resolved.
type Attachment struct {
	Type      string `json:"type"` // "image" or "file"
	Key       string `json:"key"`
	MessageID string `json:"message_id"`
	Path      string `json:"path"`
}

// InboundMessage is the canonical context handed from a channel to the bot.
type InboundMessage struct {
	Type      ContextType `json:"type"`
	Content   string      `json:"content"`
	SessionID string      `json:"session_id"`
	Receiver  string      `json:"receiver"`

	Channel           string            `json:"channel"`
	MessageID         string            `json:"message_id,omitempty"`
	IsGroup           bool              `json:"is_group,omitempty"`
	ReceiveIDType     string            `json:"receive_id_type,omitempty"` // "chat_id" or "open_id"
	OriginType        ContextType       `json:"origin_type,omitempty"`
	DesireReplyType   ReplyType         `json:"desire_reply_type,omitempty"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	ParentAttachments []Attachment      `json:"parent_attachments,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`

	// Credential is a short-lived platform token fetched for this event.
	Credential string `json:"-"`
}

// ErrInvalidContext wraps every construction failure.
var ErrInvalidContext = errors.New("invalid context")

// Validate checks the fields every variant must carry.
func (m *InboundMessage) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidContext, m.Type)
	}
	if m.Channel == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidContext)
	}
	if m.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidContext)
	}
	switch m.Type {
	case ContextText, ContextImageCreate:
		if m.Content == "" {
			return fmt.Errorf("%w: %s content is empty", ErrInvalidContext, m.Type)
		}
	case ContextImage:
		if len(m.Attachments) == 0 {
			return fmt.Errorf("%w: image context without attachment", ErrInvalidContext)
		}
	}
	return nil
}

// NewInbound fills origin defaults and validates the result.
func NewInbound(m InboundMessage) (InboundMessage, error) {
	if m.OriginType == "" {
		m.OriginType = m.Type
	}
	if err := m.Validate(); err != nil {
		return InboundMessage{}, err
	}
	return m, nil
}

// MessageRouter abstracts inbound routing between channels and the dispatcher.
type MessageRouter interface {
	PublishInbound(msg InboundMessage) bool
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
}
