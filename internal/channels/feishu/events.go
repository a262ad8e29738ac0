package feishu

// EventTypeMessageReceive is the only event the channel handles.
const EventTypeMessageReceive = "im.message.receive_v1"

const typeURLVerification = "url_verification"

// envelope is the outer body of every Lark event subscription delivery
// (schema 2.0), plus the fields of the one-off URL verification request.
type envelope struct {
	Schema string `json:"schema"`

	// url_verification
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`

	Header *EventHeader  `json:"header"`
	Event  *MessageEvent `json:"event"`
}

// EventHeader carries the delivery metadata and the verification token.
type EventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
	TenantKey  string `json:"tenant_key"`
}

// MessageEvent is the event body of im.message.receive_v1.
type MessageEvent struct {
	AppID   string        `json:"app_id,omitempty"`
	Sender  *EventSender  `json:"sender"`
	Message *EventMessage `json:"message"`
}

// EventSender identifies who sent the message.
type EventSender struct {
	SenderID   UserID `json:"sender_id"`
	SenderType string `json:"sender_type"`
	TenantKey  string `json:"tenant_key"`
}

// UserID is the set of ids Lark issues for one user.
type UserID struct {
	OpenID  string `json:"open_id"`
	UnionID string `json:"union_id"`
	UserID  string `json:"user_id"`
}

// EventMessage is the message part of a receive event. Content is a JSON
// string whose schema depends on MessageType.
type EventMessage struct {
	MessageID   string    `json:"message_id"`
	RootID      string    `json:"root_id"`
	ParentID    string    `json:"parent_id"`
	CreateTime  string    `json:"create_time"`
	ChatID      string    `json:"chat_id"`
	ChatType    string    `json:"chat_type"` // "p2p" or "group"
	MessageType string    `json:"message_type"`
	Content     string    `json:"content"`
	Mentions    []Mention `json:"mentions"`
}

// Mention is one @ in a message. Key is the placeholder ("@_user_1") that
// appears in the text content.
type Mention struct {
	Key       string `json:"key"`
	ID        UserID `json:"id"`
	Name      string `json:"name"`
	TenantKey string `json:"tenant_key"`
}
