package feishu

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/media"
)

// mentionPlaceholder is the literal Lark puts in group text in place of the
// first @mention.
const mentionPlaceholder = "@_user_1"

// Message is a receive event normalized into the fields the composer needs.
// Attachments carry their target path but are not downloaded yet.
type Message struct {
	MessageID  string
	CreateTime string
	IsGroup    bool
	Type       bus.ContextType
	Content    string

	FromUserID   string // sender open_id
	ToUserID     string // app id
	OtherUserID  string // chat_id in groups, sender open_id in DMs
	ActualUserID string
	ParentID     string

	Attachments []bus.Attachment
}

// UnsupportedTypeError reports a message type the normalizer does not handle.
// It is not retryable: the webhook acks and drops the event.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return "unsupported message type: " + e.Type
}

// IsUnsupported reports whether err is an UnsupportedTypeError.
func IsUnsupported(err error) bool {
	var ute *UnsupportedTypeError
	return errors.As(err, &ute)
}

// Normalizer turns receive events into Messages. It never touches the
// network; attachment paths are derived from tmpDir and the resource key.
type Normalizer struct {
	tmpDir string
}

// NewNormalizer creates a Normalizer rooted at tmpDir.
func NewNormalizer(tmpDir string) *Normalizer {
	return &Normalizer{tmpDir: tmpDir}
}

// Normalize parses ev. Malformed nested content degrades to empty content.
// Types other than text, post, image and file return *UnsupportedTypeError.
func (n *Normalizer) Normalize(ev *MessageEvent, isGroup bool) (*Message, error) {
	if ev == nil || ev.Message == nil || ev.Sender == nil {
		return nil, errors.New("event has no message or sender")
	}
	m := ev.Message

	parsed, err := n.parseContent(m.MessageType, m.MessageID, m.Content)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		MessageID:    m.MessageID,
		CreateTime:   m.CreateTime,
		IsGroup:      isGroup,
		Type:         parsed.ctype,
		Content:      parsed.text,
		FromUserID:   ev.Sender.SenderID.OpenID,
		ToUserID:     ev.AppID,
		ParentID:     m.ParentID,
		Attachments:  parsed.attachments,
		ActualUserID: ev.Sender.SenderID.OpenID,
	}
	if isGroup {
		msg.OtherUserID = m.ChatID
		msg.Content = strings.TrimSpace(strings.ReplaceAll(msg.Content, mentionPlaceholder, ""))
	} else {
		msg.OtherUserID = msg.FromUserID
	}
	return msg, nil
}

type parsedContent struct {
	ctype       bus.ContextType
	text        string
	attachments []bus.Attachment
}

// parseContent decodes one message body. messageID is the message that owns
// any resources referenced by the body.
func (n *Normalizer) parseContent(msgType, messageID, raw string) (parsedContent, error) {
	switch msgType {
	case "text":
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			slog.Warn("feishu: parse text content", "message_id", messageID, "error", err)
			return parsedContent{ctype: bus.ContextText}, nil
		}
		return parsedContent{ctype: bus.ContextText, text: strings.TrimSpace(body.Text)}, nil

	case "post":
		text, keys, err := parsePost(raw)
		if err != nil {
			slog.Warn("feishu: parse post content", "message_id", messageID, "error", err)
			return parsedContent{ctype: bus.ContextRichText}, nil
		}
		out := parsedContent{ctype: bus.ContextRichText, text: text}
		for _, key := range keys {
			out.attachments = append(out.attachments, n.imageAttachment(messageID, key))
		}
		return out, nil

	case "image":
		var body struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal([]byte(raw), &body); err != nil || body.ImageKey == "" {
			slog.Warn("feishu: parse image content", "message_id", messageID, "error", err)
			return parsedContent{ctype: bus.ContextImage}, nil
		}
		att := n.imageAttachment(messageID, body.ImageKey)
		return parsedContent{ctype: bus.ContextImage, text: att.Path, attachments: []bus.Attachment{att}}, nil

	case "file":
		var body struct {
			FileKey  string `json:"file_key"`
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal([]byte(raw), &body); err != nil || body.FileKey == "" {
			slog.Warn("feishu: parse file content", "message_id", messageID, "error", err)
			return parsedContent{ctype: bus.ContextFile}, nil
		}
		name := body.FileKey
		if ext := media.Ext(body.FileName); ext != "" {
			name += "." + ext
		}
		att := bus.Attachment{
			Type:      "file",
			Key:       body.FileKey,
			MessageID: messageID,
			Path:      filepath.Join(n.tmpDir, name),
		}
		return parsedContent{ctype: bus.ContextFile, text: att.Path, attachments: []bus.Attachment{att}}, nil
	}
	return parsedContent{}, &UnsupportedTypeError{Type: msgType}
}

func (n *Normalizer) imageAttachment(messageID, key string) bus.Attachment {
	return bus.Attachment{
		Type:      "image",
		Key:       key,
		MessageID: messageID,
		Path:      filepath.Join(n.tmpDir, key+".png"),
	}
}

type postElement struct {
	Tag      string `json:"tag"`
	Text     string `json:"text"`
	ImageKey string `json:"image_key"`
}

// parsePost flattens a post body. Both the flat {"title","content"} form and
// the language-keyed {"zh_cn":{...}} form are accepted. Each content block is
// a row of elements or a single element; text values are space-joined and
// distinct img keys are returned in document order.
func parsePost(raw string) (string, []string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &top); err != nil {
		return "", nil, err
	}

	body := raw
	if _, flat := top["content"]; !flat {
		lang, ok := pickLanguage(top)
		if !ok {
			return "", nil, nil
		}
		body = string(top[lang])
	}

	var post struct {
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal([]byte(body), &post); err != nil {
		return "", nil, err
	}

	var texts, keys []string
	seen := make(map[string]bool)
	collect := func(el postElement) {
		switch el.Tag {
		case "text":
			if t := strings.TrimSpace(el.Text); t != "" {
				texts = append(texts, t)
			}
		case "img":
			if el.ImageKey != "" && !seen[el.ImageKey] {
				seen[el.ImageKey] = true
				keys = append(keys, el.ImageKey)
			}
		}
	}
	for _, block := range post.Content {
		block = bytes.TrimSpace(block)
		if len(block) == 0 {
			continue
		}
		if block[0] == '[' {
			var row []postElement
			if err := json.Unmarshal(block, &row); err != nil {
				return "", nil, err
			}
			for _, el := range row {
				collect(el)
			}
			continue
		}
		var el postElement
		if err := json.Unmarshal(block, &el); err != nil {
			return "", nil, err
		}
		collect(el)
	}
	return strings.Join(texts, " "), keys, nil
}

// pickLanguage prefers zh_cn, then en_us, then the first key in sorted order.
func pickLanguage(top map[string]json.RawMessage) (string, bool) {
	for _, lang := range []string{"zh_cn", "en_us"} {
		if _, ok := top[lang]; ok {
			return lang, true
		}
	}
	keys := make([]string, 0, len(top))
	for k := range top {
		if k != "title" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", false
	}
	sort.Strings(keys)
	return keys[0], true
}
