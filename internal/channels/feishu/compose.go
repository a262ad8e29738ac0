package feishu

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
)

// Metadata keys set on composed contexts.
const (
	MetaParentID     = "parent_id"
	MetaCreateTime   = "create_time"
	MetaToUserID     = "to_user_id"
	MetaActualUserID = "actual_user_id"
)

// ComposeOptions are the bot settings that shape a context.
type ComposeOptions struct {
	ImageCreatePrefix []string
	VoiceReply        bool
	ReceiveIDType     string
}

// Compose wraps msg into a bus context. parent may be nil; when set and the
// result is TEXT, its text is appended as origin message history.
func Compose(msg *Message, parent *Parent, opts ComposeOptions) (bus.InboundMessage, error) {
	in := bus.InboundMessage{
		Type:          msg.Type,
		Content:       msg.Content,
		SessionID:     msg.FromUserID,
		Receiver:      msg.OtherUserID,
		Channel:       channelName,
		MessageID:     msg.MessageID,
		IsGroup:       msg.IsGroup,
		ReceiveIDType: opts.ReceiveIDType,
		OriginType:    msg.Type,
		Attachments:   msg.Attachments,
		Metadata: map[string]string{
			MetaCreateTime:   msg.CreateTime,
			MetaToUserID:     msg.ToUserID,
			MetaActualUserID: msg.ActualUserID,
		},
	}
	if msg.ParentID != "" {
		in.Metadata[MetaParentID] = msg.ParentID
	}

	switch msg.Type {
	case bus.ContextText, bus.ContextRichText:
		if prefix, ok := matchPrefix(msg.Content, opts.ImageCreatePrefix); ok {
			in.Type = bus.ContextImageCreate
			in.Content = strings.TrimSpace(strings.Replace(msg.Content, prefix, "", 1))
			break
		}
		in.Type = bus.ContextText
		in.Content = strings.TrimSpace(msg.Content)
		if in.Content == "" && len(in.Attachments) > 0 {
			// An image-only post is a picture to describe.
			in.Type = bus.ContextImage
			in.Content = in.Attachments[0].Path
			break
		}
		if parent != nil {
			AppendParent(&in, parent)
		}
	case bus.ContextVoice:
		if opts.VoiceReply && in.DesireReplyType == "" {
			in.DesireReplyType = bus.ReplyVoice
		}
	}
	return bus.NewInbound(in)
}

// AppendParent adds the parent text to a TEXT context and carries the
// parent's images for the bot to describe.
func AppendParent(in *bus.InboundMessage, parent *Parent) {
	if in.Type != bus.ContextText || parent == nil {
		return
	}
	in.Content += fmt.Sprintf("\nOrigin message: ```%s```", parent.Text)
	for _, att := range parent.Attachments {
		if att.Type == "image" {
			in.ParentAttachments = append(in.ParentAttachments, att)
		}
	}
}

func matchPrefix(content string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(content, p) {
			return p, true
		}
	}
	return "", false
}
