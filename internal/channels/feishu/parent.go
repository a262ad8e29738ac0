package feishu

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
)

const msgTypeMergeForward = "merge_forward"

// Parent is the resolved content of the message a user replied to.
type Parent struct {
	Text        string
	Attachments []bus.Attachment
}

type messageFetcher interface {
	GetMessage(ctx context.Context, token, messageID string) ([]MessageItem, error)
}

// ParentResolver loads and flattens reply parents.
type ParentResolver struct {
	client     messageFetcher
	normalizer *Normalizer
}

// NewParentResolver creates a ParentResolver.
func NewParentResolver(client messageFetcher, normalizer *Normalizer) *ParentResolver {
	return &ParentResolver{client: client, normalizer: normalizer}
}

// Resolve fetches parentID. A merge_forward parent is expanded one level:
// its direct sub-messages are parsed in order and their texts joined with
// newlines. Forwards nested inside it are skipped.
func (p *ParentResolver) Resolve(ctx context.Context, token, parentID string) (*Parent, error) {
	items, err := p.client.GetMessage(ctx, token, parentID)
	if err != nil {
		return nil, fmt.Errorf("fetch parent %s: %w", parentID, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("fetch parent %s: empty response", parentID)
	}

	head := items[0]
	for _, it := range items {
		if it.MessageID == parentID && it.UpperMessageID == "" {
			head = it
			break
		}
	}

	if head.MsgType != msgTypeMergeForward {
		parent := &Parent{}
		p.add(parent, head)
		return parent, nil
	}

	parent := &Parent{}
	var texts []string
	for _, it := range items {
		if it.UpperMessageID != parentID {
			continue
		}
		if it.MsgType == msgTypeMergeForward {
			slog.Debug("feishu: skipping nested forward", "parent_id", parentID, "message_id", it.MessageID)
			continue
		}
		sub := &Parent{}
		p.add(sub, it)
		if sub.Text != "" {
			texts = append(texts, sub.Text)
		}
		parent.Attachments = append(parent.Attachments, sub.Attachments...)
	}
	parent.Text = strings.Join(texts, "\n")
	return parent, nil
}

// add parses one item into parent. Images contribute attachments only;
// files and unsupported types are skipped.
func (p *ParentResolver) add(parent *Parent, it MessageItem) {
	parsed, err := p.normalizer.parseContent(it.MsgType, it.MessageID, it.Body.Content)
	if err != nil {
		slog.Debug("feishu: skipping parent item", "message_id", it.MessageID, "error", err)
		return
	}
	switch parsed.ctype {
	case bus.ContextText, bus.ContextRichText:
		parent.Text = parsed.text
		parent.Attachments = append(parent.Attachments, parsed.attachments...)
	case bus.ContextImage:
		parent.Attachments = append(parent.Attachments, parsed.attachments...)
	}
}
