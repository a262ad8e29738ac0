package feishu

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
)

// Prepare fetches the tenant token for the event, resolves the reply parent
// of a TEXT context and downloads every attachment. It is best effort: the
// message is returned with whatever could be resolved and the failures are
// joined into err.
func (c *Channel) Prepare(ctx context.Context, in bus.InboundMessage) (bus.InboundMessage, error) {
	token, err := c.client.TenantToken(ctx)
	if err != nil {
		return in, fmt.Errorf("feishu prepare: %w", err)
	}
	in.Credential = token

	var errs []error
	if parentID := in.Metadata[MetaParentID]; parentID != "" && in.Type == bus.ContextText {
		parent, err := c.parents.Resolve(ctx, token, parentID)
		if err != nil {
			c.logger().Warn("feishu: resolve parent", "message_id", in.MessageID, "parent_id", parentID, "error", err)
		} else {
			AppendParent(&in, parent)
		}
	}

	if err := c.resolver.ResolveAll(ctx, token, in.Attachments); err != nil {
		errs = append(errs, err)
	}
	if err := c.resolver.ResolveAll(ctx, token, in.ParentAttachments); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return in, fmt.Errorf("feishu prepare: %w", err)
	}
	return in, nil
}

// Release removes the files Prepare downloaded for in. Attachments that
// were never resolved are skipped.
func (c *Channel) Release(in bus.InboundMessage) {
	for _, atts := range [][]bus.Attachment{in.Attachments, in.ParentAttachments} {
		for _, att := range atts {
			if att.Path == "" {
				continue
			}
			if err := os.Remove(att.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				c.logger().Warn("feishu: remove attachment", "path", att.Path, "error", err)
			}
		}
	}
}
