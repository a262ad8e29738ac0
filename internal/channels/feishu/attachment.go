package feishu

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/media"
)

const resolveConcurrency = 4

// resourceDownloader is the part of LarkClient the Resolver needs.
type resourceDownloader interface {
	DownloadResource(ctx context.Context, token, messageID, key, resourceType string) ([]byte, error)
}

// Resolver downloads unresolved attachments to their target paths.
type Resolver struct {
	client resourceDownloader
}

// NewResolver creates a Resolver backed by client.
func NewResolver(client resourceDownloader) *Resolver {
	return &Resolver{client: client}
}

// Resolve fetches att through the message resource endpoint and writes it
// to att.Path. Writes are atomic, so resolving twice overwrites cleanly.
func (r *Resolver) Resolve(ctx context.Context, token string, att bus.Attachment) error {
	if att.Key == "" || att.MessageID == "" || att.Path == "" {
		return fmt.Errorf("resolve attachment: incomplete attachment %+v", att)
	}
	resourceType := att.Type
	if resourceType != "file" {
		resourceType = "image"
	}
	data, err := r.client.DownloadResource(ctx, token, att.MessageID, att.Key, resourceType)
	if err != nil {
		return fmt.Errorf("resolve %s %s: %w", att.Type, att.Key, err)
	}
	if err := media.WriteFileAtomic(att.Path, data); err != nil {
		return fmt.Errorf("resolve %s %s: write: %w", att.Type, att.Key, err)
	}
	return nil
}

// ResolveAll resolves every attachment and joins the failures. One failed
// download does not stop the others.
func (r *Resolver) ResolveAll(ctx context.Context, token string, atts []bus.Attachment) error {
	if len(atts) == 0 {
		return nil
	}
	errs := make([]error, len(atts))
	var g errgroup.Group
	g.SetLimit(resolveConcurrency)
	for i, att := range atts {
		g.Go(func() error {
			errs[i] = r.Resolve(ctx, token, att)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
