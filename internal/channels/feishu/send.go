package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	neturl "net/url"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/media"
	"github.com/nextlevelbuilder/chatbridge/internal/tracing"
)

// Send delivers reply to the conversation it came from. Groups get a
// threaded reply to the triggering message; DMs get a new message.
func (c *Channel) Send(ctx context.Context, reply bus.Reply, in bus.InboundMessage) (err error) {
	ctx, span := tracing.Start(ctx, tracing.SpanSend,
		attribute.String(tracing.AttrChannel, channelName),
		attribute.String(tracing.AttrReplyType, string(reply.Type)),
	)
	defer func() {
		tracing.End(span, err)
		if err != nil {
			c.Metrics().SendFailed(channelName)
		}
	}()

	token := in.Credential
	if token == "" {
		if token, err = c.client.TenantToken(ctx); err != nil {
			return fmt.Errorf("feishu send: %w", err)
		}
	}

	switch reply.Type {
	case bus.ReplyImageURL:
		return c.sendImageURL(ctx, token, in, reply.Content)
	case bus.ReplyText, bus.ReplyInfo, bus.ReplyError:
		if strings.TrimSpace(reply.Content) == "" {
			return nil
		}
		for _, chunk := range chunkText(reply.Content, c.chunkLimit()) {
			if err := c.deliver(ctx, token, in, "post", buildPostContent(chunk)); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("feishu send: unsupported reply type %s", reply.Type)
}

// sendImageURL downloads url, shrinks it if needed, uploads it and sends
// the resulting image_key.
func (c *Channel) sendImageURL(ctx context.Context, token string, in bus.InboundMessage, url string) error {
	data, err := media.Fetch(ctx, c.httpClient, url, media.DefaultMaxFetchBytes)
	if err != nil {
		return fmt.Errorf("feishu send image: %w", err)
	}
	scaled, ext, err := media.Downscale(data, media.MaxImageSide)
	if err != nil {
		ext = imageExt(url)
		c.logger().Warn("feishu: image not decodable, uploading as is", "url", url, "ext", ext, "error", err)
	} else {
		data = scaled
	}

	dir, err := media.TmpDir(c.tmpDir)
	if err != nil {
		return err
	}
	path, err := media.WriteTemp(dir, ext, data)
	if err != nil {
		return fmt.Errorf("feishu send image: %w", err)
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("feishu send image: %w", err)
	}
	defer f.Close()

	imageKey, err := c.client.UploadImage(ctx, token, f, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("feishu upload image: %w", err)
	}
	content, _ := json.Marshal(map[string]string{"image_key": imageKey})
	return c.deliver(ctx, token, in, "image", string(content))
}

// imageExt takes the extension from the URL path, defaulting to png.
func imageExt(rawURL string) string {
	if u, err := neturl.Parse(rawURL); err == nil {
		if ext := media.Ext(u.Path); ext != "" {
			return ext
		}
	}
	return "png"
}

func (c *Channel) deliver(ctx context.Context, token string, in bus.InboundMessage, msgType, content string) error {
	if in.IsGroup && in.MessageID != "" {
		if _, err := c.client.ReplyMessage(ctx, token, in.MessageID, msgType, content); err != nil {
			return fmt.Errorf("feishu reply %s: %w", msgType, err)
		}
		return nil
	}

	if in.Receiver == "" {
		return fmt.Errorf("empty receiver for feishu send")
	}
	receiveIDType := in.ReceiveIDType
	if receiveIDType == "" {
		receiveIDType = resolveReceiveIDType(in.Receiver)
	}
	if _, err := c.client.SendMessage(ctx, token, receiveIDType, in.Receiver, msgType, content); err != nil {
		return fmt.Errorf("feishu send %s: %w", msgType, err)
	}
	c.logger().Info("feishu: message sent", "receiver", in.Receiver, "msg_type", msgType)
	return nil
}

// chunkText splits text into pieces of at most limit runes, preferring to
// cut after a newline in the second half of a piece.
func chunkText(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cutAt := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cutAt]))
		runes = runes[cutAt:]
	}
	return chunks
}

// --- Content builders ---

func buildPostContent(text string) string {
	content := map[string]any{
		"zh_cn": map[string]any{
			"content": [][]map[string]any{
				{
					{
						"tag":  "md",
						"text": text,
					},
				},
			},
		},
	}
	data, _ := json.Marshal(content)
	return string(data)
}
