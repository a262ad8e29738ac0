package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// --- IM API: Messages ---

type SendMessageResp struct {
	MessageID string `json:"message_id"`
}

// SendMessage posts a new message to a chat or user.
func (c *LarkClient) SendMessage(ctx context.Context, token, receiveIDType, receiveID, msgType, content string) (*SendMessageResp, error) {
	path := "/open-apis/im/v1/messages?receive_id_type=" + url.QueryEscape(receiveIDType)
	body := map[string]string{
		"receive_id": receiveID,
		"msg_type":   msgType,
		"content":    content,
	}
	return c.postMessage(ctx, token, "send message", path, body)
}

// ReplyMessage posts a message as a threaded reply to messageID.
func (c *LarkClient) ReplyMessage(ctx context.Context, token, messageID, msgType, content string) (*SendMessageResp, error) {
	path := "/open-apis/im/v1/messages/" + url.PathEscape(messageID) + "/reply"
	body := map[string]string{
		"msg_type": msgType,
		"content":  content,
	}
	return c.postMessage(ctx, token, "reply message", path, body)
}

func (c *LarkClient) postMessage(ctx context.Context, token, op, path string, body any) (*SendMessageResp, error) {
	resp, err := c.doJSON(ctx, token, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &APIError{Op: op, Code: resp.Code, Msg: resp.Msg}
	}
	var data SendMessageResp
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("%s: decode data: %w", op, err)
	}
	return &data, nil
}

// MessageItem is one entry of a Get Message response. A merge_forward
// message returns itself followed by its sub-messages, each carrying
// UpperMessageID.
type MessageItem struct {
	MessageID      string `json:"message_id"`
	MsgType        string `json:"msg_type"`
	CreateTime     string `json:"create_time"`
	ChatID         string `json:"chat_id"`
	UpperMessageID string `json:"upper_message_id"`
	Body           struct {
		Content string `json:"content"`
	} `json:"body"`
}

// GetMessage fetches a message by id.
func (c *LarkClient) GetMessage(ctx context.Context, token, messageID string) ([]MessageItem, error) {
	resp, err := c.doJSON(ctx, token, http.MethodGet, "/open-apis/im/v1/messages/"+url.PathEscape(messageID), nil)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &APIError{Op: "get message", Code: resp.Code, Msg: resp.Msg}
	}
	var data struct {
		Items []MessageItem `json:"items"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("get message: decode data: %w", err)
	}
	return data.Items, nil
}

// --- IM API: Images ---

// UploadImage uploads an image for use in messages and returns its image_key.
func (c *LarkClient) UploadImage(ctx context.Context, token string, data io.Reader, fileName string) (string, error) {
	resp, err := c.doMultipart(ctx, token, "/open-apis/im/v1/images",
		map[string]string{"image_type": "message"},
		"image", data, fileName)
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", &APIError{Op: "upload image", Code: resp.Code, Msg: resp.Msg}
	}
	var result struct {
		ImageKey string `json:"image_key"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil || result.ImageKey == "" {
		return "", fmt.Errorf("upload image: missing image_key")
	}
	return result.ImageKey, nil
}

// --- IM API: Message Resources ---

// DownloadResource fetches an image or file attached to a message.
// resourceType is "image" or "file".
func (c *LarkClient) DownloadResource(ctx context.Context, token, messageID, key, resourceType string) ([]byte, error) {
	path := fmt.Sprintf("/open-apis/im/v1/messages/%s/resources/%s?type=%s",
		url.PathEscape(messageID), url.PathEscape(key), url.QueryEscape(resourceType))
	return c.doDownload(ctx, token, path)
}
