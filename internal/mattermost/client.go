// Package mattermost is a thin Mattermost boundary: the REST calls the bot
// needs plus a websocket event listener. Rendering is left to the caller;
// everything posted is a plain Markdown string.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chastnik/mm-bot-jira2excel/internal/common"
	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
)

const clientTimeout = 30 * time.Second

// User is the authenticated bot account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Channel is the subset of channel metadata the bot inspects. Type "D" is a
// direct message channel.
type Channel struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Post is an inbound or outbound chat message.
type Post struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
}

type fileUploadResponse struct {
	FileInfos []struct {
		ID string `json:"id"`
	} `json:"file_infos"`
}

// Client talks to the Mattermost REST API with a bot token.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     logging.Logger
}

func NewClient(baseURL, token string, log logging.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: clientTimeout},
		log:     log,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v4"+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("mattermost %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: mattermost %s %s returned %d", common.ErrProtocol, method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding mattermost %s response: %v", common.ErrProtocol, path, err)
	}
	return nil
}

// Me returns the bot's own account, used to ignore the bot's posts.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, "", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetChannel fetches channel metadata, mainly to check for the DM type.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID), nil, "", &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreatePost posts a Markdown message, optionally attaching uploaded files.
func (c *Client) CreatePost(ctx context.Context, channelID, message string, fileIDs []string) error {
	payload := map[string]any{
		"channel_id": channelID,
		"message":    message,
	}
	if len(fileIDs) > 0 {
		payload["file_ids"] = fileIDs
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/posts", bytes.NewReader(body), "application/json", nil)
}

// UploadFile uploads one file to a channel and returns its file id for
// attachment to a post.
func (c *Client) UploadFile(ctx context.Context, channelID, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("channel_id", channelID); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("files", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var resp fileUploadResponse
	if err := c.do(ctx, http.MethodPost, "/files", &buf, mw.FormDataContentType(), &resp); err != nil {
		return "", err
	}
	if len(resp.FileInfos) == 0 {
		return "", fmt.Errorf("%w: file upload returned no file infos", common.ErrProtocol)
	}
	return resp.FileInfos[0].ID, nil
}
