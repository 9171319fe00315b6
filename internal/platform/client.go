// Package platform is the outbound side of the messaging platform: sending
// replies (with retry on transient failures) and fetching chat history.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chatrelay/internal/domain"
)

const defaultHTTPTimeout = 10 * time.Second

// Client implements domain.Messenger against the platform's HTTP API.
type Client struct {
	apiBase string
	token   string
	client  *http.Client
	policy  RetryPolicy
	logger  *slog.Logger
}

type ClientConfig struct {
	APIBase string
	Token   string
	Timeout time.Duration // per-attempt timeout
	Policy  RetryPolicy
	Logger  *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	return &Client{
		apiBase: cfg.APIBase,
		token:   cfg.Token,
		client:  newHTTPClient(cfg.Timeout),
		policy:  cfg.Policy,
		logger:  cfg.Logger.With("component", "platform", "token", MaskSecret(cfg.Token)),
	}
}

// newHTTPClient returns a client with pooled connections and bounded dials.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// MaskSecret hides all but the last four characters of a credential so it
// can appear in logs.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

type sendRequest struct {
	ChatID     string             `json:"chat_id"`
	Content    string             `json:"content"`
	RichBlocks []domain.RichBlock `json:"rich_blocks,omitempty"`
	MediaURL   string             `json:"media_url,omitempty"`
	Width      int                `json:"width,omitempty"`
	Height     int                `json:"height,omitempty"`
	MediaType  string             `json:"content_type,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

func (c *Client) SendMessage(ctx context.Context, chatID, content string, blocks []domain.RichBlock) (*domain.DeliveryResult, error) {
	return c.send(ctx, "send_message", sendRequest{
		ChatID:     chatID,
		Content:    content,
		RichBlocks: blocks,
	})
}

func (c *Client) SendMediaMessage(ctx context.Context, chatID, content, mediaURL string, info *domain.MediaInfo) (*domain.DeliveryResult, error) {
	req := sendRequest{
		ChatID:   chatID,
		Content:  content,
		MediaURL: mediaURL,
	}
	if info != nil {
		req.Width = info.Width
		req.Height = info.Height
		req.MediaType = info.ContentType
	}
	return c.send(ctx, "send_media", req)
}

func (c *Client) send(ctx context.Context, op string, req sendRequest) (*domain.DeliveryResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", op, err)
	}

	var msgID string
	attempts, err := c.policy.Do(ctx, c.logger, op, func() error {
		resp, err := c.post(ctx, "/v1/messages", payload)
		if err != nil {
			return err
		}
		msgID = resp.MessageID
		return nil
	})
	if err != nil {
		c.logger.Error("delivery failed", "op", op, "chat_id", req.ChatID, "attempts", attempts, "err", err)
		return nil, err
	}

	c.logger.Info("message delivered", "op", op, "chat_id", req.ChatID, "attempts", attempts)
	return &domain.DeliveryResult{MessageID: msgID, Attempts: attempts}, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (*sendResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		// Some platform deployments return an empty body on success.
		return &sendResponse{}, nil
	}
	return &out, nil
}

type historyResponse struct {
	Messages []domain.HistoryMessage `json:"messages"`
}

// GetMessageHistory fetches recent messages for a chat. Not retried: the
// pipeline treats history as best-effort and degrades to empty on failure.
func (c *Client) GetMessageHistory(ctx context.Context, chatID string, limit int, agentID string) ([]domain.HistoryMessage, error) {
	q := url.Values{}
	q.Set("chat_id", chatID)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("agent_id", agentID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/v1/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	var out historyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return out.Messages, nil
}
