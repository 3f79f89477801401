// Package chatapi is the HTTP client for the chat backend's REST endpoints.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/pkg/circuitbreaker"
)

// Client calls the messages and conversations endpoints. Every call goes
// through a circuit breaker that only counts server-side failures.
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	logger    *logrus.Logger
	metrics   *metrics.Registry
}

// envelope is the backend's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"formattedMessage,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type errorBody struct {
	Message          string `json:"message"`
	FormattedMessage string `json:"formattedMessage"`
}

type createMessageRequest struct {
	Sender       string `json:"sender"`
	Receiver     string `json:"receiver"`
	Content      string `json:"content"`
	Conversation string `json:"conversation,omitempty"`
	Attachment   string `json:"attachment,omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type markAsSeenRequest struct {
	MessageIDs []string `json:"messageIds"`
	UserID     string   `json:"userId"`
}

// NewClient creates a client from the API settings. A nil httpClient gets
// one with the configured timeout.
func NewClient(cfg models.APIConfig, httpClient *http.Client, logger *logrus.Logger, reg *metrics.Registry) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(constants.DefaultAPITimeoutMs) * time.Millisecond
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = constants.DefaultBreakerMaxFailures
	}
	reset := time.Duration(cfg.BreakerResetSec) * time.Second
	if reset <= 0 {
		reset = time.Duration(constants.DefaultBreakerResetSec) * time.Second
	}

	breaker := circuitbreaker.NewWithLogger("chat-api", uint32(maxFailures), reset, logger).
		WithFailurePredicate(errors.IsRetryable)

	return &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		client:    httpClient,
		breaker:   breaker,
		logger:    logger,
		metrics:   reg,
	}
}

// Breaker exposes the circuit breaker for status reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// CreateMessage posts a new message. Drafts with a local attachment file are
// sent as multipart form data, everything else as JSON. An attachment that
// was already uploaded travels as its ref.
func (c *Client) CreateMessage(ctx context.Context, senderID string, draft models.Draft) (models.Message, error) {
	fields := createMessageRequest{
		Sender:       senderID,
		Receiver:     draft.Receiver.ID,
		Content:      draft.Content,
		Conversation: draft.ConversationID,
	}
	if draft.Attachment != nil && draft.Attachment.Path == "" {
		if draft.Attachment.Ref == "" {
			return models.Message{}, errors.NewValidationError("attachment", "attachment has neither a file nor a ref")
		}
		fields.Attachment = draft.Attachment.Ref
	}

	var (
		body        io.Reader
		contentType string
	)
	if draft.Attachment != nil && draft.Attachment.Path != "" {
		buf, ct, err := multipartBody(fields, draft.Attachment)
		if err != nil {
			return models.Message{}, err
		}
		body, contentType = buf, ct
	} else {
		data, err := json.Marshal(fields)
		if err != nil {
			return models.Message{}, fmt.Errorf("failed to marshal request: %w", err)
		}
		body, contentType = bytes.NewReader(data), "application/json"
	}

	var wire models.WireMessage
	if err := c.do(ctx, http.MethodPost, "/messages", "create-message", body, contentType, &wire); err != nil {
		return models.Message{}, err
	}
	return wire.ToMessage(draft.ConversationID, []models.Sender{draft.Receiver})
}

func multipartBody(fields createMessageRequest, attachment *models.Attachment) (*bytes.Buffer, string, error) {
	file, err := os.Open(attachment.Path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open attachment: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	name := attachment.Name
	if name == "" {
		name = filepath.Base(attachment.Path)
	}
	mimeType := attachment.Type
	if mimeType == "" {
		mimeType = constants.MimeTypeForPath(name)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename=%q`, name))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("failed to copy attachment: %w", err)
	}

	for key, value := range map[string]string{
		"sender":       fields.Sender,
		"receiver":     fields.Receiver,
		"content":      fields.Content,
		"conversation": fields.Conversation,
	} {
		if value == "" {
			continue
		}
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (models.Message, error) {
	data, err := json.Marshal(editMessageRequest{Content: content})
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.messageCall(ctx, http.MethodPatch, "/messages/"+url.PathEscape(messageID), "edit-message", bytes.NewReader(data))
}

// DeleteMessage deletes a message and returns the deleted record.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) (models.Message, error) {
	return c.messageCall(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), "delete-message", nil)
}

// TogglePin flips the pinned flag and returns the resulting record.
func (c *Client) TogglePin(ctx context.Context, messageID string) (models.Message, error) {
	return c.messageCall(ctx, http.MethodPatch, "/messages/pin-message/"+url.PathEscape(messageID), "pin-message", nil)
}

func (c *Client) messageCall(ctx context.Context, method, path, name string, body io.Reader) (models.Message, error) {
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	var wire models.WireMessage
	if err := c.do(ctx, method, path, name, body, contentType, &wire); err != nil {
		return models.Message{}, err
	}
	return wire.ToMessage("", nil)
}

// MarkAsSeen records read receipts for messageIDs on behalf of userID.
func (c *Client) MarkAsSeen(ctx context.Context, messageIDs []string, userID string) error {
	data, err := json.Marshal(markAsSeenRequest{MessageIDs: messageIDs, UserID: userID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPatch, "/messages/mark-as-seen", "mark-as-seen", bytes.NewReader(data), "application/json", nil)
}

// GetConversations returns userID's conversations with their latest page of
// messages in chronological order. Malformed conversations are skipped.
func (c *Client) GetConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var wire []models.WireConversation
	if err := c.do(ctx, http.MethodGet, "/conversations/user/"+url.PathEscape(userID), "conversations", nil, "", &wire); err != nil {
		return nil, err
	}

	convs := make([]models.Conversation, 0, len(wire))
	for i := range wire {
		conv, err := wire[i].ToConversation()
		if err != nil {
			c.logger.WithError(err).Warn("Skipping malformed conversation")
			continue
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// GetMessagesBefore returns up to limit messages older than beforeID in
// chronological order.
func (c *Client) GetMessagesBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]models.Message, error) {
	query := url.Values{}
	query.Set("conversationId", conversationID)
	query.Set("before", beforeID)
	query.Set("limit", strconv.Itoa(limit))

	var wire []models.WireMessage
	if err := c.do(ctx, http.MethodGet, "/messages?"+query.Encode(), "messages-before", nil, "", &wire); err != nil {
		return nil, err
	}

	// Pages arrive newest-first.
	out := make([]models.Message, 0, len(wire))
	for i := len(wire) - 1; i >= 0; i-- {
		msg, err := wire[i].ToMessage(conversationID, nil)
		if err != nil {
			c.logger.WithError(err).Warn("Skipping malformed message")
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// do sends one request through the breaker and decodes the envelope's data
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path, name string, body io.Reader, contentType string, out any) error {
	start := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, method, path, body, contentType, out)
	})
	c.metrics.RecordTimer(metrics.APIRequestDuration, time.Since(start), map[string]string{"endpoint": name}, "REST call duration")

	if circuitbreaker.IsCircuitBreakerError(err) {
		return errors.WrapRetryable(err, errors.ErrCodeCircuitOpen, "chat API unavailable").
			WithContext("endpoint", name)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.WrapRetryable(err, errors.ErrCodePersistence, "failed to send request").
			WithContext("endpoint", path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WrapRetryable(err, errors.ErrCodePersistence, "failed to read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
		}).Debug("Chat API returned error status")
		return errors.NewAPIError(method, path, resp.StatusCode, fmt.Errorf("%s", errorMessage(data)))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func errorMessage(data []byte) string {
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.FormattedMessage != "" {
			return body.FormattedMessage
		}
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "empty response"
	}
	return msg
}
