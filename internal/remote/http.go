package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/models"
)

// DefaultPollInterval is how often the HTTP feed polls when the backend
// offers no push channel.
const DefaultPollInterval = 3 * time.Second

// HTTP is a remote store adapter for msgsync-compatible HTTP backends.
// Writes go through POST /chats/{id}/messages; the feed is a poll of
// GET /chats/{id}/messages. Snapshot reconciliation is idempotent, so
// redelivering an unchanged snapshot is harmless.
type HTTP struct {
	BaseURL      string
	HTTPClient   *http.Client
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// NewHTTP creates an HTTP remote store client.
func NewHTTP(baseURL string, logger zerolog.Logger) *HTTP {
	return &HTTP{
		BaseURL:      baseURL,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		PollInterval: DefaultPollInterval,
		Logger:       logger,
	}
}

type sendRequest struct {
	Body       string             `json:"body,omitempty"`
	Attachment *models.Attachment `json:"att,omitempty"`
	LocalID    string             `json:"lid,omitempty"`
	SenderID   string             `json:"from"`
	CreatedAt  int64              `json:"created_at"`
}

type sendResponse struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

type messagesResponse struct {
	Messages []models.Message `json:"messages"`
}

// Send posts the message and returns the authoritative id. HTTP statuses
// map onto the engine's error taxonomy; anything network-level is a
// retriable transport error.
func (c *HTTP) Send(ctx context.Context, msg models.Message) (string, error) {
	req := sendRequest{
		Body:       msg.Body,
		Attachment: msg.Attachment,
		LocalID:    msg.LocalID,
		SenderID:   msg.SenderID,
		CreatedAt:  msg.CreatedAt,
	}
	body, _ := json.Marshal(req)

	respBody, err := c.doRequest(ctx, http.MethodPost, "/chats/"+msg.ChatID+"/messages", body)
	if err != nil {
		return "", err
	}

	var resp sendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", &models.TransportError{Op: "decode send response", Err: err}
	}
	return resp.ID, nil
}

// Subscribe polls the chat's message list until unsubscribed.
func (c *HTTP) Subscribe(ctx context.Context, chatID string, onSnapshot func([]models.Message), onError func(error)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	deliver := func() {
		respBody, err := c.doRequest(subCtx, http.MethodGet, "/chats/"+chatID+"/messages", nil)
		if err != nil {
			if subCtx.Err() == nil {
				onError(err)
			}
			return
		}
		var resp messagesResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			c.Logger.Debug().Str("chat_id", chatID).Err(err).Msg("skipping malformed snapshot")
			return
		}
		onSnapshot(resp.Messages)
	}

	go func() {
		deliver()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
				deliver()
			}
		}
	}()

	return cancel, nil
}

// doRequest performs an HTTP request against the backend.
func (c *HTTP) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &models.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.TransportError{Op: "read response", Err: err}
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, classifyStatus(resp.StatusCode, errResp.Error)
	}

	return respBody, nil
}

// classifyStatus maps an HTTP error status onto the send error taxonomy.
func classifyStatus(status int, detail string) error {
	switch status {
	case http.StatusBadRequest:
		if detail == "" {
			detail = "invalid message"
		}
		return fmt.Errorf("%w: %s", models.ErrEmptyBody, detail)
	case http.StatusRequestEntityTooLarge:
		return models.ErrAttachmentTooLarge
	case http.StatusForbidden, http.StatusUnauthorized:
		return models.ErrNotParticipant
	case http.StatusNotFound, http.StatusGone:
		return models.ErrChatGone
	default:
		return &models.TransportError{Op: "remote write", Err: fmt.Errorf("status %d: %s", status, detail)}
	}
}
