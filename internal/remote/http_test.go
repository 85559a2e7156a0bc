package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/models"
)

func TestHTTPSend(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/c1/messages" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(sendResponse{ID: "m1", Timestamp: 123})
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, zerolog.Nop())
	id, err := c.Send(context.Background(), models.Message{
		ChatID:   "c1",
		SenderID: "alice",
		LocalID:  "l1",
		Body:     "Hi",
	})
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if id != "m1" {
		t.Errorf("id = %q, want m1", id)
	}
	if got.LocalID != "l1" || got.Body != "Hi" {
		t.Errorf("request body = %+v", got)
	}
}

func TestHTTPSendErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusBadRequest, func(err error) bool { return errors.Is(err, models.ErrEmptyBody) }, "validation"},
		{http.StatusRequestEntityTooLarge, func(err error) bool { return errors.Is(err, models.ErrAttachmentTooLarge) }, "too large"},
		{http.StatusForbidden, func(err error) bool { return errors.Is(err, models.ErrNotParticipant) }, "permission"},
		{http.StatusNotFound, func(err error) bool { return errors.Is(err, models.ErrChatGone) }, "chat gone"},
		{http.StatusInternalServerError, models.IsRetriable, "transport"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
			}))
			defer srv.Close()

			c := NewHTTP(srv.URL, zerolog.Nop())
			_, err := c.Send(context.Background(), models.Message{ChatID: "c1", Body: "Hi"})
			if err == nil || !tc.check(err) {
				t.Fatalf("status %d mapped to %v", tc.status, err)
			}
		})
	}
}

func TestHTTPSendUnreachableIsTransport(t *testing.T) {
	c := NewHTTP("http://127.0.0.1:1", zerolog.Nop())
	_, err := c.Send(context.Background(), models.Message{ChatID: "c1", Body: "Hi"})
	if !models.IsRetriable(err) {
		t.Fatalf("network failure not classified as transport: %v", err)
	}
}

func TestHTTPSubscribePolls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messagesResponse{Messages: []models.Message{
			{ID: "m1", ChatID: "c1", SenderID: "alice", Body: "Hi", ServerTS: 1000},
		}})
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, zerolog.Nop())
	c.PollInterval = 10 * time.Millisecond

	var mu sync.Mutex
	var snaps [][]models.Message
	unsub, err := c.Subscribe(context.Background(), "c1", func(msgs []models.Message) {
		mu.Lock()
		snaps = append(snaps, msgs)
		mu.Unlock()
	}, func(error) {})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer unsub()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(snaps)
		mu.Unlock()
		if n >= 2 { // initial delivery plus at least one poll
			mu.Lock()
			defer mu.Unlock()
			if len(snaps[0]) != 1 || snaps[0][0].ID != "m1" {
				t.Fatalf("unexpected snapshot: %+v", snaps[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("snapshots never delivered")
}
