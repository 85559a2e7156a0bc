package send

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/models"
	"github.com/eldtechnologies/msgsync/internal/netmon"
	"github.com/eldtechnologies/msgsync/internal/queue"
)

type fakeWriter struct {
	mu    sync.Mutex
	sent  []models.Message
	err   error
}

func (w *fakeWriter) Send(_ context.Context, msg models.Message) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	w.sent = append(w.sent, msg)
	return "m1", nil
}

func (w *fakeWriter) sentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

type fakeUploader struct {
	url string
	err error
}

func (u *fakeUploader) Upload(_ context.Context, _ *models.Attachment) (string, error) {
	return u.url, u.err
}

func onlineMonitor() *netmon.Monitor {
	m := netmon.New(0)
	m.SetConnected(true)
	return m
}

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "outbox.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("queue.Open() failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestPrepare_EmptyContentRejected(t *testing.T) {
	p := New(&fakeWriter{}, nil, onlineMonitor(), nil, nil, zerolog.Nop())

	_, err := p.Prepare("c1", "alice", Content{})
	if !errors.Is(err, models.ErrEmptyBody) {
		t.Fatalf("err = %v, want ErrEmptyBody", err)
	}
}

func TestPrepare_OversizedAttachmentRejected(t *testing.T) {
	p := New(&fakeWriter{}, nil, onlineMonitor(), nil, nil, zerolog.Nop())

	_, err := p.Prepare("c1", "alice", Content{
		Attachment: &models.Attachment{URI: "file:///big.jpg", Size: DefaultMaxAttachmentBytes + 1},
	})
	if !errors.Is(err, models.ErrAttachmentTooLarge) {
		t.Fatalf("err = %v, want ErrAttachmentTooLarge", err)
	}
}

func TestPrepare_BuildsPendingPlaceholder(t *testing.T) {
	p := New(&fakeWriter{}, nil, onlineMonitor(), nil, nil, zerolog.Nop())

	msg, err := p.Prepare("c1", "alice", Content{Body: "Hi"})
	if err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	if msg.LocalID == "" {
		t.Error("placeholder has no LocalID")
	}
	if msg.Lifecycle != models.LifecyclePending {
		t.Errorf("lifecycle = %q, want pending", msg.Lifecycle)
	}
	if msg.ID != "" || msg.ServerTS != 0 {
		t.Errorf("placeholder must not carry authoritative identity: %+v", msg)
	}
	if msg.CreatedAt == 0 {
		t.Error("placeholder has no creation time")
	}
}

func TestDeliver_OnlineSuccess(t *testing.T) {
	w := &fakeWriter{}
	p := New(w, nil, onlineMonitor(), nil, nil, zerolog.Nop())

	msg, _ := p.Prepare("c1", "alice", Content{Body: "Hi"})

	failed := false
	p.Deliver(context.Background(), msg, Hooks{
		Failed: func(string, error) { failed = true },
	})

	if w.sentCount() != 1 {
		t.Fatalf("expected 1 remote write, got %d", w.sentCount())
	}
	if failed {
		t.Error("successful delivery must not mark the placeholder failed")
	}
}

func TestDeliver_OfflineParksInQueue(t *testing.T) {
	w := &fakeWriter{}
	q := openTestQueue(t)
	monitor := netmon.New(0) // disconnected

	p := New(w, q, monitor, nil, nil, zerolog.Nop())
	msg, _ := p.Prepare("c1", "alice", Content{Body: "later"})

	p.Deliver(context.Background(), msg, Hooks{})

	if w.sentCount() != 0 {
		t.Fatalf("offline send must not hit the writer, got %d writes", w.sentCount())
	}
	entries, err := q.Entries(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Entries() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Message.LocalID != msg.LocalID {
		t.Fatalf("send not parked in queue: %+v", entries)
	}
}

func TestDeliver_FailureMarksFailed(t *testing.T) {
	w := &fakeWriter{err: &models.TransportError{Op: "send", Err: errors.New("unreachable")}}
	p := New(w, nil, onlineMonitor(), nil, nil, zerolog.Nop())

	msg, _ := p.Prepare("c1", "alice", Content{Body: "Hi"})

	var failedID string
	p.Deliver(context.Background(), msg, Hooks{
		Failed: func(localID string, _ error) { failedID = localID },
	})

	if failedID != msg.LocalID {
		t.Fatalf("failed hook got %q, want %q", failedID, msg.LocalID)
	}
}

func TestDeliver_AttachmentSwappedBeforeWrite(t *testing.T) {
	w := &fakeWriter{}
	up := &fakeUploader{url: "https://cdn.example.com/img1.jpg"}
	p := New(w, nil, onlineMonitor(), nil, up, zerolog.Nop())

	msg, _ := p.Prepare("c1", "alice", Content{
		Attachment: &models.Attachment{URI: "file:///tmp/img1.jpg", Width: 800, Height: 600},
	})

	var updated *models.Message
	p.Deliver(context.Background(), msg, Hooks{
		Update: func(m models.Message) { updated = &m },
	})

	if updated == nil {
		t.Fatal("update hook never fired")
	}
	if updated.Attachment.URI != up.url {
		t.Errorf("ledger URI = %q, want durable URL", updated.Attachment.URI)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.sent) != 1 || w.sent[0].Attachment.URI != up.url {
		t.Fatalf("remote write must carry the durable URL, got %+v", w.sent)
	}
	if w.sent[0].Attachment.Width != 800 || w.sent[0].Attachment.Height != 600 {
		t.Error("attachment dimensions lost in the swap")
	}
}

func TestDeliver_UploadFailureMarksFailed(t *testing.T) {
	w := &fakeWriter{}
	up := &fakeUploader{err: &models.TransportError{Op: "upload", Err: errors.New("bucket down")}}
	p := New(w, nil, onlineMonitor(), nil, up, zerolog.Nop())

	msg, _ := p.Prepare("c1", "alice", Content{
		Attachment: &models.Attachment{URI: "file:///tmp/img1.jpg"},
	})

	var failedID string
	p.Deliver(context.Background(), msg, Hooks{
		Failed: func(localID string, _ error) { failedID = localID },
	})

	if failedID != msg.LocalID {
		t.Fatal("upload failure must mark the placeholder failed")
	}
	if w.sentCount() != 0 {
		t.Fatal("no remote write after a failed upload")
	}
}

func TestRetry_ReusesLocalID(t *testing.T) {
	w := &fakeWriter{}
	p := New(w, nil, onlineMonitor(), nil, nil, zerolog.Nop())

	msg, _ := p.Prepare("c1", "alice", Content{Body: "Hi"})
	msg.Lifecycle = models.LifecycleFailed

	p.Retry(context.Background(), msg, Hooks{})

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.sent) != 1 {
		t.Fatalf("expected 1 write, got %d", len(w.sent))
	}
	if w.sent[0].LocalID != msg.LocalID {
		t.Errorf("retry changed LocalID: %q vs %q", w.sent[0].LocalID, msg.LocalID)
	}
}
