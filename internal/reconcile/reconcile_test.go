package reconcile

import (
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/models"
)

func newTestReconciler() *Reconciler {
	return New(5*time.Second, 10*time.Second, zerolog.Nop())
}

func confirmed(id, sender, body string, ts int64) models.Message {
	return models.Message{
		ID:       id,
		ChatID:   "c1",
		SenderID: sender,
		Body:     body,
		ServerTS: ts,
	}
}

func pending(localID, sender, body string, createdAt int64) models.Message {
	return models.Message{
		LocalID:   localID,
		ChatID:    "c1",
		SenderID:  sender,
		Body:      body,
		CreatedAt: createdAt,
		Lifecycle: models.LifecyclePending,
	}
}

func TestMerge_PlaceholderSupersededByContentMatch(t *testing.T) {
	r := newTestReconciler()

	prev := []models.Message{pending("l1", "alice", "Hi", 1000)}
	snap := []models.Message{confirmed("m1", "alice", "Hi", 3000)}

	out := r.Merge(Input{ChatID: "c1", Remote: snap, Previous: prev, Connected: true})

	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}
	if out[0].ID != "m1" {
		t.Errorf("id = %q, want %q", out[0].ID, "m1")
	}
	if out[0].Lifecycle != "" {
		t.Errorf("lifecycle = %q, want confirmed", out[0].Lifecycle)
	}
}

func TestMerge_PlaceholderSupersededByLocalIDEcho(t *testing.T) {
	r := newTestReconciler()

	// Body differs and the timestamps are far apart; only the echoed
	// LocalID can match.
	prev := []models.Message{pending("l1", "alice", "Hi", 1000)}
	echo := confirmed("m1", "alice", "Hi there", 60_000)
	echo.LocalID = "l1"

	out := r.Merge(Input{ChatID: "c1", Remote: []models.Message{echo}, Previous: prev, Connected: true})

	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}
	if out[0].ID != "m1" {
		t.Errorf("id = %q, want %q", out[0].ID, "m1")
	}
}

func TestMerge_PlaceholderRetainedOutsideTolerance(t *testing.T) {
	r := newTestReconciler()

	prev := []models.Message{pending("l1", "alice", "Hi", 1000)}
	snap := []models.Message{confirmed("m1", "alice", "Hi", 60_000)} // 59s apart

	out := r.Merge(Input{ChatID: "c1", Remote: snap, Previous: prev, Connected: true})

	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}
}

func TestMerge_NoCrossSenderDedup(t *testing.T) {
	r := newTestReconciler()

	// Same body, overlapping timestamps, different senders: both stay.
	snap := []models.Message{
		confirmed("m1", "alice", "Hi", 1000),
		confirmed("m2", "bob", "Hi", 1500),
	}
	prev := []models.Message{pending("l1", "alice", "Hi", 900)}

	out := r.Merge(Input{ChatID: "c1", Remote: snap, Previous: prev, Connected: true})

	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}
	for _, m := range out {
		if m.Lifecycle != "" {
			t.Errorf("placeholder survived: %+v", m)
		}
	}
}

func TestMerge_AttachmentDedupByURL(t *testing.T) {
	r := newTestReconciler()

	local := models.Message{
		LocalID:    "l1",
		ChatID:     "c1",
		SenderID:   "alice",
		CreatedAt:  1000,
		Lifecycle:  models.LifecyclePending,
		Attachment: &models.Attachment{URI: "https://cdn.example.com/img1.jpg", Width: 800, Height: 600},
	}
	rem := models.Message{
		ID:         "m1",
		ChatID:     "c1",
		SenderID:   "alice",
		ServerTS:   500_000, // way outside the window; only the URL matches
		Attachment: &models.Attachment{URI: "https://cdn.example.com/img1.jpg", Width: 800, Height: 600},
	}

	out := r.Merge(Input{ChatID: "c1", Remote: []models.Message{rem}, Previous: []models.Message{local}, Connected: true})

	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}
	if out[0].ID != "m1" {
		t.Errorf("id = %q, want %q", out[0].ID, "m1")
	}
}

func TestMerge_DurableURLWinsOnDuplicateIdentity(t *testing.T) {
	r := newTestReconciler()

	// Two records for the same identity: local URI twin vs remote URL twin.
	localTwin := models.Message{
		ID:         "m1",
		LocalID:    "l1",
		ChatID:     "c1",
		SenderID:   "alice",
		ServerTS:   1000,
		Attachment: &models.Attachment{URI: "file:///tmp/img1.jpg"},
	}
	remoteTwin := models.Message{
		ID:         "m1",
		LocalID:    "l1",
		ChatID:     "c1",
		SenderID:   "alice",
		ServerTS:   1000,
		Attachment: &models.Attachment{URI: "https://cdn.example.com/img1.jpg"},
	}

	out := r.Merge(Input{ChatID: "c1", Remote: []models.Message{localTwin, remoteTwin}, Connected: true})

	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}
	if got := out[0].Attachment.URI; got != "https://cdn.example.com/img1.jpg" {
		t.Errorf("attachment uri = %q, want remote URL", got)
	}
}

func TestMerge_OfflineLocalEchoDropped(t *testing.T) {
	r := newTestReconciler()

	prev := []models.Message{pending("l1", "alice", "Hi", 1000)}
	echo := confirmed("m1", "alice", "Hi", 1500)

	out := r.Merge(Input{ChatID: "c1", Remote: []models.Message{echo}, Previous: prev, Connected: false})

	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}
	if out[0].Lifecycle != models.LifecyclePending {
		t.Errorf("expected the placeholder to survive offline, got %+v", out[0])
	}
}

func TestMerge_MalformedRemoteSkipped(t *testing.T) {
	r := newTestReconciler()

	snap := []models.Message{
		{ChatID: "c1", SenderID: "alice", Body: "no id", ServerTS: 1000},
		confirmed("m1", "alice", "ok", 2000),
		{ID: "m2", ChatID: "other-chat", SenderID: "alice", Body: "wrong chat", ServerTS: 3000},
	}

	out := r.Merge(Input{ChatID: "c1", Remote: snap, Connected: true})

	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}
	if out[0].ID != "m1" {
		t.Errorf("id = %q, want %q", out[0].ID, "m1")
	}
}

func TestMerge_OrderingByEffectiveTimestamp(t *testing.T) {
	r := newTestReconciler()

	snap := []models.Message{
		confirmed("m2", "bob", "second", 2000),
		confirmed("m1", "alice", "first", 1000),
		confirmed("m3", "alice", "third", 3000),
	}
	prev := []models.Message{pending("l1", "carol", "floating", 2500)}

	out := r.Merge(Input{ChatID: "c1", Remote: snap, Previous: prev, Connected: true})

	if len(out) != 4 {
		t.Fatalf("expected 4 records, got %d", len(out))
	}
	var last int64
	for _, m := range out {
		if m.EffectiveTS() < last {
			t.Fatalf("ordering violated: %d after %d", m.EffectiveTS(), last)
		}
		last = m.EffectiveTS()
	}
	if out[2].LocalID != "l1" {
		t.Errorf("placeholder not floating at its approximate position: %+v", out)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	r := newTestReconciler()

	snap := []models.Message{
		confirmed("m1", "alice", "Hi", 1000),
		confirmed("m2", "bob", "Yo", 2000),
	}
	prev := []models.Message{
		pending("l1", "alice", "Hi", 900),
		pending("l2", "carol", "later", 5000),
	}

	first := r.Merge(Input{ChatID: "c1", Remote: snap, Previous: prev, Connected: true})
	second := r.Merge(Input{ChatID: "c1", Remote: snap, Previous: first, Connected: true})

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("merge not idempotent:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	r := newTestReconciler()

	snap := []models.Message{confirmed("m1", "alice", "Hi", 1000)}
	prev := []models.Message{pending("l1", "bob", "Yo", 900)}
	snapCopy := models.CloneAll(snap)
	prevCopy := models.CloneAll(prev)

	r.Merge(Input{ChatID: "c1", Remote: snap, Previous: prev, Connected: true})

	if !reflect.DeepEqual(snap, snapCopy) || !reflect.DeepEqual(prev, prevCopy) {
		t.Fatal("merge mutated its inputs")
	}
}

func TestSameAction_TextVersusAttachment(t *testing.T) {
	r := newTestReconciler()

	text := pending("l1", "alice", "Hi", 1000)
	img := models.Message{
		ID:         "m1",
		SenderID:   "alice",
		ServerTS:   1000,
		Attachment: &models.Attachment{URI: "https://cdn.example.com/a.jpg"},
	}

	if r.SameAction(&img, &text) {
		t.Fatal("attachment record must not match a text placeholder")
	}
}
