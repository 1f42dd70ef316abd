package hub

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bygeon/bygeon/internal/cache"
	"github.com/bygeon/bygeon/internal/connector"
	"github.com/bygeon/bygeon/internal/message"
	"github.com/bygeon/bygeon/internal/store"
)

// fakeConnector implements connector.Connector for hub tests. Every Send,
// Edit, Delete call is recorded and also pushed onto a channel so tests can
// wait for the hub's fan-out goroutines without sleeping arbitrarily.
type fakeConnector struct {
	platform string

	mu      sync.Mutex
	nextID  int
	sendErr error

	sendCh   chan sentCall
	editCh   chan editCall
	deleteCh chan deleteCall
}

type sentCall struct {
	msg             message.Message
	remoteChannelID string
	replyRef        string
}

type editCall struct {
	msg             message.Message
	remoteChannelID string
	remoteID        string
}

type deleteCall struct {
	remoteID        string
	remoteChannelID string
}

func newFakeConnector(platform string) *fakeConnector {
	return &fakeConnector{
		platform: platform,
		sendCh:   make(chan sentCall, 10),
		editCh:   make(chan editCall, 10),
		deleteCh: make(chan deleteCall, 10),
	}
}

func (f *fakeConnector) Platform() string { return f.platform }
func (f *fakeConnector) AddHub(remoteChannelID string, sink connector.HubSink, attachments *cache.Cache) error {
	return nil
}
func (f *fakeConnector) Start(ctx context.Context) error { return nil }

func (f *fakeConnector) Send(ctx context.Context, m message.Message, remoteChannelID, replyRef string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("%s-%d", f.platform, f.nextID)
	f.mu.Unlock()
	f.sendCh <- sentCall{msg: m, remoteChannelID: remoteChannelID, replyRef: replyRef}
	return id, nil
}

func (f *fakeConnector) Edit(ctx context.Context, m message.Message, remoteChannelID, remoteID string) (string, error) {
	f.editCh <- editCall{msg: m, remoteChannelID: remoteChannelID, remoteID: remoteID}
	return remoteID, nil
}

func (f *fakeConnector) Delete(ctx context.Context, remoteID, remoteChannelID string) error {
	f.deleteCh <- deleteCall{remoteID: remoteID, remoteChannelID: remoteChannelID}
	return nil
}

func waitSend(t *testing.T, ch chan sentCall) sentCall {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Send")
		return sentCall{}
	}
}

func waitEdit(t *testing.T, ch chan editCall) editCall {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Edit")
		return editCall{}
	}
}

func waitDelete(t *testing.T, ch chan deleteCall) deleteCall {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Delete")
		return deleteCall{}
	}
}

func newTestHub(t *testing.T, platforms ...string) (*Hub, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hub.db"), platforms, true)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	c, err := cache.New(filepath.Join(t.TempDir(), "attachments"))
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	return New("test-hub", st, c), st
}

// S1: new message + mirror.
func TestOnNewMessage_MirrorsToSibling(t *testing.T) {
	h, st := newTestHub(t, "A", "B")
	a, b := newFakeConnector("A"), newFakeConnector("B")
	if err := h.Register(a, "a-chan"); err != nil {
		t.Fatal(err)
	}
	if err := h.Register(b, "b-chan"); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	h.OnNewMessage(ctx, message.Message{
		OriginPlatform:  "A",
		OriginChannelID: "a-chan",
		OriginMessageID: "a1",
		AuthorName:      "alice",
		Text:            "hi",
	})

	sent := waitSend(t, b.sendCh)
	if sent.remoteChannelID != "b-chan" {
		t.Errorf("remoteChannelID = %q, want %q", sent.remoteChannelID, "b-chan")
	}
	if sent.replyRef != "" {
		t.Errorf("replyRef = %q, want empty", sent.replyRef)
	}

	row, found, err := st.FindRow(ctx, "A", "a1")
	if err != nil || !found {
		t.Fatalf("FindRow() = %v, %v, %v", row, found, err)
	}
	// Give SetSibling's goroutine a moment to land after Send returned.
	deadline := time.Now().Add(2 * time.Second)
	for row["B"] == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		row, _, _ = st.FindRow(ctx, "A", "a1")
	}
	if row["B"] != "B-1" {
		t.Errorf("row[B] = %q, want %q", row["B"], "B-1")
	}
}

// S2/S3: reply translation, with and without a mirrored ancestor.
func TestOnNewMessage_ReplyTranslation(t *testing.T) {
	h, st := newTestHub(t, "A", "B")
	a, b := newFakeConnector("A"), newFakeConnector("B")
	h.Register(a, "a-chan")
	h.Register(b, "b-chan")
	ctx := context.Background()

	h.OnNewMessage(ctx, message.Message{OriginPlatform: "A", OriginMessageID: "a1", Text: "hi"})
	waitSend(t, b.sendCh)
	waitForSibling(t, st, ctx, "A", "a1", "B")

	// S2: reply to a1, which has mirrored to B-1.
	h.OnNewMessage(ctx, message.Message{OriginPlatform: "A", OriginMessageID: "a2", OriginReplyRefID: "a1", Text: "re"})
	sent := waitSend(t, b.sendCh)
	if sent.replyRef != "B-1" {
		t.Errorf("replyRef = %q, want %q", sent.replyRef, "B-1")
	}

	// S3: reply to a0, never observed — send proceeds without reply context.
	h.OnNewMessage(ctx, message.Message{OriginPlatform: "A", OriginMessageID: "a3", OriginReplyRefID: "a0"})
	sent = waitSend(t, b.sendCh)
	if sent.replyRef != "" {
		t.Errorf("replyRef = %q, want empty for unmirrored ancestor", sent.replyRef)
	}
}

func waitForSibling(t *testing.T, st *store.Store, ctx context.Context, originPlatform, originID, sibling string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		row, _, err := st.FindRow(ctx, originPlatform, originID)
		if err != nil {
			t.Fatalf("FindRow() error = %v", err)
		}
		if row[sibling] != "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for sibling %s to be recorded", sibling)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// S4: edit.
func TestOnEdit_DispatchesToSiblingWithTranslatedID(t *testing.T) {
	h, st := newTestHub(t, "A", "B")
	a, b := newFakeConnector("A"), newFakeConnector("B")
	h.Register(a, "a-chan")
	h.Register(b, "b-chan")
	ctx := context.Background()

	h.OnNewMessage(ctx, message.Message{OriginPlatform: "A", OriginMessageID: "a1", Text: "hi"})
	waitSend(t, b.sendCh)
	waitForSibling(t, st, ctx, "A", "a1", "B")

	h.OnEdit(ctx, message.Message{OriginPlatform: "A", OriginMessageID: "a1", Text: "hi!"})
	edit := waitEdit(t, b.editCh)
	if edit.remoteID != "B-1" {
		t.Errorf("remoteID = %q, want %q", edit.remoteID, "B-1")
	}
}

// S5: delete.
func TestOnDelete_DispatchesToSiblingWithTranslatedID(t *testing.T) {
	h, st := newTestHub(t, "A", "B")
	a, b := newFakeConnector("A"), newFakeConnector("B")
	h.Register(a, "a-chan")
	h.Register(b, "b-chan")
	ctx := context.Background()

	h.OnNewMessage(ctx, message.Message{OriginPlatform: "A", OriginMessageID: "a1", Text: "hi"})
	waitSend(t, b.sendCh)
	waitForSibling(t, st, ctx, "A", "a1", "B")

	h.OnDelete(ctx, "A", "a1")
	del := waitDelete(t, b.deleteCh)
	if del.remoteID != "B-1" {
		t.Errorf("remoteID = %q, want %q", del.remoteID, "B-1")
	}

	// Row remains (tombstoning not required).
	row, found, err := st.FindRow(ctx, "A", "a1")
	if err != nil || !found {
		t.Fatalf("FindRow() = %v, %v, %v", row, found, err)
	}
}

// OnEdit/OnDelete for a sibling with no recorded mirror: skipped, never errors.
func TestOnEditOnDelete_NoTranslation_Skipped(t *testing.T) {
	h, _ := newTestHub(t, "A", "B")
	a, b := newFakeConnector("A"), newFakeConnector("B")
	h.Register(a, "a-chan")
	h.Register(b, "b-chan")
	ctx := context.Background()

	// No OnNewMessage was ever sent for "a9" — no row exists.
	h.OnEdit(ctx, message.Message{OriginPlatform: "A", OriginMessageID: "a9", Text: "?"})
	h.OnDelete(ctx, "A", "a9")

	select {
	case <-b.editCh:
		t.Fatal("Edit should not have been called")
	case <-b.deleteCh:
		t.Fatal("Delete should not have been called")
	case <-time.After(200 * time.Millisecond):
		// expected: nothing dispatched
	}
}

// Three-platform hub: a message from A mirrors to both B and C independently.
func TestOnNewMessage_ThreePlatforms_FansOutToAllSiblings(t *testing.T) {
	h, _ := newTestHub(t, "A", "B", "C")
	a, b, c := newFakeConnector("A"), newFakeConnector("B"), newFakeConnector("C")
	h.Register(a, "a-chan")
	h.Register(b, "b-chan")
	h.Register(c, "c-chan")
	ctx := context.Background()

	h.OnNewMessage(ctx, message.Message{OriginPlatform: "A", OriginMessageID: "a1", Text: "hi"})

	waitSend(t, b.sendCh)
	waitSend(t, c.sendCh)
}
