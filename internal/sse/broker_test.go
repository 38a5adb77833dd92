package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/multihop/internal/models"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: TypeRebuildProgress, Data: map[string]any{"stage": "embedding", "done": 3}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: index.rebuild") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"stage":"embedding"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishDocumentEvent_CollectionThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// First event should trigger collection.updated.
	b.PublishDocumentEvent("document.added", models.Document{Fingerprint: "aa", Name: "a.txt"})
	// Second event immediately should NOT trigger another collection.updated.
	b.PublishDocumentEvent("document.missing", models.Document{Fingerprint: "bb", Name: "b.txt", Missing: true})
	// Unknown kinds are dropped.
	b.PublishDocumentEvent("note.created", models.Document{Fingerprint: "cc"})

	time.Sleep(50 * time.Millisecond)
	collectionCount := 0
	var docEvents []string
loop:
	for {
		select {
		case msg := <-ch:
			s := string(msg)
			if strings.Contains(s, "collection.updated") {
				collectionCount++
			} else {
				docEvents = append(docEvents, s)
			}
		default:
			break loop
		}
	}

	if len(docEvents) != 2 {
		t.Fatalf("document events = %d, want 2", len(docEvents))
	}
	if !strings.Contains(docEvents[0], "event: document.added") || !strings.Contains(docEvents[0], `"fingerprint":"aa"`) {
		t.Errorf("first event = %q", docEvents[0])
	}
	if !strings.Contains(docEvents[1], `"missing":true`) {
		t.Errorf("second event = %q", docEvents[1])
	}
	if collectionCount != 1 {
		t.Errorf("collection events = %d, want 1 (throttled)", collectionCount)
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	// Start handler in background.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.Publish(Event{Type: "document.removed", Data: map[string]string{"fingerprint": "x"}})
	time.Sleep(50 * time.Millisecond)

	// Cancel context to disconnect.
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: document.removed") {
		t.Errorf("handler output missing event: %q", body)
	}

	// Client should be cleaned up.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill buffer (capacity 64) and then one more should not block.
	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
	// If we reach here without deadlock, the test passes.
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-op after close.
	b.Publish(Event{Type: "document.removed", Data: map[string]string{"fingerprint": "x"}})
	b.PublishDocumentEvent("document.removed", models.Document{Fingerprint: "x"})
}

func TestFramesCarryIncreasingIDs(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	ch := b.Subscribe()

	b.Publish(Event{Type: TypeRebuildProgress, Data: map[string]int{"done": 1}})
	b.Publish(Event{Type: TypeRebuildProgress, Data: map[string]int{"done": 2}})

	first, second := string(<-ch), string(<-ch)
	if !strings.HasPrefix(first, "id: 1\nevent: index.rebuild\ndata: {\"done\":1}\n\n") {
		t.Errorf("first frame = %q", first)
	}
	if !strings.HasPrefix(second, "id: 2\n") {
		t.Errorf("second frame = %q", second)
	}
}

func TestUnsubscribeAfterCloseIsSafe(t *testing.T) {
	b := NewBroker(time.Second)
	ch := b.Subscribe()
	b.Close()
	b.Unsubscribe(ch)
	b.Close()
	if _, ok := <-b.Subscribe(); ok {
		t.Error("subscribe after close returned an open channel")
	}
}
