// Package sse streams collection and index updates to browsers as
// Server-Sent Events.
package sse

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/starford/multihop/internal/models"
)

// Event is one message on the stream. Data is sent as JSON.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Event types besides the pipeline's document.* kinds.
const (
	TypeCollectionUpdated = "collection.updated"
	TypeRebuildProgress   = "index.rebuild"
)

const (
	clientBuffer      = 64
	heartbeatInterval = 25 * time.Second
)

type documentData struct {
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
	Missing     bool   `json:"missing"`
}

// Broker fans events out to subscribed clients. Slow clients lose
// messages rather than stall publishers.
type Broker struct {
	throttle time.Duration

	mu             sync.Mutex
	clients        map[chan []byte]struct{}
	nextID         uint64
	lastCollection time.Time
	closed         bool
}

// NewBroker returns a broker that follows document events with a
// collection.updated event at most once per throttle interval.
func NewBroker(throttle time.Duration) *Broker {
	if throttle <= 0 {
		throttle = 2 * time.Second
	}
	return &Broker{throttle: throttle, clients: make(map[chan []byte]struct{})}
}

// Subscribe registers a client. The channel is closed on Unsubscribe or
// Close; a closed broker hands out an already closed channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.clients[ch] = struct{}{}
	return ch
}

// Unsubscribe drops a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
}

// ClientCount returns the number of subscribed clients.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every client. Later publishes are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.clients {
		close(ch)
	}
	clear(b.clients)
}

// Publish sends event to every client.
func (b *Broker) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendLocked(event)
}

// PublishDocumentEvent forwards a pipeline document event. Kinds outside
// document.* are ignored. Its signature matches pipeline.Notifier.
func (b *Broker) PublishDocumentEvent(kind string, doc models.Document) {
	if !strings.HasPrefix(kind, "document.") {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendLocked(Event{Type: kind, Data: documentData{
		Fingerprint: doc.Fingerprint,
		Name:        doc.Name,
		Missing:     doc.Missing,
	}})

	if now := time.Now(); now.Sub(b.lastCollection) >= b.throttle {
		b.lastCollection = now
		b.sendLocked(Event{Type: TypeCollectionUpdated, Data: struct{}{}})
	}
}

func (b *Broker) sendLocked(event Event) {
	if b.closed || len(b.clients) == 0 {
		return
	}
	payload, err := json.Marshal(event.Data)
	if err != nil {
		slog.Warn("sse: encode event", slog.String("type", event.Type), slog.String("error", err.Error()))
		return
	}
	b.nextID++

	var buf bytes.Buffer
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatUint(b.nextID, 10))
	buf.WriteString("\nevent: ")
	buf.WriteString(event.Type)
	buf.WriteString("\ndata: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	frame := buf.Bytes()

	for ch := range b.clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

// ServeHTTP streams events to one client until it disconnects or the
// broker closes. A comment line is sent periodically to keep proxies from
// timing the connection out.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
		case frame, open := <-ch:
			if !open {
				return
			}
			_, _ = w.Write(frame)
		}
		flusher.Flush()
	}
}
