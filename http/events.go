package http

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sse"

	"github.com/mark3labs/signet"
)

// Event types sent on the event stream.
const (
	EventPresented = "presented"
	EventClosed    = "closed"
)

// Event is one presenter notification.
type Event struct {
	Type      string              `json:"type"`
	RequestID string              `json:"requestId"`
	Display   *signet.DisplayData `json:"display,omitempty"`
	// Code is empty when the request completed successfully.
	Code signet.ErrorCode `json:"code,omitempty"`
	At   time.Time        `json:"at"`
}

// Broadcaster is a signet.Presenter that fans events out to subscribers and
// serves them as a server-sent event stream. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Broadcaster struct {
	logger *slog.Logger
	buffer int

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcastLogger sets the logger.
func WithBroadcastLogger(logger *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// WithBuffer sets the per-subscriber buffer.
func WithBuffer(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		logger: slog.Default(),
		buffer: 16,
		subs:   make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PresentApproval implements signet.Presenter.
func (b *Broadcaster) PresentApproval(display signet.DisplayData) {
	b.publish(Event{Type: EventPresented, RequestID: display.RequestID, Display: &display, At: time.Now().UTC()})
}

// ApprovalClosed implements signet.Presenter.
func (b *Broadcaster) ApprovalClosed(requestID string, code signet.ErrorCode) {
	b.publish(Event{Type: EventClosed, RequestID: requestID, Code: code, At: time.Now().UTC()})
}

func (b *Broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event subscriber lagging, dropping event", "type", ev.Type, "request", ev.RequestID)
		}
	}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// ServeHTTP streams events as text/event-stream until the client disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := sse.Encode(w, sse.Event{Event: ev.Type, Data: ev}); err != nil {
				b.logger.Debug("event stream closed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
