package evidence

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qualys/sbcompliance/internal/models"
)

const (
	subscriberBuffer = 64
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// Hub broadcasts records to live subscribers of a project. Slow subscribers
// miss records rather than block the recorder.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[chan models.EvidenceRecord]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger.Named("evidence_stream"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[chan models.EvidenceRecord]struct{}),
	}
}

// Subscribe returns a channel of the project's new records and a function
// that ends the subscription.
func (h *Hub) Subscribe(ref string) (<-chan models.EvidenceRecord, func()) {
	ch := make(chan models.EvidenceRecord, subscriberBuffer)

	h.mu.Lock()
	if h.subs[ref] == nil {
		h.subs[ref] = make(map[chan models.EvidenceRecord]struct{})
	}
	h.subs[ref][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[ref], ch)
			if len(h.subs[ref]) == 0 {
				delete(h.subs, ref)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish implements Sink.
func (h *Hub) Publish(_ context.Context, rec models.EvidenceRecord) error {
	ref := rec.Ref()
	if ref == "" {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ref] {
		select {
		case ch <- rec:
		default:
			h.logger.Debug("dropping record for slow subscriber", zap.String("project_ref", ref))
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers of ref.
func (h *Hub) Subscribers(ref string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[ref])
}

// Stream upgrades the request to a websocket and writes the project's
// records as JSON messages until the client goes away.
func (h *Hub) Stream(w http.ResponseWriter, r *http.Request, ref string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	records, cancel := h.Subscribe(ref)
	defer cancel()

	// The reader only notices the client closing the connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
