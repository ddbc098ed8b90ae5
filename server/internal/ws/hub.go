package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asiaops/asia/pkg/types"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10 // must stay below pongWait

	// queueDepth is how many run lists a subscriber may fall behind before
	// it is dropped.
	queueDepth = 16

	listTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is enforced by the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope of every frame pushed to subscribers.
type Message struct {
	Event string      `json:"event"`
	Data  []types.Run `json:"data"`
}

// RunLister supplies the run list pushed to subscribers, newest first.
type RunLister interface {
	Runs(ctx context.Context) ([]types.Run, error)
}

// Filter narrows the runs a subscriber receives. Empty fields match all.
type Filter struct {
	Subsystem string
	Status    string
}

// ParseFilter reads the subsystem and status query parameters.
func ParseFilter(q url.Values) (Filter, error) {
	f := Filter{
		Subsystem: strings.ToUpper(strings.TrimSpace(q.Get("subsystem"))),
		Status:    strings.ToLower(strings.TrimSpace(q.Get("status"))),
	}
	switch f.Status {
	case "", types.StatusProcessing, types.StatusCompleted, types.StatusFailed:
		return f, nil
	default:
		return Filter{}, fmt.Errorf("unknown status %q", f.Status)
	}
}

func (f Filter) match(r types.Run) bool {
	if f.Subsystem != "" && !strings.EqualFold(r.Metadata.Subsystem, f.Subsystem) {
		return false
	}
	return f.Status == "" || r.Status == f.Status
}

func (f Filter) apply(runs []types.Run) []types.Run {
	out := []types.Run{}
	for _, r := range runs {
		if f.match(r) {
			out = append(out, r)
		}
	}
	return out
}

// Hub pushes the run list to WebSocket subscribers on every tick and
// whenever Notify is called.
type Hub struct {
	runs     RunLister
	interval time.Duration
	notify   chan struct{}

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn   *websocket.Conn
	filter Filter
	queue  chan []byte
}

// New returns a Hub that lists runs from runs every interval.
func New(runs RunLister, interval time.Duration) *Hub {
	return &Hub{
		runs:     runs,
		interval: interval,
		notify:   make(chan struct{}, 1),
		subs:     make(map[*subscriber]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			return
		case <-t.C:
		case <-h.notify:
		}
		h.publish(ctx)
	}
}

// Notify schedules an immediate publish. Pending notifications coalesce.
func (h *Hub) Notify() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// ServeHTTP upgrades the request and streams run lists matching the
// subsystem and status query parameters until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s := &subscriber{
		conn:   conn,
		filter: filter,
		queue:  make(chan []byte, queueDepth),
	}

	// The snapshot is queued before subscribing so it is always the first frame.
	if runs, err := h.list(r.Context()); err == nil {
		if frame, err := encode(filter.apply(runs)); err == nil {
			s.queue <- frame
		}
	}
	h.subscribe(s)
	defer h.unsubscribe(s)

	go s.writeLoop()
	s.readLoop()
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) subscribe(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.queue)
	}
	h.mu.Unlock()
}

func (h *Hub) list(ctx context.Context) ([]types.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	return h.runs.Runs(ctx)
}

// publish lists runs once and encodes one frame per distinct filter.
func (h *Hub) publish(ctx context.Context) {
	runs, err := h.list(ctx)
	if err != nil {
		slog.Warn("ws: list runs", "err", err)
		return
	}

	frames := make(map[Filter][]byte)
	var lagging []*subscriber

	// Queue under the read lock so unsubscribe cannot close a queue mid-send.
	h.mu.RLock()
	for s := range h.subs {
		frame, ok := frames[s.filter]
		if !ok {
			if frame, err = encode(s.filter.apply(runs)); err != nil {
				slog.Warn("ws: encode runs", "err", err)
				continue
			}
			frames[s.filter] = frame
		}
		select {
		case s.queue <- frame:
		default:
			lagging = append(lagging, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range lagging {
		slog.Debug("ws: dropping lagging subscriber", "remote", s.conn.RemoteAddr().String())
		h.unsubscribe(s)
	}
}

func encode(runs []types.Run) ([]byte, error) {
	return json.Marshal(Message{Event: "runs", Data: runs})
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		close(s.queue)
		delete(h.subs, s)
	}
}

// writeLoop forwards queued frames and keeps the connection alive with pings.
func (s *subscriber) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.queue:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop only services control frames; it returns once the peer is gone.
func (s *subscriber) readLoop() {
	defer s.conn.Close()
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
