// Package stream pushes incident notifications to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/breachlog/internal/incident"
)

// Options tunes a Hub. Zero values select defaults.
type Options struct {
	// Buffer is the number of messages queued per subscriber before it is
	// considered too slow and disconnected.
	Buffer int

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration

	// OriginPatterns lists extra host patterns allowed to connect cross-origin.
	OriginPatterns []string
}

// Hub fans notifications out to every connected websocket client. It
// implements incident.Notifier and http.Handler.
type Hub struct {
	logger log.Logger
	opts   Options

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	msgs chan []byte

	once   sync.Once
	done   chan struct{}
	code   websocket.StatusCode
	reason string
}

func (s *subscriber) drop(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		s.code, s.reason = code, reason
		close(s.done)
	})
}

// NewHub creates an empty hub.
func NewHub(logger log.Logger, opts Options) *Hub {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Hub{
		logger: logger,
		opts:   opts,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Notify queues n for every subscriber without blocking. Subscribers whose
// queue is full are disconnected.
func (h *Hub) Notify(ctx context.Context, n *incident.Notification) error {
	msg, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("stream: marshal notification: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		select {
		case s.msgs <- msg:
		default:
			s.drop(websocket.StatusPolicyViolation, "subscriber too slow")
			delete(h.subs, s)
			h.logger.Warn(ctx, "dropped slow stream subscriber")
		}
	}
	return nil
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for s := range h.subs {
		s.drop(websocket.StatusGoingAway, "server shutting down")
		delete(h.subs, s)
	}
}

func (h *Hub) subscribe() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}
	s := &subscriber{
		msgs: make(chan []byte, h.opts.Buffer),
		done: make(chan struct{}),
	}
	h.subs[s] = struct{}{}
	return s, true
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a websocket and streams notifications
// until the client goes away, falls behind, or the hub closes. Client
// messages are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s, ok := h.subscribe()
	if !ok {
		http.Error(w, `{"error":"stream closed"}`, http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(s)

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	defer c.CloseNow()

	ctx := c.CloseRead(r.Context())
	h.logger.Info(ctx, "stream subscriber connected", "remote", r.RemoteAddr)

	for {
		select {
		case msg := <-s.msgs:
			if err := h.write(ctx, c, msg); err != nil {
				h.logger.Info(ctx, "stream subscriber write failed", "err", err)
				return
			}
		case <-s.done:
			_ = c.Close(s.code, s.reason)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) write(ctx context.Context, c *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, msg)
}
