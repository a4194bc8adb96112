package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	// sendBuffer is how many outbound frames a slow subscriber may lag
	// behind before further events are dropped for it.
	sendBuffer = 64

	// readLimit caps inbound frames. Requests are tiny JSON objects.
	readLimit = 4096
)

// TriggerFunc starts a sync of one root on behalf of a subscriber. ctx
// carries no deadline or cancellation from the subscriber's connection.
type TriggerFunc func(ctx context.Context, rootID uint64) (models.Summary, error)

type subscriber struct {
	send chan []byte
}

// Hub is a WebSocket endpoint that streams events to every connected
// subscriber. Subscribers may send {"op":"sync","root_id":N} to start a
// run and {"op":"ping"} to check liveness.
type Hub struct {
	logger  *slog.Logger
	trigger TriggerFunc

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates a hub. trigger may be nil, in which case sync requests
// are answered with an error.
func NewHub(logger *slog.Logger, trigger TriggerFunc) *Hub {
	return &Hub{
		logger:  logger,
		trigger: trigger,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// RunCompleted publishes a run_completed event.
func (h *Hub) RunCompleted(root models.SyncRoot, summary models.Summary, err error) {
	h.Publish(runCompleted(root, summary, err))
}

// RootSuspended publishes a root_suspended event.
func (h *Hub) RootSuspended(root models.SyncRoot, reason string) {
	h.Publish(rootSuspended(root, reason))
}

// Publish sends e to every subscriber without blocking. Subscribers whose
// buffer is full miss the event.
func (h *Hub) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encoding event", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		select {
		case s.send <- data:
		default:
			h.logger.Debug("dropping event for slow subscriber", slog.String("kind", string(e.Kind)))
		}
	}
}

// ServeHTTP upgrades the request and serves the subscriber until either
// side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	conn.SetReadLimit(readLimit)

	s := &subscriber{send: make(chan []byte, sendBuffer)}
	h.add(s)
	defer h.remove(s)

	h.logger.Debug("event subscriber connected", slog.String("remote_addr", r.RemoteAddr))

	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		return h.readLoop(ctx, conn, s)
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case data := <-s.send:
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return err
				}
			}
		}
	})

	err = g.Wait()

	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	h.logger.Debug("event subscriber disconnected", slog.String("error", err.Error()))
	conn.Close(websocket.StatusInternalError, "")
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, s *subscriber) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		if typ != websocket.MessageText {
			continue
		}

		switch op := gjson.GetBytes(data, "op").Str; op {
		case "ping":
			reply(s, map[string]any{"op": "pong"})

		case "sync":
			id := gjson.GetBytes(data, "root_id")
			if !id.Exists() || id.Uint() == 0 {
				reply(s, map[string]any{"op": "error", "error": "root_id required"})
				continue
			}

			if h.trigger == nil {
				reply(s, map[string]any{"op": "error", "error": "sync not available"})
				continue
			}

			// The run outlives the request. A subscriber that disconnects
			// early just misses the reply.
			go h.runTrigger(context.WithoutCancel(ctx), s, id.Uint())

		default:
			reply(s, map[string]any{"op": "error", "error": "unknown op " + op})
		}
	}
}

func (h *Hub) runTrigger(ctx context.Context, s *subscriber, rootID uint64) {
	summary, err := h.trigger(ctx, rootID)

	msg := map[string]any{
		"op":      "sync_result",
		"root_id": rootID,
		"summary": summary,
	}
	if err != nil {
		msg["error"] = err.Error()
	}

	reply(s, msg)
}

// reply queues a direct answer to one subscriber.
func reply(s *subscriber, msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	select {
	case s.send <- data:
	default:
	}
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}
