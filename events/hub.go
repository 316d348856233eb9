package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	TypeCycle  EventType = "cycle"
	TypeTrade  EventType = "trade"
	TypeStatus EventType = "status"
	TypeError  EventType = "error"
)

// Event is one notification pushed to SSE subscribers.
type Event struct {
	Type       EventType   `json:"type"`
	StrategyID string      `json:"strategy_id,omitempty"`
	Symbol     string      `json:"symbol,omitempty"`
	Message    string      `json:"message,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  int64       `json:"timestamp"`
}

// Hub fans events out to connected SSE clients. Slow clients are dropped
// rather than allowed to block the broadcast path.
type Hub struct {
	clients    map[chan []byte]bool
	broadcast  chan []byte
	register   chan chan []byte
	unregister chan chan []byte
	log        zerolog.Logger
	mu         sync.Mutex
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[chan []byte]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan chan []byte),
		unregister: make(chan chan []byte),
		log:        log.With().Str("component", "events").Logger(),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", n).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", n).Msg("client unregistered")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- message:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast pushes one event to every connected client.
func (h *Hub) Broadcast(evt Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		h.log.Warn().Err(err).Msg("event marshal failed")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.log.Warn().Msg("broadcast queue full, event dropped")
	}
}

// ServeHTTP streams events to one client over SSE.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client := make(chan []byte, 256)
	h.register <- client
	defer func() {
		h.unregister <- client
	}()

	fmt.Fprintf(w, "data: %s\n\n", `{"type":"status","message":"connected"}`)
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-client:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}
