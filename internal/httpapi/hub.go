package httpapi

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType enumerates the progress events a long-running CLI command
// (backtest-active, optimize, reconcile-trades) can publish while it runs.
type EventType string

const (
	EventJobStarted   EventType = "job_started"
	EventJobProgress  EventType = "job_progress"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventHeartbeat    EventType = "heartbeat"
)

// Event is one message broadcast to subscribers of a channel (one channel
// per tracked job, e.g. "job:<id>").
type Event struct {
	Type      EventType       `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// client is one websocket connection, subscribed to zero or more channels.
type client struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub fans progress events out to every websocket client subscribed to a
// channel, grounded on the teacher's internal/api/websocket.go Hub:
// register/unregister channels plus a periodic heartbeat, adapted here to
// broadcast command progress instead of order/position/signal streams.
type Hub struct {
	logger     *zap.Logger
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	channels   map[string]map[*client]bool
	mu         sync.RWMutex
}

// NewHub constructs a Hub. logger may be nil.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		channels:   make(map[string]map[*client]bool),
	}
}

// Run drives the hub's event loop. It never returns, so it runs in its own
// goroutine for the lifetime of the process.
func (h *Hub) Run() {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				for channel := range c.subscriptions {
					if peers, ok := h.channels[channel]; ok {
						delete(peers, c)
						if len(peers) == 0 {
							delete(h.channels, channel)
						}
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()

		case <-heartbeat.C:
			h.Publish("", EventHeartbeat, nil)
		}
	}
}

// Subscribe attaches c to channel so PublishToChannel reaches it.
func (h *Hub) Subscribe(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*client]bool)
	}
	h.channels[channel][c] = true

	c.mu.Lock()
	c.subscriptions[channel] = true
	c.mu.Unlock()
}

// Publish broadcasts one event to every connected client, regardless of
// channel subscription (used for heartbeats and global events).
func (h *Hub) Publish(channel string, eventType EventType, data interface{}) {
	payload, err := encodeEvent(channel, eventType, data)
	if err != nil {
		h.logger.Warn("failed to encode event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("broadcast buffer full, dropping event", zap.String("channel", channel))
	}
}

// PublishToChannel broadcasts one event only to clients subscribed to
// channel, the primary path a running command uses to stream its progress.
func (h *Hub) PublishToChannel(channel string, eventType EventType, data interface{}) {
	payload, err := encodeEvent(channel, eventType, data)
	if err != nil {
		h.logger.Warn("failed to encode event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.channels[channel] {
		select {
		case c.send <- payload:
		default:
		}
	}
}

func encodeEvent(channel string, eventType EventType, data interface{}) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return json.Marshal(Event{
		Type:      eventType,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	})
}
