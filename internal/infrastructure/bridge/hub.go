package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"camrelay/internal/core/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// envelope is the wire form every bridge consumer sees.
type envelope struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Bridge fans engine events out to the host: in-process subscribers,
// WebSocket clients and, when a bus is attached, other instances over
// redis.
type Bridge struct {
	bus    *EventBus
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	subs    map[int]chan domain.Event
	nextSub int
	clients map[*wsClient]struct{}
}

// NewBridge builds the event bridge. bus may be nil for single-instance
// deployments.
func NewBridge(bus *EventBus, logger *zap.SugaredLogger) *Bridge {
	return &Bridge{
		bus:     bus,
		logger:  logger,
		subs:    make(map[int]chan domain.Event),
		clients: make(map[*wsClient]struct{}),
	}
}

// Start begins relaying events published by other instances. It is a
// no-op without a bus.
func (b *Bridge) Start(ctx context.Context) {
	if b.bus == nil {
		return
	}
	go func() {
		err := b.bus.Subscribe(ctx, func(event domain.Event) error {
			data, err := json.Marshal(envelopeFrom(event))
			if err != nil {
				return err
			}
			b.fanLocal(event, data)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warnw("event fanout subscription ended", "error", err)
		}
	}()
}

// Publish delivers one event to every local consumer and, when a bus is
// attached, to the other instances. It never blocks the caller.
func (b *Bridge) Publish(event domain.Event) {
	data, err := json.Marshal(envelopeFrom(event))
	if err != nil {
		b.logger.Warnw("failed to marshal event", "type", event.Type, "error", err)
		return
	}

	b.fanLocal(event, data)

	if b.bus != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := b.bus.Publish(ctx, event); err != nil {
				b.logger.Debugw("failed to fan event to redis", "type", event.Type, "error", err)
			}
		}()
	}
}

// Subscribe returns a channel of events plus a cancel func. Slow
// subscribers lose events rather than stalling the pipeline.
func (b *Bridge) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan domain.Event, 16)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// HandleEventsSocket upgrades the request and streams event envelopes
// until the client goes away.
func (b *Bridge) HandleEventsSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 32)}
	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()

	b.logger.Debugw("event client connected", "remote", r.RemoteAddr)

	go b.writePump(client)
	b.readPump(client)
}

// ClientCount reports how many WebSocket clients are attached.
func (b *Bridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Shutdown disconnects every consumer.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	clients := make([]*wsClient, 0, len(b.clients))
	for client := range b.clients {
		clients = append(clients, client)
	}
	b.clients = make(map[*wsClient]struct{})

	subs := make([]chan domain.Event, 0, len(b.subs))
	for id, ch := range b.subs {
		subs = append(subs, ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, client := range clients {
		close(client.send)
	}
	for _, ch := range subs {
		close(ch)
	}
}

func (b *Bridge) fanLocal(event domain.Event, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Debugw("dropping event for slow subscriber", "type", event.Type)
		}
	}
	for client := range b.clients {
		select {
		case client.send <- data:
		default:
			b.logger.Debugw("dropping event for slow client", "type", event.Type)
		}
	}
}

func (b *Bridge) readPump(client *wsClient) {
	defer b.unregister(client)

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.logger.Debugw("event client read error", "error", err)
			}
			return
		}
	}
}

func (b *Bridge) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Bridge) unregister(client *wsClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client.send)
	}
}

func envelopeFrom(event domain.Event) envelope {
	return envelope{
		Type:      string(event.Type),
		Payload:   event.Payload,
		Timestamp: event.Timestamp.UnixMilli(),
	}
}
