package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/techhub-chat/internal/chat"
	"go.uber.org/zap"
)

const defaultSendBufferSize = 64

// RealtimeHub tracks live WebSocket connections by connection id and fans
// chat events out to them.
type RealtimeHub struct {
	mu          sync.RWMutex
	connections map[string]*realtimeSubscriber
	bufferSize  int
	closing     bool
	active      sync.WaitGroup
	logger      *zap.Logger
}

type realtimeSubscriber struct {
	id     string
	userID string
	stream chan []byte
}

func NewRealtimeHub(logger *zap.Logger) *RealtimeHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeHub{
		connections: make(map[string]*realtimeSubscriber),
		bufferSize:  defaultSendBufferSize,
		logger:      logger,
	}
}

// Subscribe registers a connection and returns its outbound stream together
// with a cleanup that unregisters it. The connection counts as live until the
// cleanup runs. After Shutdown the returned stream is already closed.
func (h *RealtimeHub) Subscribe(connectionID, userID string) (<-chan []byte, func()) {
	subscriber := &realtimeSubscriber{
		id:     connectionID,
		userID: userID,
		stream: make(chan []byte, h.bufferSize),
	}
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		close(subscriber.stream)
		return subscriber.stream, func() {}
	}
	if previous, ok := h.connections[connectionID]; ok {
		close(previous.stream)
	}
	h.connections[connectionID] = subscriber
	h.active.Add(1)
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.unregister(subscriber)
			h.active.Done()
		})
	}
	return subscriber.stream, cleanup
}

// Shutdown closes every outbound stream, which makes the connections close,
// and waits until each subscriber has run its cleanup or ctx is done.
func (h *RealtimeHub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for connectionID, subscriber := range h.connections {
		close(subscriber.stream)
		delete(h.connections, connectionID)
	}
	h.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		h.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver implements chat.Broadcaster. The frame is encoded once and queued
// without blocking; a full buffer drops the frame for that connection.
func (h *RealtimeHub) Deliver(connectionIDs []string, event chat.Event) {
	frame, err := json.Marshal(outboundFrame{Event: event.Name, Data: event.Data})
	if err != nil {
		h.logger.Error("event encoding failed", zap.String("event", event.Name), zap.Error(err))
		return
	}
	h.send(connectionIDs, frame, event.Name)
}

func (h *RealtimeHub) SendFrame(connectionID string, frame []byte) {
	h.send([]string{connectionID}, frame, "ack")
}

func (h *RealtimeHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *RealtimeHub) send(connectionIDs []string, frame []byte, eventName string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, connectionID := range connectionIDs {
		subscriber, ok := h.connections[connectionID]
		if !ok {
			continue
		}
		select {
		case subscriber.stream <- frame:
		default:
			h.logger.Warn("outbound frame dropped",
				zap.String("connection_id", connectionID),
				zap.String("user_id", subscriber.userID),
				zap.String("event", eventName),
				zap.Error(fmt.Errorf("%w: send buffer full", chat.ErrTransport)),
			)
		}
	}
}

func (h *RealtimeHub) unregister(subscriber *realtimeSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.connections[subscriber.id]; ok && current == subscriber {
		delete(h.connections, subscriber.id)
		close(subscriber.stream)
	}
}
