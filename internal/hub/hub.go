package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"codepair/internal/websocket"
	"codepair/pkg/interfaces"
	"codepair/pkg/types"
)

const (
	eventBuffer    = 1000
	persistTimeout = 5 * time.Second
)

// Hub persists lifecycle events and fans them out to session watchers
// ARCHITECTURAL DISCOVERY: One goroutine owns the event stream, so events for a
// session are appended and broadcast in the order they were published
type Hub struct {
	eventChannel    chan *types.Event
	shutdownChannel chan struct{}
	done            chan struct{}

	store    interfaces.EventStore
	registry *websocket.Registry

	running bool
	mu      sync.RWMutex
}

var _ interfaces.EventPublisher = (*Hub)(nil)

// NewHub creates a new hub
func NewHub(store interfaces.EventStore, registry *websocket.Registry) *Hub {
	return &Hub{
		eventChannel: make(chan *types.Event, eventBuffer),
		store:        store,
		registry:     registry,
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	log.Println("Starting event hub...")
	go h.run(ctx, h.shutdownChannel, h.done)

	return nil
}

// Stop drains queued events and waits for the run loop to exit
// FUNCTIONAL DISCOVERY: Draining on shutdown keeps provisioning_failed records
// that were published just before the process stopped
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	log.Println("Stopping event hub...")
	<-done
	return nil
}

// Publish queues an event for persistence and broadcast without blocking
func (h *Hub) Publish(event *types.Event) error {
	if event == nil {
		return ErrNilEvent
	}

	// TECHNICAL DISCOVERY: Holding the read lock across the send keeps Stop
	// from closing the loop between the running check and the enqueue
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.eventChannel <- event:
		return nil
	default:
		return ErrEventChannelFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer log.Println("Hub processing stopped")

	for {
		select {
		case event := <-h.eventChannel:
			h.handleEvent(ctx, event)

		case <-shutdown:
			h.drain(ctx)
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			return
		}
	}
}

func (h *Hub) drain(ctx context.Context) {
	for {
		select {
		case event := <-h.eventChannel:
			h.handleEvent(ctx, event)
		default:
			return
		}
	}
}

// handleEvent appends the event then broadcasts it to the session's watchers.
// An event that failed to persist is not broadcast, so live watchers never see
// something a later history replay would not.
func (h *Hub) handleEvent(ctx context.Context, event *types.Event) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := h.store.AppendEvent(persistCtx, event); err != nil {
		log.Printf("ERROR: failed to persist event: type=%s session=%s: %v", event.Type, event.SessionID, err)
		return
	}

	if h.registry == nil {
		return
	}
	watchers := h.registry.GetSessionConnections(event.SessionID)
	for _, conn := range watchers {
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("Failed to deliver event %s to user %s: %v", event.Type, conn.GetUserID(), err)
		}
	}
	if len(watchers) > 0 {
		log.Printf("Event broadcast: type=%s session=%s watchers=%d", event.Type, event.SessionID, len(watchers))
	}
}

// GetStats returns hub statistics for the health endpoint
func (h *Hub) GetStats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	running := 0
	if h.running {
		running = 1
	}
	return map[string]int{
		"running":       running,
		"queued_events": len(h.eventChannel),
	}
}
