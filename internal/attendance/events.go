package attendance

import (
	"sync"
	"time"

	"github.com/kozaktomas/smart-attendance/internal/constants"
)

// Event types sent to listeners.
const (
	EventProbe      = "probe"
	EventSession    = "session"
	EventCorrection = "correction"
	EventIdentity   = "identity"
)

// Event is one notification broadcast to listeners.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}

type listener struct {
	ch        chan Event
	sessionID string
}

// EventBroadcaster fans events out to listeners. Slow listeners miss
// events instead of blocking the sender.
type EventBroadcaster struct {
	mu        sync.RWMutex
	listeners []listener
}

// AddListener adds a listener. A non-empty sessionID limits delivery to
// events of that session.
func (b *EventBroadcaster) AddListener(sessionID string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, listener{ch: ch, sessionID: sessionID})
	return ch
}

// RemoveListener removes a listener and closes its channel.
func (b *EventBroadcaster) RemoveListener(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.ch == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all matching listeners.
func (b *EventBroadcaster) SendEvent(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		if l.sessionID != "" && l.sessionID != event.SessionID {
			continue
		}
		select {
		case l.ch <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Listeners returns the number of registered listeners.
func (b *EventBroadcaster) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
