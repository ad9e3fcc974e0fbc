package socket

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"invoicedesk/pkg/models"
)

// EventKind names a capability listeners can subscribe to.
type EventKind string

const (
	KindStatusUpdate  EventKind = "status_update"
	KindPreviewUpdate EventKind = "preview_update"
)

// serverEvents maps wire event names to kinds.
var serverEvents = map[string]EventKind{
	"invoice_status_update":   KindStatusUpdate,
	"invoice_preview_updated": KindPreviewUpdate,
}

// StatusUpdate is pushed when an invoice changes status.
type StatusUpdate struct {
	ID       int64                `json:"id"`
	Status   models.InvoiceStatus `json:"status"`
	Filename string               `json:"filename"`
}

// PreviewUpdate is pushed to an invoice room when its preview data changes.
type PreviewUpdate struct {
	ID          int64           `json:"id"`
	PreviewData json.RawMessage `json:"preview_data"`
}

// Event is one decoded server push. Exactly one of Status and Preview is set,
// matching Kind.
type Event struct {
	Kind       EventKind
	Status     *StatusUpdate
	Preview    *PreviewUpdate
	ReceivedAt time.Time
}

// decodeEvent converts a wire event into an Event.
func decodeEvent(name string, payload json.RawMessage) (Event, bool, error) {
	kind, ok := serverEvents[name]
	if !ok {
		return Event{}, false, nil
	}

	evt := Event{Kind: kind, ReceivedAt: time.Now()}
	switch kind {
	case KindStatusUpdate:
		var su StatusUpdate
		if err := json.Unmarshal(payload, &su); err != nil {
			return Event{}, true, fmt.Errorf("decode %s: %w", name, err)
		}
		evt.Status = &su
	case KindPreviewUpdate:
		var pu PreviewUpdate
		if err := json.Unmarshal(payload, &pu); err != nil {
			return Event{}, true, fmt.Errorf("decode %s: %w", name, err)
		}
		evt.Preview = &pu
	}
	return evt, true, nil
}

// Listener receives events of the kind it registered for.
type Listener func(Event)

// ListenerID identifies a registration for later removal.
type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

// Registry fans events out to listeners. Listeners of one kind run in
// registration order on the dispatching goroutine; a panicking listener is
// logged and does not affect the others.
type Registry struct {
	mu        sync.RWMutex
	nextID    ListenerID
	listeners map[EventKind][]registration
	log       zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		listeners: make(map[EventKind][]registration),
		log:       log,
	}
}

// Add registers fn for kind.
func (r *Registry) Add(kind EventKind, fn Listener) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.listeners[kind] = append(r.listeners[kind], registration{id: id, fn: fn})

	r.log.Debug().
		Str("kind", string(kind)).
		Uint64("listener_id", uint64(id)).
		Int("listeners", len(r.listeners[kind])).
		Msg("Listener added")
	return id
}

// Remove unregisters a listener. Unknown ids are ignored; the return value
// reports whether anything was removed.
func (r *Registry) Remove(kind EventKind, id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.listeners[kind]
	for i, reg := range regs {
		if reg.id != id {
			continue
		}
		filtered := make([]registration, 0, len(regs)-1)
		filtered = append(filtered, regs[:i]...)
		filtered = append(filtered, regs[i+1:]...)
		if len(filtered) == 0 {
			delete(r.listeners, kind)
		} else {
			r.listeners[kind] = filtered
		}
		return true
	}
	return false
}

// Clear removes every listener.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = make(map[EventKind][]registration)
}

// Count returns the number of listeners for kind.
func (r *Registry) Count(kind EventKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[kind])
}

// Dispatch delivers evt and returns how many listeners ran without panicking.
func (r *Registry) Dispatch(evt Event) int {
	r.mu.RLock()
	regs := append([]registration(nil), r.listeners[evt.Kind]...)
	r.mu.RUnlock()

	delivered := 0
	for _, reg := range regs {
		if r.invoke(reg, evt) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) invoke(reg registration, evt Event) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("kind", string(evt.Kind)).
				Uint64("listener_id", uint64(reg.id)).
				Interface("panic", rec).
				Msg("Listener panicked")
			ok = false
		}
	}()
	reg.fn(evt)
	return true
}
