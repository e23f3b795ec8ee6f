package push

import (
    "context"
    "sync"
    "time"

    "github.com/Ibrahimgamal99/OpDesk/internal/metrics"
    "github.com/Ibrahimgamal99/OpDesk/internal/monitor"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

// Message types pushed to subscribers.
const (
    TypeInitialState    = "initial_state"
    TypeStateUpdate     = "state_update"
    TypeActionResult    = "action_result"
    TypeNewNotification = "call_notification_new"
)

// Message is one push frame.
type Message struct {
    Type      string      `json:"type"`
    Data      interface{} `json:"data,omitempty"`
    Timestamp string      `json:"timestamp"`
}

// ActionResult reports the outcome of a supervisor action back to the
// subscriber that asked for it.
type ActionResult struct {
    Action  string `json:"action"`
    Success bool   `json:"success"`
    Message string `json:"message,omitempty"`
}

// Subscriber is one attached consumer of state broadcasts. Deliver
// must not block for long; a slow consumer is the transport layer's
// problem, not the hub's.
type Subscriber interface {
    Scope() monitor.Scope
    Deliver(msg Message) error
}

// Projector produces a read-only state snapshot for a scope. The
// correlator implements it.
type Projector interface {
    Project(scope monitor.Scope) monitor.Snapshot
}

// Hub fans state snapshots out to subscribers. State changes are
// coalesced: Wake marks the state dirty and the broadcast loop ships
// at most one update per interval.
type Hub struct {
    source   Projector
    interval time.Duration

    mu   sync.Mutex
    subs map[Subscriber]struct{}

    dirty chan struct{}
}

// NewHub creates a hub over the given projector.
func NewHub(source Projector, interval time.Duration) *Hub {
    if interval <= 0 {
        interval = 500 * time.Millisecond
    }
    return &Hub{
        source:   source,
        interval: interval,
        subs:     make(map[Subscriber]struct{}),
        dirty:    make(chan struct{}, 1),
    }
}

// Attach registers a subscriber and sends it the initial state.
func (h *Hub) Attach(sub Subscriber) {
    h.mu.Lock()
    h.subs[sub] = struct{}{}
    n := len(h.subs)
    h.mu.Unlock()

    metrics.SetGauge("subscribers", float64(n), nil)
    h.send(sub, Message{
        Type:      TypeInitialState,
        Data:      h.source.Project(sub.Scope()),
        Timestamp: stamp(),
    })
}

// Detach removes a subscriber.
func (h *Hub) Detach(sub Subscriber) {
    h.mu.Lock()
    delete(h.subs, sub)
    n := len(h.subs)
    h.mu.Unlock()
    metrics.SetGauge("subscribers", float64(n), nil)
}

// Wake marks the state dirty. Safe to call from any goroutine, never
// blocks.
func (h *Hub) Wake() {
    select {
    case h.dirty <- struct{}{}:
    default:
    }
}

// NotifyMissedCall pushes a missed-call wakeup to every subscriber
// whose scope covers the extension, then schedules a state broadcast.
func (h *Hub) NotifyMissedCall(extension string) {
    msg := Message{
        Type:      TypeNewNotification,
        Data:      map[string]string{"extension": extension},
        Timestamp: stamp(),
    }
    for _, sub := range h.snapshotSubs() {
        if sub.Scope().AllowsExtension(extension) {
            h.send(sub, msg)
        }
    }
    h.Wake()
}

// SendActionResult delivers a supervisor action outcome to one
// subscriber.
func (h *Hub) SendActionResult(sub Subscriber, res ActionResult) {
    h.send(sub, Message{Type: TypeActionResult, Data: res, Timestamp: stamp()})
}

// Run drives the coalesced broadcast loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
    ticker := time.NewTicker(h.interval)
    defer ticker.Stop()

    pending := false
    for {
        select {
        case <-ctx.Done():
            return
        case <-h.dirty:
            pending = true
        case <-ticker.C:
            if pending {
                pending = false
                h.BroadcastNow()
            }
        }
    }
}

// BroadcastNow pushes a state update to every subscriber immediately,
// each projected through its own scope.
func (h *Hub) BroadcastNow() {
    subs := h.snapshotSubs()
    if len(subs) == 0 {
        return
    }
    ts := stamp()
    for _, sub := range subs {
        h.send(sub, Message{
            Type:      TypeStateUpdate,
            Data:      h.source.Project(sub.Scope()),
            Timestamp: ts,
        })
    }
    metrics.ObserveHistogram("broadcast_size", float64(len(subs)), nil)
}

func (h *Hub) snapshotSubs() []Subscriber {
    h.mu.Lock()
    defer h.mu.Unlock()
    out := make([]Subscriber, 0, len(h.subs))
    for sub := range h.subs {
        out = append(out, sub)
    }
    return out
}

// send delivers one message, detaching the subscriber on failure.
func (h *Hub) send(sub Subscriber, msg Message) {
    if err := sub.Deliver(msg); err != nil {
        logger.WithError(err).Warn("Subscriber delivery failed, detaching")
        h.Detach(sub)
    }
}

func stamp() string {
    return time.Now().Format(time.RFC3339)
}
