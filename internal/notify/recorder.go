package notify

import (
    "context"
    "sync"
    "time"

    "github.com/Ibrahimgamal99/OpDesk/internal/db"
    "github.com/Ibrahimgamal99/OpDesk/internal/monitor"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

// Store is the slice of the database the recorder writes through.
type Store interface {
    InsertNotification(ctx context.Context, extension, caller, queue, callID, reason string) error
}

// Recorder persists missed-call notifications and wakes anyone who
// wants to hear about them. It satisfies the correlator's notification
// sink; Insert never blocks the event loop.
type Recorder struct {
    store    Store
    onInsert func(extension string)

    queue  chan monitor.Notification
    cancel context.CancelFunc
    wg     sync.WaitGroup
}

// NewRecorder creates a recorder over the given store. onInsert is
// called after each successful write, from the worker goroutine; nil
// is allowed.
func NewRecorder(store Store, onInsert func(extension string)) *Recorder {
    return &Recorder{
        store:    store,
        onInsert: onInsert,
        queue:    make(chan monitor.Notification, 128),
    }
}

// NewDBRecorder is NewRecorder bound to the process database.
func NewDBRecorder(onInsert func(extension string)) *Recorder {
    return NewRecorder(db.GetDB(), onInsert)
}

// Start launches the write worker.
func (r *Recorder) Start(ctx context.Context) {
    ctx, r.cancel = context.WithCancel(ctx)
    r.wg.Add(1)
    go r.worker(ctx)
}

// Stop cancels the worker and waits for the row in flight.
func (r *Recorder) Stop() {
    if r.cancel != nil {
        r.cancel()
    }
    r.wg.Wait()
}

// Insert enqueues one notification. A full queue drops the row; the
// live broadcast matters more than the ledger entry.
func (r *Recorder) Insert(n monitor.Notification) {
    select {
    case r.queue <- n:
    default:
        logger.WithField("extension", n.Extension).Warn("Notification queue full, dropping")
    }
}

func (r *Recorder) worker(ctx context.Context) {
    defer r.wg.Done()

    for {
        select {
        case <-ctx.Done():
            return
        case n := <-r.queue:
            writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
            err := r.store.InsertNotification(writeCtx, n.Extension, n.Caller, n.Queue, n.CallID, n.Reason)
            cancel()
            if err != nil {
                logger.WithError(err).
                    WithField("extension", n.Extension).
                    Error("Failed to record missed call")
                continue
            }
            logger.WithField("extension", n.Extension).
                WithField("caller", n.Caller).
                WithField("reason", n.Reason).
                Debug("Missed call recorded")
            if r.onInsert != nil {
                r.onInsert(n.Extension)
            }
        }
    }
}
