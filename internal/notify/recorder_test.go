package notify

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/Ibrahimgamal99/OpDesk/internal/monitor"
)

type fakeStore struct {
    mu   sync.Mutex
    rows []monitor.Notification
    fail bool
}

func (f *fakeStore) InsertNotification(ctx context.Context, extension, caller, queue, callID, reason string) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    if f.fail {
        return errors.New("db down")
    }
    f.rows = append(f.rows, monitor.Notification{
        Extension: extension, Caller: caller, Queue: queue, CallID: callID, Reason: reason,
    })
    return nil
}

func (f *fakeStore) inserted() []monitor.Notification {
    f.mu.Lock()
    defer f.mu.Unlock()
    return append([]monitor.Notification(nil), f.rows...)
}

func TestInsertWritesAndWakes(t *testing.T) {
    store := &fakeStore{}
    var mu sync.Mutex
    var woken []string

    r := NewRecorder(store, func(ext string) {
        mu.Lock()
        woken = append(woken, ext)
        mu.Unlock()
    })
    r.Start(context.Background())
    defer r.Stop()

    r.Insert(monitor.Notification{
        Extension: "110",
        Caller:    "0123456789",
        Queue:     "support",
        CallID:    "u1",
        Reason:    "noanswer",
    })

    require.Eventually(t, func() bool {
        return len(store.inserted()) == 1
    }, time.Second, 10*time.Millisecond)

    row := store.inserted()[0]
    assert.Equal(t, "110", row.Extension)
    assert.Equal(t, "0123456789", row.Caller)
    assert.Equal(t, "support", row.Queue)
    assert.Equal(t, "noanswer", row.Reason)

    require.Eventually(t, func() bool {
        mu.Lock()
        defer mu.Unlock()
        return len(woken) == 1
    }, time.Second, 10*time.Millisecond)
    mu.Lock()
    assert.Equal(t, "110", woken[0])
    mu.Unlock()
}

func TestInsertFailureDoesNotWake(t *testing.T) {
    store := &fakeStore{fail: true}
    var woken callCounter

    r := NewRecorder(store, func(string) { woken.inc() })
    r.Start(context.Background())
    defer r.Stop()

    r.Insert(monitor.Notification{Extension: "110"})

    time.Sleep(50 * time.Millisecond)
    assert.Zero(t, woken.get())
}

func TestNilCallbackIsAllowed(t *testing.T) {
    store := &fakeStore{}
    r := NewRecorder(store, nil)
    r.Start(context.Background())
    defer r.Stop()

    r.Insert(monitor.Notification{Extension: "110"})

    require.Eventually(t, func() bool {
        return len(store.inserted()) == 1
    }, time.Second, 10*time.Millisecond)
}

func TestStopDrainsNothingAfterCancel(t *testing.T) {
    store := &fakeStore{}
    r := NewRecorder(store, nil)
    r.Start(context.Background())
    r.Stop()

    // Inserts after Stop stay queued and are never written.
    r.Insert(monitor.Notification{Extension: "110"})
    time.Sleep(50 * time.Millisecond)
    assert.Empty(t, store.inserted())
}

type callCounter struct {
    mu sync.Mutex
    n  int
}

func (c *callCounter) inc() {
    c.mu.Lock()
    c.n++
    c.mu.Unlock()
}

func (c *callCounter) get() int {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.n
}
