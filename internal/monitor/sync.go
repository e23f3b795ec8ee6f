package monitor

import (
    "strconv"
    "strings"
    "time"

    "github.com/Ibrahimgamal99/OpDesk/internal/ami"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

// SyncExtensionStatuses queries ExtensionState for every monitored
// extension and caches the responses.
func (m *Monitor) SyncExtensionStatuses() error {
    if !m.client.IsConnected() {
        return nil
    }
    for _, ext := range m.Monitored() {
        resp, err := m.client.ExtensionState(ext, m.context)
        if err != nil {
            logger.WithError(err).WithField("ext", ext).Warn("ExtensionState query failed")
            continue
        }
        m.mu.Lock()
        m.extensions[ext] = resp
        m.mu.Unlock()
    }
    return nil
}

// SyncActiveCalls rebuilds the call state from a Status sweep. Start
// and answer times of calls that survive the sweep are preserved, so a
// resync never resets running durations.
func (m *Monitor) SyncActiveCalls() error {
    events, err := m.client.Status()
    if err != nil {
        return err
    }

    m.mu.Lock()
    defer m.mu.Unlock()

    newActive := make(map[string]*Call)
    newCh2ext := make(map[string]string)
    newChCallerID := make(map[string]string)

    for _, e := range events {
        ch := e["Channel"]
        if ch == "" {
            continue
        }
        ext := extFromChannel(ch)
        if ext == "" {
            continue
        }

        state := strings.TrimSpace(e["ChannelStateDesc"])
        channelState := strings.TrimSpace(e["ChannelState"])
        // ChannelState 0 is Down; hung-up channels still show up in
        // the sweep and must not resurrect calls.
        if state == "" || strings.EqualFold(state, "Down") ||
            channelState == "" || channelState == "0" {
            continue
        }

        newCh2ext[ch] = ext
        callerid := e["CallerIDNum"]
        connected := e["ConnectedLineNum"]
        newChCallerID[ch] = callerid

        call, ok := m.activeCalls[ext]
        if !ok {
            call = &Call{Extension: ext, StartTime: time.Now()}
        }
        call.Channel = ch
        call.CallerID = callerid
        call.State = state
        call.Destination = connected
        if meaningfulNumber(connected) {
            call.OriginalDestination = connected
        }
        newActive[ext] = call
    }

    m.activeCalls = newActive
    m.ch2ext = newCh2ext
    m.chCallerID = newChCallerID

    // destch2ext tracks in-flight dial attempts; keep entries whose
    // channel or caller survived the sweep.
    for ch, ext := range m.destch2ext {
        if _, ok := newCh2ext[ch]; ok {
            continue
        }
        if _, ok := newActive[ext]; ok {
            continue
        }
        delete(m.destch2ext, ch)
    }

    for ch, uid := range m.ch2uniqueid {
        if _, ok := newCh2ext[ch]; ok {
            continue
        }
        delete(m.ch2uniqueid, ch)
        m.popQueueEntry(uid)
    }

    m.touchGauges()
    logger.WithField("count", len(newActive)).Info("Synced active calls")
    return nil
}

// SyncQueues rebuilds queue aggregates, members, and waiting entries
// from QueueSummary plus a QueueStatus sweep per queue.
func (m *Monitor) SyncQueues() error {
    summary, err := m.client.QueueSummary()
    if err != nil {
        return err
    }

    m.mu.Lock()
    // Old entries are stale by definition; the sweep repopulates them.
    for _, e := range m.queueEntries {
        if q, ok := m.queues[e.Queue]; ok {
            q.CallsWaiting = 0
        }
    }
    m.queueEntries = make(map[string]*QueueEntry)

    names := make([]string, 0, len(summary))
    for _, e := range summary {
        name := e["Queue"]
        if name == "" {
            continue
        }
        m.queues[name] = &Queue{
            Name:         name,
            CallsWaiting: atoi(e["Callers"]),
            Available:    atoi(e["Available"]),
            LoggedIn:     atoi(e["LoggedIn"]),
            HoldTime:     atoi(e["HoldTime"]),
            TalkTime:     atoi(e["TalkTime"]),
        }
        names = append(names, name)
    }
    m.mu.Unlock()

    for _, name := range names {
        events, err := m.client.QueueStatus(name)
        if err != nil {
            logger.WithError(err).WithField("queue", name).Warn("QueueStatus query failed")
            continue
        }
        m.mu.Lock()
        for _, e := range events {
            switch e.Name() {
            case "QueueMember":
                m.applySyncedMember(e)
            case "QueueEntry":
                m.applySyncedEntry(e)
            }
        }
        m.mu.Unlock()
    }

    m.mu.RLock()
    logger.WithField("queues", len(m.queues)).
        WithField("members", len(m.queueMembers)).
        WithField("waiting", len(m.queueEntries)).
        Info("Synced queue state")
    m.mu.RUnlock()

    m.mu.Lock()
    m.touchGauges()
    m.mu.Unlock()
    return nil
}

// applySyncedMember folds one QueueMember sweep event into the member
// table. Callers must hold the lock.
func (m *Monitor) applySyncedMember(e ami.Event) {
    queue := e["Queue"]
    iface := e["Location"]
    if iface == "" {
        iface = e["Interface"]
    }
    if queue == "" || iface == "" {
        return
    }
    name := e["Name"]
    if name == "" {
        name = iface
    }
    status := e["Status"]
    if isDigits(status) {
        status = queueMemberStatus(status)
    }
    key := memberKey(queue, iface)

    // Membership is authoritative when present; only dynamic members
    // can be removed over AMI.
    var dynamic bool
    switch strings.ToLower(e["Membership"]) {
    case "dynamic":
        dynamic = true
        m.dynamicMembers[key] = true
    case "static", "realtime":
        dynamic = false
        delete(m.dynamicMembers, key)
    default:
        dynamic = m.dynamicMembers[key]
    }

    m.queueMembers[key] = &QueueMember{
        Queue:      queue,
        Interface:  iface,
        Name:       name,
        Status:     status,
        Paused:     e["Paused"] == "1",
        Dynamic:    dynamic,
        LastUpdate: time.Now(),
    }
}

// applySyncedEntry folds one QueueEntry sweep event into the waiting
// table, backdating entry time by the reported wait. Callers must hold
// the lock.
func (m *Monitor) applySyncedEntry(e ami.Event) {
    queue, uniqueid := e["Queue"], e["Uniqueid"]
    if queue == "" || uniqueid == "" {
        return
    }
    callerid := e["CallerIDNum"]
    if callerid == "" {
        callerid = "Unknown"
    }
    entryTime := time.Now()
    if wait := atoi(e["Wait"]); wait > 0 {
        entryTime = entryTime.Add(-time.Duration(wait) * time.Second)
    }
    m.queueEntries[uniqueid] = &QueueEntry{
        Queue:     queue,
        CallerID:  callerid,
        Position:  atoi(e["Position"]),
        EntryTime: entryTime,
    }
    m.recalcWaiting(queue)
}

// FullSync runs all three sync passes, continuing past individual
// failures.
func (m *Monitor) FullSync() error {
    var last error
    if err := m.SyncExtensionStatuses(); err != nil {
        last = err
    }
    if err := m.SyncActiveCalls(); err != nil {
        logger.WithError(err).Warn("Active call sync failed")
        last = err
    }
    if err := m.SyncQueues(); err != nil {
        logger.WithError(err).Warn("Queue sync failed")
        last = err
    }
    return last
}

func atoi(s string) int {
    n, _ := strconv.Atoi(strings.TrimSpace(s))
    return n
}
