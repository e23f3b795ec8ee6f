package monitor

import (
    "context"
    "strings"
    "sync"

    "github.com/Ibrahimgamal99/OpDesk/internal/ami"
    "github.com/Ibrahimgamal99/OpDesk/internal/crm"
    "github.com/Ibrahimgamal99/OpDesk/internal/metrics"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

// Transport is the slice of the AMI client the monitor depends on.
type Transport interface {
    Events() <-chan ami.Event
    IsConnected() bool
    SetEventMask(mask string) error
    ExtensionState(exten, context string) (ami.Event, error)
    Status() ([]ami.Event, error)
    QueueStatus(queue string) ([]ami.Event, error)
    QueueSummary() ([]ami.Event, error)
    Redirect(channel, context, exten string, priority int) error
    Originate(fields map[string]string) error
    Hangup(channel string) error
    QueueAdd(queue, iface, memberName string, penalty int) (ami.Event, error)
    QueueRemove(queue, iface string) (ami.Event, error)
    QueuePause(queue, iface string, paused bool, reason string) (ami.Event, error)
}

// CRMSink receives one record per completed logical call. Publish must
// not block; delivery is the sink's concern.
type CRMSink interface {
    Publish(record crm.Record)
}

// Notification is one missed-call ledger row.
type Notification struct {
    Extension string
    Caller    string
    Queue     string
    CallID    string
    Reason    string
}

// NotificationSink records missed calls and wakes subscribers.
type NotificationSink interface {
    Insert(n Notification)
}

// Options configures a Monitor.
type Options struct {
    // Context is the dialplan context used for ExtensionState queries
    // and transfers.
    Context string
    // TrunkPrefixes name channel prefixes that belong to trunks and
    // never represent an agent or extension.
    TrunkPrefixes []string
    CRM           CRMSink
    Notifier      NotificationSink
    // OnChange is invoked after every applied event, from the event
    // loop. It must not block.
    OnChange func()
}

// Monitor is the AMI state correlator. It owns the live entity graph
// (extensions, channels, calls, queues) and is the only writer to it.
type Monitor struct {
    mu sync.RWMutex

    client   Transport
    crm      CRMSink
    notifier NotificationSink
    onChange func()

    context       string
    trunkPrefixes []string

    monitored  map[string]bool
    extensions map[string]ami.Event // ext -> last ExtensionState response

    activeCalls map[string]*Call
    ch2ext      map[string]string // channel -> ext ("" for trunks)
    chCallerID  map[string]string
    destch2ext  map[string]string // dest channel -> caller ext
    ch2uniqueid map[string]string
    ch2linkedid map[string]string
    linked      map[string]map[string]bool // linkedid -> live channels
    crmSent     map[string]bool            // "linkedid:uniqueid"

    queues         map[string]*Queue
    queueMembers   map[string]*QueueMember // "queue:interface"
    queueEntries   map[string]*QueueEntry  // caller uniqueid
    dynamicMembers map[string]bool
}

// New creates a correlator over the given transport.
func New(client Transport, opts Options) *Monitor {
    if opts.Context == "" {
        opts.Context = "ext-local"
    }
    if len(opts.TrunkPrefixes) == 0 {
        opts.TrunkPrefixes = []string{"PJSIP/asterisk-", "SIP/asterisk-"}
    }

    return &Monitor{
        client:        client,
        crm:           opts.CRM,
        notifier:      opts.Notifier,
        onChange:      opts.OnChange,
        context:       opts.Context,
        trunkPrefixes: opts.TrunkPrefixes,

        monitored:  make(map[string]bool),
        extensions: make(map[string]ami.Event),

        activeCalls: make(map[string]*Call),
        ch2ext:      make(map[string]string),
        chCallerID:  make(map[string]string),
        destch2ext:  make(map[string]string),
        ch2uniqueid: make(map[string]string),
        ch2linkedid: make(map[string]string),
        linked:      make(map[string]map[string]bool),
        crmSent:     make(map[string]bool),

        queues:         make(map[string]*Queue),
        queueMembers:   make(map[string]*QueueMember),
        queueEntries:   make(map[string]*QueueEntry),
        dynamicMembers: make(map[string]bool),
    }
}

// SetMonitored replaces the monitored extension set.
func (m *Monitor) SetMonitored(exts []string) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.monitored = make(map[string]bool, len(exts))
    for _, e := range exts {
        m.monitored[e] = true
    }
}

// Monitored returns the monitored extensions.
func (m *Monitor) Monitored() []string {
    m.mu.RLock()
    defer m.mu.RUnlock()
    out := make([]string, 0, len(m.monitored))
    for e := range m.monitored {
        out = append(out, e)
    }
    return out
}

// Connected reports the transport state.
func (m *Monitor) Connected() bool {
    return m.client.IsConnected()
}

// Run consumes the transport's event stream until it closes or ctx is
// cancelled. A panicking handler is logged and never stops the loop.
func (m *Monitor) Run(ctx context.Context) {
    logger.Info("Correlator started")
    for {
        select {
        case <-ctx.Done():
            logger.Info("Correlator stopped")
            return
        case event, ok := <-m.client.Events():
            if !ok {
                logger.Warn("AMI event stream closed, correlator stopping")
                return
            }
            m.HandleEvent(event)
        }
    }
}

// HandleEvent applies a single AMI event to the graph.
func (m *Monitor) HandleEvent(event ami.Event) {
    name := event.Name()
    if name == "" {
        return
    }

    defer func() {
        if r := recover(); r != nil {
            logger.WithField("event", name).Error("Event handler panic: ", r)
        }
    }()

    metrics.IncrementCounter("ami_events", nil)

    if m.onChange != nil {
        defer m.onChange()
    }

    m.mu.Lock()
    defer m.mu.Unlock()

    switch name {
    case "Newchannel":
        m.onNewchannel(event)
    case "Hangup":
        m.onHangup(event)
    case "NewCallerid":
        m.onNewCallerid(event)
    case "Newstate":
        m.onNewstate(event)
    case "Dial":
        m.onDial(event)
    case "DialBegin":
        m.onDialBegin(event)
    case "DialEnd":
        m.onDialEnd(event)
    case "Bridge":
        m.onBridge(event)
    case "VarSet":
        m.onVarSet(event)
    case "ExtensionStatus":
        m.onExtensionStatus(event)
    case "DeviceStateChange":
        m.onDeviceStateChange(event)
    case "PeerStatus":
        // Silent
    case "QueueMemberStatus":
        m.onQueueMemberStatus(event)
    case "QueueMemberAdded":
        m.onQueueMemberAdded(event)
    case "QueueMemberRemoved":
        m.onQueueMemberRemoved(event)
    case "QueueMemberPause", "QueueMemberPaused", "QueueMemberUnpause":
        m.onQueueMemberPaused(event)
    case "QueueEntry", "QueueCallerJoin":
        m.onQueueCallerJoin(event)
    case "QueueCallerLeave":
        m.onQueueCallerLeave(event)
    case "AgentCalled":
        m.onAgentCalled(event)
    case "AgentConnect":
        m.onAgentConnect(event)
    case "AgentComplete":
        m.onAgentComplete(event)
    case "QueueMemberRingInUse", "QueueSummary":
        // Consumed only through explicit syncs.
    }
}

// call returns the active-call record for ext, creating it on first
// use.
func (m *Monitor) call(ext string) *Call {
    c, ok := m.activeCalls[ext]
    if !ok {
        c = &Call{Extension: ext}
        m.activeCalls[ext] = c
    }
    return c
}

// resolveExt maps a channel to its extension, caching new mappings.
func (m *Monitor) resolveExt(channel string) string {
    if ext := m.ch2ext[channel]; ext != "" {
        return ext
    }
    ext := extFromChannel(channel)
    if ext != "" {
        m.ch2ext[channel] = ext
    }
    return ext
}

// crossRef lets target know it has an incoming call from caller. Only
// internal extensions get an entry; external numbers would leave stale
// records behind.
func (m *Monitor) crossRef(caller, target string) {
    if target == caller || !meaningfulNumber(target) {
        return
    }
    if !isDigits(target) || len(target) > 5 {
        return
    }
    t := m.call(target)
    t.Caller = caller
    if t.OriginalDestination == "" {
        t.OriginalDestination = caller
    }
}

func (m *Monitor) isTrunkChannel(channel string) bool {
    for _, p := range m.trunkPrefixes {
        if strings.HasPrefix(channel, p) {
            return true
        }
    }
    return false
}

// linkChannel adds a channel to a linkedid group.
func (m *Monitor) linkChannel(linkedid, channel string) {
    if linkedid == "" || channel == "" {
        return
    }
    m.ch2linkedid[channel] = linkedid
    group, ok := m.linked[linkedid]
    if !ok {
        group = make(map[string]bool)
        m.linked[linkedid] = group
    }
    group[channel] = true
}

// moveChannel relinks a channel into a different linkedid group.
func (m *Monitor) moveChannel(linkedid, channel string) {
    old := m.ch2linkedid[channel]
    if old == linkedid {
        m.linkChannel(linkedid, channel)
        return
    }
    if group, ok := m.linked[old]; ok {
        delete(group, channel)
        if len(group) == 0 {
            delete(m.linked, old)
        }
    }
    m.linkChannel(linkedid, channel)
}

// ActiveCallCount returns the number of tracked calls.
func (m *Monitor) ActiveCallCount() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return len(m.activeCalls)
}

// WaitingCount returns the number of callers waiting across all queues.
func (m *Monitor) WaitingCount() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return len(m.queueEntries)
}

// touchGauges refreshes the call and queue gauges. Callers must hold
// the lock.
func (m *Monitor) touchGauges() {
    metrics.SetGauge("active_calls", float64(len(m.activeCalls)), nil)
    metrics.SetGauge("queue_waiting", float64(len(m.queueEntries)), nil)
}
