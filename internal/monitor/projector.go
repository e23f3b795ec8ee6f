package monitor

import (
    "strings"
    "time"
)

// Scope restricts a snapshot to a subscriber's visibility. Nil slices
// mean everything.
type Scope struct {
    Extensions []string
    Queues     []string
}

// AllowsExtension reports whether ext is visible in this scope.
func (s Scope) AllowsExtension(ext string) bool {
    return s.allowsExt(ext)
}

func (s Scope) allowsExt(ext string) bool {
    if len(s.Extensions) == 0 {
        return true
    }
    for _, e := range s.Extensions {
        if e == ext {
            return true
        }
    }
    return false
}

func (s Scope) allowsQueue(queue string) bool {
    if len(s.Queues) == 0 {
        return true
    }
    for _, q := range s.Queues {
        if q == queue {
            return true
        }
    }
    return false
}

// CallInfo is the per-call view pushed to consoles.
type CallInfo struct {
    Extension           string `json:"extension"`
    State               string `json:"state"`
    TalkingTo           string `json:"talking_to"`
    Duration            string `json:"duration,omitempty"`
    TalkTime            string `json:"talk_time,omitempty"`
    Channel             string `json:"channel"`
    Caller              string `json:"caller"`
    CallerID            string `json:"callerid"`
    Destination         string `json:"destination"`
    OriginalDestination string `json:"original_destination"`
}

// ExtensionView is one extension's console row.
type ExtensionView struct {
    Extension  string    `json:"extension"`
    Status     string    `json:"status"`
    StatusCode string    `json:"status_code"`
    CallInfo   *CallInfo `json:"call_info"`
}

// QueueView aggregates one queue with its member interfaces.
type QueueView struct {
    Name         string                     `json:"name"`
    Members      map[string]QueueMemberView `json:"members"`
    CallsWaiting int                        `json:"calls_waiting"`
}

// QueueMemberView is one membership row.
type QueueMemberView struct {
    Queue      string `json:"queue"`
    Interface  string `json:"interface"`
    MemberName string `json:"membername"`
    Status     string `json:"status"`
    Paused     bool   `json:"paused"`
    Dynamic    bool   `json:"dynamic"`
}

// QueueEntryView is one waiting caller.
type QueueEntryView struct {
    Queue    string `json:"queue"`
    CallerID string `json:"callerid"`
    Position int    `json:"position"`
    WaitTime string `json:"wait_time"`
}

// Stats summarize a snapshot.
type Stats struct {
    TotalExtensions  int `json:"total_extensions"`
    ActiveCallsCount int `json:"active_calls_count"`
    TotalQueues      int `json:"total_queues"`
    TotalWaiting     int `json:"total_waiting"`
}

// Snapshot is the full console state at one instant.
type Snapshot struct {
    Extensions   map[string]ExtensionView   `json:"extensions"`
    ActiveCalls  map[string]CallInfo        `json:"active_calls"`
    Queues       map[string]QueueView       `json:"queues"`
    QueueMembers map[string]QueueMemberView `json:"queue_members"`
    QueueEntries map[string]QueueEntryView  `json:"queue_entries"`
    Stats        Stats                      `json:"stats"`
}

// extensionStatus derives the display status from the live call state
// when there is one, falling back to the cached ExtensionState code.
func extensionStatus(call *Call, statusCode string) string {
    if call != nil {
        switch call.State {
        case StateRinging:
            return "ringing"
        case StateRing:
            return "dialing"
        default:
            return "in_call"
        }
    }
    switch statusCode {
    case "0":
        return "idle"
    case "1", "2":
        return "in_call"
    case "8":
        return "ringing"
    case "4", "-1":
        return "unavailable"
    case "16", "32":
        return "on_hold"
    }
    return "idle"
}

func formatCallInfo(ext string, call *Call, now time.Time) CallInfo {
    info := CallInfo{
        Extension:           ext,
        State:               call.State,
        TalkingTo:           displayNumber(call, ext),
        Channel:             call.Channel,
        Caller:              call.Caller,
        CallerID:            call.CallerID,
        Destination:         call.Destination,
        OriginalDestination: call.OriginalDestination,
    }
    if !call.StartTime.IsZero() {
        info.Duration = formatDuration(now.Sub(call.StartTime))
        if call.AnswerTime != nil {
            info.TalkTime = formatDuration(now.Sub(*call.AnswerTime))
        }
    }
    return info
}

// Project renders the console snapshot for one scope. It never mutates
// monitor state.
func (m *Monitor) Project(scope Scope) Snapshot {
    m.mu.RLock()
    defer m.mu.RUnlock()

    now := time.Now()

    extensions := make(map[string]ExtensionView)
    for ext := range m.monitored {
        if !scope.allowsExt(ext) {
            continue
        }
        statusCode := "-1"
        if ed, ok := m.extensions[ext]; ok {
            if s := ed["Status"]; s != "" {
                statusCode = s
            }
        }
        call := m.activeCalls[ext]
        view := ExtensionView{
            Extension:  ext,
            Status:     extensionStatus(call, statusCode),
            StatusCode: statusCode,
        }
        if call != nil {
            info := formatCallInfo(ext, call, now)
            view.CallInfo = &info
        }
        extensions[ext] = view
    }

    // Calls are shown from the caller's perspective only; the callee's
    // mirror entry is suppressed.
    callees := make(map[string]bool)
    for ext, call := range m.activeCalls {
        if isDigits(call.Caller) && len(call.Caller) <= 5 {
            callees[ext] = true
        }
    }

    activeCalls := make(map[string]CallInfo)
    for ext, call := range m.activeCalls {
        if call.Channel == "" || !isDigits(ext) || dialplanContexts[ext] {
            continue
        }
        if callees[ext] || !scope.allowsExt(ext) {
            continue
        }
        if strings.EqualFold(strings.TrimSpace(call.State), StateDown) {
            continue
        }
        activeCalls[ext] = formatCallInfo(ext, call, now)
    }

    memberViews := make(map[string]QueueMemberView)
    for key, member := range m.queueMembers {
        if hiddenQueue(member.Queue) || !scope.allowsQueue(member.Queue) {
            continue
        }
        memberViews[key] = QueueMemberView{
            Queue:      member.Queue,
            Interface:  member.Interface,
            MemberName: member.Name,
            Status:     member.Status,
            Paused:     member.Paused,
            Dynamic:    member.Dynamic,
        }
    }

    queues := make(map[string]QueueView)
    for name, q := range m.queues {
        if hiddenQueue(name) || !scope.allowsQueue(name) {
            continue
        }
        view := QueueView{
            Name:         name,
            Members:      make(map[string]QueueMemberView),
            CallsWaiting: q.CallsWaiting,
        }
        for _, mv := range memberViews {
            if mv.Queue == name {
                view.Members[mv.Interface] = mv
            }
        }
        queues[name] = view
    }

    entries := make(map[string]QueueEntryView)
    totalWaiting := 0
    for uid, entry := range m.queueEntries {
        if hiddenQueue(entry.Queue) || !scope.allowsQueue(entry.Queue) {
            continue
        }
        entries[uid] = QueueEntryView{
            Queue:    entry.Queue,
            CallerID: entry.CallerID,
            Position: entry.Position,
            WaitTime: formatDuration(now.Sub(entry.EntryTime)),
        }
    }
    for _, q := range queues {
        totalWaiting += q.CallsWaiting
    }

    return Snapshot{
        Extensions:   extensions,
        ActiveCalls:  activeCalls,
        Queues:       queues,
        QueueMembers: memberViews,
        QueueEntries: entries,
        Stats: Stats{
            TotalExtensions:  len(extensions),
            ActiveCallsCount: len(activeCalls),
            TotalQueues:      len(queues),
            TotalWaiting:     totalWaiting,
        },
    }
}

// hiddenQueue names queues never shown to consoles. Asterisk's builtin
// default queue is noise on every box.
func hiddenQueue(name string) bool {
    return name == "default"
}
