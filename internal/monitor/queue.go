package monitor

import (
    "strconv"
    "strings"
    "time"

    "github.com/Ibrahimgamal99/OpDesk/internal/ami"
    "github.com/Ibrahimgamal99/OpDesk/pkg/errors"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

// Queue is one ACD queue's aggregate state.
type Queue struct {
    Name         string
    CallsWaiting int
    Available    int
    LoggedIn     int
    HoldTime     int
    TalkTime     int
}

// QueueMember is one agent's membership in one queue.
type QueueMember struct {
    Queue       string
    Interface   string
    Name        string
    Status      string
    Paused      bool
    PauseReason string
    Dynamic     bool
    LastUpdate  time.Time
}

// QueueEntry is one caller waiting in a queue, keyed by uniqueid.
type QueueEntry struct {
    Queue     string
    CallerID  string
    Position  int
    EntryTime time.Time
}

func memberKey(queue, iface string) string {
    return queue + ":" + iface
}

// queueFor returns the queue record, creating it on first sight.
func (m *Monitor) queueFor(name string) *Queue {
    q, ok := m.queues[name]
    if !ok {
        q = &Queue{Name: name}
        m.queues[name] = q
    }
    return q
}

// TrackQueues pre-registers queues so they show in snapshots before
// any event or sync mentions them.
func (m *Monitor) TrackQueues(names []string) {
    m.mu.Lock()
    defer m.mu.Unlock()
    for _, n := range names {
        if n != "" {
            m.queueFor(n)
        }
    }
}

// recalcWaiting recounts the entries belonging to a queue.
func (m *Monitor) recalcWaiting(queue string) {
    if queue == "" {
        return
    }
    q, ok := m.queues[queue]
    if !ok {
        return
    }
    count := 0
    for _, e := range m.queueEntries {
        if e.Queue == queue {
            count++
        }
    }
    q.CallsWaiting = count
}

func eventCallerID(p ami.Event) string {
    if v := p["CallerIDNum"]; v != "" {
        return v
    }
    return p["CallerID"]
}

func (m *Monitor) onQueueMemberStatus(p ami.Event) {
    queue, iface := p["Queue"], p["Interface"]
    if queue == "" || iface == "" {
        return
    }
    name := p["MemberName"]
    if name == "" {
        name = iface
    }
    key := memberKey(queue, iface)
    m.queueMembers[key] = &QueueMember{
        Queue:      queue,
        Interface:  iface,
        Name:       name,
        Status:     queueMemberStatus(p["Status"]),
        Paused:     p["Paused"] == "1",
        Dynamic:    m.dynamicMembers[key],
        LastUpdate: time.Now(),
    }
    m.queueFor(queue)
}

func (m *Monitor) onQueueMemberAdded(p ami.Event) {
    queue, iface := p["Queue"], p["Interface"]
    if queue == "" || iface == "" {
        return
    }
    name := p["MemberName"]
    if name == "" {
        name = iface
    }
    key := memberKey(queue, iface)
    // Only AMI-driven additions fire this event, so the member is
    // dynamic by definition.
    m.dynamicMembers[key] = true
    m.queueMembers[key] = &QueueMember{
        Queue:      queue,
        Interface:  iface,
        Name:       name,
        Status:     "Not in use",
        Paused:     p["Paused"] == "1",
        Dynamic:    true,
        LastUpdate: time.Now(),
    }
    m.queueFor(queue)
    logger.WithField("queue", queue).Info("Queue member added: ", iface)
}

func (m *Monitor) onQueueMemberRemoved(p ami.Event) {
    queue, iface := p["Queue"], p["Interface"]
    if queue == "" || iface == "" {
        return
    }
    key := memberKey(queue, iface)
    delete(m.queueMembers, key)
    delete(m.dynamicMembers, key)
    logger.WithField("queue", queue).Info("Queue member removed: ", iface)
}

func (m *Monitor) onQueueMemberPaused(p ami.Event) {
    queue, iface := p["Queue"], p["Interface"]
    if queue == "" || iface == "" {
        return
    }
    key := memberKey(queue, iface)
    member, ok := m.queueMembers[key]
    if !ok {
        return
    }
    member.Paused = p["Paused"] == "1"
    if reason := p["Reason"]; reason != "" {
        member.PauseReason = reason
    }
    member.LastUpdate = time.Now()
}

// onQueueCallerJoin handles both QueueCallerJoin and the QueueEntry
// events emitted during a QueueStatus sweep.
func (m *Monitor) onQueueCallerJoin(p ami.Event) {
    queue, uniqueid := p["Queue"], p["Uniqueid"]
    if queue == "" || uniqueid == "" {
        return
    }
    callerid := eventCallerID(p)
    if callerid == "" {
        callerid = "Unknown"
    }
    position, _ := strconv.Atoi(p["Position"])
    channel := p["Channel"]
    linkedid := p["Linkedid"]

    m.queueEntries[uniqueid] = &QueueEntry{
        Queue:     queue,
        CallerID:  callerid,
        Position:  position,
        EntryTime: time.Now(),
    }
    if channel != "" {
        m.ch2uniqueid[channel] = uniqueid
    }

    // Flag the caller's call as waiting; no CRM record may be written
    // until the caller abandons or an agent answers.
    if channel != "" {
        if callerExt := m.ch2ext[channel]; callerExt != "" {
            if call, ok := m.activeCalls[callerExt]; ok {
                call.Queue = queue
                call.QueueWaiting = true
                call.QueueCallerChannel = channel
            }
        }
    }

    // External callers are tracked under their number as well, since
    // the agent-side record may need the caller's queue state later.
    if meaningfulNumber(callerid) && callerid != "Unknown" {
        call := m.call(callerid)
        call.Queue = queue
        call.QueueWaiting = true
        call.QueueCallerChannel = channel
        call.CallerID = callerid
        if call.StartTime.IsZero() {
            call.StartTime = time.Now()
        }
        if linkedid != "" {
            call.Linkedid = linkedid
        }
    }

    m.queueFor(queue)
    m.recalcWaiting(queue)
    m.touchGauges()
    logger.WithField("queue", queue).Debug("Caller ", callerid, " joined at position ", position)
}

func (m *Monitor) onQueueCallerLeave(p ami.Event) {
    uniqueid := p["Uniqueid"]
    if uniqueid == "" {
        return
    }
    queue := m.popQueueEntry(uniqueid)
    if queue != "" {
        m.touchGauges()
        logger.WithField("queue", queue).Debug("Caller ", eventCallerID(p), " left")
    }
}

// agentExtFrom resolves the agent extension from a queue member
// interface like PJSIP/110, falling back to the agent's channel name.
func agentExtFrom(iface, channel string) string {
    if iface != "" && strings.Contains(iface, "/") {
        parts := strings.Split(iface, "/")
        return parts[len(parts)-1]
    }
    return extFromChannel(channel)
}

func (m *Monitor) onAgentCalled(p ami.Event) {
    queue := p["Queue"]
    agentChannel := p["DestChannel"]
    if agentChannel == "" {
        agentChannel = p["AgentChannel"]
    }
    callerid := eventCallerID(p)
    linkedid := p["Linkedid"]

    agentExt := agentExtFrom(p["Interface"], agentChannel)
    if agentExt == "" {
        return
    }

    agentCall := m.call(agentExt)
    if meaningfulNumber(callerid) {
        agentCall.Caller = callerid
        agentCall.QueueCaller = callerid
    }
    if queue != "" {
        agentCall.Queue = queue
    }
    if linkedid != "" {
        agentCall.Linkedid = linkedid
    }

    // Copy the waiting flags over so a hangup on the agent leg can see
    // the caller is still queued.
    if meaningfulNumber(callerid) {
        if callerCall, ok := m.activeCalls[callerid]; ok {
            agentCall.QueueWaiting = callerCall.QueueWaiting
            agentCall.QueueCallerChannel = callerCall.QueueCallerChannel
        }
    }
}

func (m *Monitor) onAgentConnect(p ami.Event) {
    queue := p["Queue"]
    agentChannel := p["MemberChannel"]
    if agentChannel == "" {
        agentChannel = p["Channel"]
    }
    iface := p["Interface"]
    if iface == "" {
        iface = p["Member"]
    }
    callerid := eventCallerID(p)
    linkedid := p["Linkedid"]

    agentExt := agentExtFrom(iface, agentChannel)
    if agentExt == "" {
        return
    }

    markAnswered := func(call *Call) {
        call.DialStatus = "ANSWER"
        call.QueueAnswered = true
        call.QueueWaiting = false
        call.AnsweredAgent = agentExt
        if meaningfulNumber(callerid) {
            call.Caller = callerid
            call.QueueCaller = callerid
        }
        if queue != "" {
            call.Queue = queue
        }
        if linkedid != "" {
            call.Linkedid = linkedid
        }
    }

    if agentCall, ok := m.activeCalls[agentExt]; ok {
        markAnswered(agentCall)
        if agentCall.AnswerTime == nil {
            now := time.Now()
            agentCall.AnswerTime = &now
        }
        logger.WithField("queue", queue).Info("Agent ", agentExt, " connected to caller ", callerid)
    }

    // The caller's record feeds the CRM composition, so it has to
    // carry the answered state too.
    if meaningfulNumber(callerid) {
        callerCall, ok := m.activeCalls[callerid]
        if !ok {
            callerCall = m.call(callerid)
            callerCall.CallerID = callerid
        }
        markAnswered(callerCall)
        callerCall.Destination = agentExt
    }

    // Any extension whose channel shares the linkedid is part of this
    // call and must not later look unanswered.
    if linkedid != "" {
        for ext, call := range m.activeCalls {
            if call.Linkedid != linkedid && !internalExt(ext) {
                continue
            }
            if m.ch2linkedid[call.Channel] != linkedid {
                continue
            }
            markAnswered(call)
        }
    }
}

func (m *Monitor) onAgentComplete(p ami.Event) {
    logger.WithField("queue", p["Queue"]).
        Debug("Agent ", agentExtFrom(p["Interface"], p["MemberChannel"]),
            " completed call with ", eventCallerID(p),
            " (talk ", p["TalkTime"], "s, reason ", p["Reason"], ")")
}

// ---------------------------------------------------------------------
// Queue management
// ---------------------------------------------------------------------

// AddQueueMember adds an interface to a queue. The state is updated
// optimistically; the QueueMemberAdded event confirms it.
func (m *Monitor) AddQueueMember(queue, iface, memberName string, penalty int) error {
    iface = NormalizeInterface(iface)
    resp, err := m.client.QueueAdd(queue, iface, memberName, penalty)
    if err != nil {
        return err
    }
    if resp["Response"] != "Success" {
        return errors.New(errors.ErrActionFailed, respError(resp, "failed to add queue member"))
    }

    m.mu.Lock()
    defer m.mu.Unlock()
    key := memberKey(queue, iface)
    m.dynamicMembers[key] = true
    name := memberName
    if name == "" {
        name = iface
    }
    m.queueMembers[key] = &QueueMember{
        Queue:      queue,
        Interface:  iface,
        Name:       name,
        Status:     "Not in use",
        Dynamic:    true,
        LastUpdate: time.Now(),
    }
    m.queueFor(queue)
    logger.WithField("queue", queue).Info("Added ", iface, " to queue")
    return nil
}

// RemoveQueueMember removes a dynamic member from a queue. Statically
// configured members cannot be removed over AMI and are flagged so.
func (m *Monitor) RemoveQueueMember(queue, iface string) error {
    iface = NormalizeInterface(iface)
    key := memberKey(queue, iface)

    m.mu.RLock()
    _, exists := m.queueMembers[key]
    m.mu.RUnlock()
    if !exists {
        return errors.New(errors.ErrMemberNotFound,
            "member "+iface+" not found in queue "+queue)
    }

    resp, err := m.client.QueueRemove(queue, iface)
    if err != nil {
        return err
    }

    m.mu.Lock()
    defer m.mu.Unlock()
    if resp["Response"] == "Success" {
        delete(m.queueMembers, key)
        delete(m.dynamicMembers, key)
        logger.WithField("queue", queue).Info("Removed ", iface, " from queue")
        return nil
    }

    msg := respError(resp, "failed to remove queue member")
    if strings.Contains(strings.ToLower(msg), "not dynamic") {
        if member, ok := m.queueMembers[key]; ok {
            member.Dynamic = false
        }
        msg = "member is statically configured in queues.conf and cannot be removed via AMI"
    }
    return errors.New(errors.ErrActionFailed, msg)
}

// PauseQueueMember pauses or unpauses a member, updating the state
// optimistically.
func (m *Monitor) PauseQueueMember(queue, iface string, paused bool, reason string) error {
    iface = NormalizeInterface(iface)
    resp, err := m.client.QueuePause(queue, iface, paused, reason)
    if err != nil {
        return err
    }
    if resp["Response"] != "Success" {
        return errors.New(errors.ErrActionFailed, respError(resp, "failed to pause queue member"))
    }

    m.mu.Lock()
    defer m.mu.Unlock()
    if member, ok := m.queueMembers[memberKey(queue, iface)]; ok {
        member.Paused = paused
        if reason != "" {
            member.PauseReason = reason
        } else if !paused {
            member.PauseReason = ""
        }
        member.LastUpdate = time.Now()
    }
    return nil
}

func respError(resp ami.Event, fallback string) string {
    if msg := resp["Message"]; msg != "" {
        return msg
    }
    return fallback
}
