package monitor

import (
    "strings"
    "time"

    "github.com/Ibrahimgamal99/OpDesk/internal/ami"
    "github.com/Ibrahimgamal99/OpDesk/internal/crm"
    "github.com/Ibrahimgamal99/OpDesk/internal/metrics"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

// onHangup retires one channel. CRM data is composed only on the final
// hangup of a linkedid group; intermediate hangups (transfers, queue
// ring timeouts) only shed state and possibly raise a missed-call
// notification.
func (m *Monitor) onHangup(p ami.Event) {
    ch := p["Channel"]
    if ch == "" {
        return
    }
    cause := p["Cause"]

    uniqueid := p["Uniqueid"]
    if uniqueid == "" {
        uniqueid = m.ch2uniqueid[ch]
    }

    // Drop the caller's queue entry before anything else so waiting
    // counts stay honest even when later steps bail out.
    queue := ""
    if uniqueid != "" {
        queue = m.popQueueEntry(uniqueid)
    }
    delete(m.ch2uniqueid, ch)

    // Hangup may carry a Linkedid even when Newchannel did not.
    eventLinkedid := p["Linkedid"]
    trackedLinkedid := m.ch2linkedid[ch]
    linkedid := eventLinkedid
    if linkedid == "" {
        linkedid = trackedLinkedid
    }
    if eventLinkedid != "" && trackedLinkedid == "" {
        m.linkChannel(eventLinkedid, ch)
    }

    // Without a linkedid we cannot tell whether this is the last leg,
    // so no CRM record is ever produced.
    final := false
    if linkedid != "" {
        group, tracked := m.linked[linkedid]
        if tracked {
            final = true
            for other := range group {
                if other == ch {
                    continue
                }
                if _, live := m.ch2ext[other]; !live {
                    continue
                }
                if m.isTrunkChannel(other) {
                    continue
                }
                final = false
                break
            }
        } else {
            final = true
        }

        if tracked {
            delete(group, ch)
            if len(group) == 0 {
                delete(m.linked, linkedid)
                // Asterisk reuses linkedids across queue re-rings;
                // clear the dedup markers once the group is gone.
                prefix := linkedid + ":"
                for k := range m.crmSent {
                    if strings.HasPrefix(k, prefix) {
                        delete(m.crmSent, k)
                    }
                }
            }
        }
        delete(m.ch2linkedid, ch)
    }

    ext := m.ch2ext[ch]
    delete(m.ch2ext, ch)
    if ext == "" {
        ext = extFromChannel(ch)
    }

    callerExt := m.destch2ext[ch]
    delete(m.destch2ext, ch)

    // Trunk legs are the external network connection, never a call
    // participant; records are always sent from the extension side.
    if m.isTrunkChannel(ch) && final {
        final = false
    }

    crmKey := ""
    if linkedid != "" && uniqueid != "" {
        crmKey = linkedid + ":" + uniqueid
    }

    // Destination-channel path: this channel was ringing on behalf of
    // callerExt. Skipped when the extension path below will handle it.
    if callerExt != "" {
        _, extTracked := m.activeCalls[ext]
        if ext == "" || !extTracked {
            if callerCall, ok := m.activeCalls[callerExt]; ok &&
                (callerCall.DestChannel == ch || callerCall.Channel == ch) {

                // External caller number lives only in the map key,
                // make sure the record carries it too.
                if isDigits(callerExt) && len(callerExt) > 5 {
                    if callerCall.CallerID == "" {
                        callerCall.CallerID = callerExt
                    }
                    if callerCall.Caller == "" {
                        callerCall.Caller = callerExt
                    }
                }

                if final {
                    actualExt := callerExt
                    if internalExt(ext) {
                        actualExt = ext
                    }
                    if crmKey != "" && m.crmSent[crmKey] {
                        logger.WithField("key", crmKey).Debug("CRM record already sent, skipping duplicate")
                    } else {
                        if crmKey != "" {
                            m.crmSent[crmKey] = true
                        }
                        m.composeCRM(actualExt, callerCall, p, queue)
                        if shouldNotify(cause, callerCall) {
                            m.notifyMissed(actualExt, firstNonEmpty(callerCall.Caller, callerCall.CallerID, callerExt),
                                firstNonEmpty(queue, callerCall.Queue), uniqueid, cause)
                        }
                    }
                    delete(m.activeCalls, callerExt)
                } else {
                    callerCall.DestChannel = ""
                    // Queue ring timeout on the agent leg still counts
                    // as a missed call for that agent.
                    if internalExt(ext) && shouldNotify(cause, callerCall) {
                        m.notifyMissed(ext, firstNonEmpty(callerCall.Caller, callerCall.CallerID, callerExt),
                            firstNonEmpty(queue, callerCall.Queue), uniqueid, cause)
                    }
                }
            }
        }
    }

    // Extension path.
    if ext != "" {
        extCall := m.activeCalls[ext]
        switch {
        case extCall != nil && extCall.Channel == ch:
            if final {
                if crmKey != "" && m.crmSent[crmKey] {
                    logger.WithField("key", crmKey).Debug("CRM record already sent, skipping duplicate")
                } else {
                    if crmKey != "" {
                        m.crmSent[crmKey] = true
                    }
                    m.composeCRM(ext, extCall, p, queue)
                    if shouldNotify(cause, extCall) {
                        m.notifyMissed(ext, firstNonEmpty(extCall.Caller, extCall.CallerID, m.chCallerID[ch]),
                            firstNonEmpty(queue, extCall.Queue), uniqueid, cause)
                    }
                }
            } else if shouldNotify(cause, extCall) {
                m.notifyMissed(ext, firstNonEmpty(extCall.Caller, extCall.CallerID, m.chCallerID[ch]),
                    firstNonEmpty(queue, extCall.Queue), uniqueid, cause)
            }
            delete(m.activeCalls, ext)

        case extCall != nil && extCall.DestChannel == ch:
            extCall.DestChannel = ""

        case extCall != nil:
            // Channel mismatch, but on a final hangup the record must
            // still go out.
            if final {
                if crmKey != "" && m.crmSent[crmKey] {
                    logger.WithField("key", crmKey).Debug("CRM record already sent, skipping duplicate")
                } else {
                    if crmKey != "" {
                        m.crmSent[crmKey] = true
                    }
                    m.composeCRM(ext, extCall, p, queue)
                    if shouldNotify(cause, extCall) {
                        m.notifyMissed(ext, firstNonEmpty(extCall.Caller, extCall.CallerID),
                            firstNonEmpty(queue, extCall.Queue), uniqueid, cause)
                    }
                }
            }
        }
    }

    // Sweep the rest of this extension's channels and mappings.
    if ext != "" {
        for chName, extName := range m.ch2ext {
            if extName != ext {
                continue
            }
            delete(m.ch2ext, chName)
            delete(m.chCallerID, chName)
            if uid := m.ch2uniqueid[chName]; uid != "" {
                m.popQueueEntry(uid)
            }
            delete(m.ch2uniqueid, chName)
        }
        for chName, extName := range m.destch2ext {
            if extName == ext {
                delete(m.destch2ext, chName)
            }
        }
    }
    delete(m.chCallerID, ch)

    // Last resort: the channel mapping may have been lost, check the
    // calls themselves.
    for extName, call := range m.activeCalls {
        if call.Channel == ch {
            delete(m.activeCalls, extName)
        } else if call.DestChannel == ch {
            call.DestChannel = ""
        }
    }

    m.touchGauges()
}

// popQueueEntry removes the queue entry keyed by uniqueid and refreshes
// its queue's waiting count. Returns the queue name, or "".
func (m *Monitor) popQueueEntry(uniqueid string) string {
    entry, ok := m.queueEntries[uniqueid]
    if !ok {
        return ""
    }
    delete(m.queueEntries, uniqueid)
    m.recalcWaiting(entry.Queue)
    return entry.Queue
}

// composeCRM builds and publishes the record for one finished call.
// The record is skipped when the call never left a queue, when it is
// seen from the queue's own perspective, or when no meaningful pair of
// numbers can be determined.
func (m *Monitor) composeCRM(ext string, call *Call, p ami.Event, queue string) {
    if m.crm == nil {
        return
    }

    queueWaiting := call.QueueWaiting
    queueAnswered := call.QueueAnswered
    queueCallerChannel := call.QueueCallerChannel
    hangupChannel := p["Channel"]

    // The waiting flags live on the caller's record; an agent-side
    // record defers to it.
    queueCaller := firstNonEmpty(call.QueueCaller, call.Caller)
    if queueCaller != "" && queueCaller != ext {
        if cc, ok := m.activeCalls[queueCaller]; ok {
            queueWaiting = cc.QueueWaiting
            queueAnswered = cc.QueueAnswered
            if cc.QueueCallerChannel != "" {
                queueCallerChannel = cc.QueueCallerChannel
            }
        }
    }

    // A queue call with no answered agent only produces a record when
    // the caller abandons. Agent ring timeouts are not call ends.
    abandoned := false
    if queueWaiting && !queueAnswered {
        callerHangup := queueCallerChannel != "" && hangupChannel == queueCallerChannel
        if !callerHangup {
            logger.WithField("ext", ext).Debug("Queue call still waiting, no CRM record")
            return
        }
        abandoned = true
    }

    cause := p["Cause"]
    status := mapCauseToStatus(cause, call.DialStatus)
    // An abandoned queue call hangs up with a normal-clearing cause,
    // but it was never answered.
    if abandoned && status == StatusCompleted {
        status = StatusNoAnswer
    }

    if queue == "" {
        queue = call.Queue
    }
    // Records go out from the agent's perspective, never the queue's.
    if queue != "" && ext == queue {
        return
    }

    caller := ext
    originalDest := firstNonEmpty(call.OriginalDestination, call.Destination, call.Exten)

    incomingCaller := firstNonEmpty(call.QueueCaller, call.Caller, call.CallerID)
    // An internal-looking number equal to ext is the call's own leg,
    // not an incoming caller.
    if isDigits(incomingCaller) && len(incomingCaller) <= 5 && incomingCaller == ext {
        incomingCaller = ""
    }
    isExternal := ext != "" && !internalExt(ext)

    var destination string
    switch {
    case queue != "" && incomingCaller != "" && incomingCaller != ext &&
        (len(incomingCaller) > 5 || !isDigits(incomingCaller)):
        // Queue call answered by an agent: external caller in, agent
        // extension out.
        caller = incomingCaller
        destination = ext

    case (incomingCaller != "" && incomingCaller != ext) || isExternal:
        if isExternal {
            caller = ext
            destination = call.Destination
        } else {
            caller = incomingCaller
            destination = ext
        }

    default:
        destination = originalDest
        if queue != "" && destination == queue {
            if cd := call.Destination; cd != "" && cd != queue && internalExt(cd) {
                destination = cd
            }
        }
    }

    if call.QueueAnswered && (status == StatusNoAnswer || status == StatusFailed) {
        status = StatusCompleted
    }
    if queue != "" && destination == queue && meaningfulNumber(call.AnsweredAgent) {
        destination = call.AnsweredAgent
    }

    if !meaningfulNumber(caller) || !meaningfulNumber(destination) {
        logger.WithField("ext", ext).
            WithField("caller", caller).
            WithField("destination", destination).
            Debug("Skipping CRM record, no meaningful caller or destination")
        return
    }

    now := time.Now()
    durationSeconds := 0
    datetime := now.Format(time.RFC3339)
    if !call.StartTime.IsZero() {
        durationSeconds = int(now.Sub(call.StartTime).Seconds())
        datetime = call.StartTime.Format(time.RFC3339)
    }
    talkSeconds := 0
    if call.AnswerTime != nil {
        talkSeconds = int(now.Sub(*call.AnswerTime).Seconds())
    }

    callType := crm.TypeInternal
    if incomingCaller != "" && incomingCaller != ext {
        callType = crm.TypeInbound
    } else if destination != "" && destination != ext && !internalExt(destination) {
        callType = crm.TypeOutbound
    }

    record := crm.Record{
        Caller:      caller,
        Destination: destination,
        Datetime:    datetime,
        Duration:    crm.FormatSeconds(durationSeconds),
        TalkTime:    crm.FormatSeconds(talkSeconds),
        CallStatus:  status,
        Queue:       queue,
        CallType:    callType,
    }

    logger.WithField("caller", caller).
        WithField("destination", destination).
        WithField("status", status).
        WithField("type", callType).
        Info("Publishing call record")

    m.crm.Publish(record)
}

// notifyMissed records a missed or failed call for an extension.
func (m *Monitor) notifyMissed(ext, caller, queue, callID, cause string) {
    if m.notifier == nil || ext == "" {
        return
    }
    reason := mapCauseToStatus(cause, "")
    metrics.IncrementCounter("notifications", map[string]string{"reason": reason})
    m.notifier.Insert(Notification{
        Extension: ext,
        Caller:    caller,
        Queue:     queue,
        CallID:    callID,
        Reason:    reason,
    })
}

func firstNonEmpty(values ...string) string {
    for _, v := range values {
        if v != "" {
            return v
        }
    }
    return ""
}
