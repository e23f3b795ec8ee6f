package monitor

import (
    "strings"
    "time"

    "github.com/Ibrahimgamal99/OpDesk/internal/ami"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

func (m *Monitor) onNewchannel(p ami.Event) {
    ch := p["Channel"]
    callerid := p["CallerIDNum"]
    if callerid == "" {
        callerid = p["CallerIDName"]
    }
    exten := p["Exten"]
    uniqueid := p["Uniqueid"]
    linkedid := p["Linkedid"]
    if linkedid == "" {
        linkedid = uniqueid
    }
    ext := extFromChannel(ch)

    if uniqueid != "" {
        m.ch2uniqueid[ch] = uniqueid
    }
    m.linkChannel(linkedid, ch)

    // Only use the dialed exten as fallback when it is a real number,
    // not a dialplan context.
    if ext == "" && meaningfulNumber(exten) {
        ext = exten
    }

    if ext == "" || dialplanContexts[strings.ToLower(ext)] {
        // Track the channel for cleanup purposes only.
        if meaningfulNumber(callerid) {
            m.ch2ext[ch] = callerid
        } else {
            m.ch2ext[ch] = ""
        }
        return
    }

    m.ch2ext[ch] = ext
    call := m.call(ext)
    call.Channel = ch
    call.CallerID = callerid
    if meaningfulNumber(exten) {
        call.Exten = exten
    }
    call.Context = p["Context"]
    call.State = StateNew
    call.Linkedid = linkedid

    if call.StartTime.IsZero() {
        call.StartTime = time.Now()
        call.AnswerTime = nil
    }

    // A differing all-digit callerid marks an incoming call, internal
    // or external.
    if callerid != "" && callerid != ext && isDigits(callerid) {
        call.Caller = callerid
        if len(callerid) <= 5 {
            if callerCall, ok := m.activeCalls[callerid]; ok && callerCall.OriginalDestination == "" {
                callerCall.OriginalDestination = ext
                callerCall.Exten = ext
            }
        }
    }

    if call.OriginalDestination == "" {
        if meaningfulNumber(exten) && exten != ext {
            call.OriginalDestination = exten
            m.crossRef(ext, exten)
        } else if conn := p["ConnectedLineNum"]; meaningfulNumber(conn) {
            call.OriginalDestination = conn
        }
    }

    m.touchGauges()
}

func (m *Monitor) onNewCallerid(p ami.Event) {
    ch := p["Channel"]
    callerid := p["CallerIDNum"]
    exten := p["Exten"]
    ext := m.resolveExt(ch)

    if meaningfulNumber(callerid) {
        m.chCallerID[ch] = callerid
    }

    if ext == "" {
        return
    }
    call := m.call(ext)
    if meaningfulNumber(callerid) {
        call.CallerID = callerid
    }
    if meaningfulNumber(exten) {
        call.Exten = exten
        if call.OriginalDestination == "" {
            call.OriginalDestination = exten
        }
    }
}

func (m *Monitor) onNewstate(p ami.Event) {
    ch := p["Channel"]
    ext := m.resolveExt(ch)
    state := p["ChannelStateDesc"]
    if state == "" {
        state = p["ChannelState"]
    }

    if ext != "" {
        call := m.call(ext)
        call.State = state
        if state == StateUp && call.AnswerTime == nil {
            now := time.Now()
            call.AnswerTime = &now
        }
        if call.StartTime.IsZero() {
            call.StartTime = time.Now()
            call.AnswerTime = nil
            if state == StateUp {
                now := time.Now()
                call.AnswerTime = &now
            }
        }
    }

    // Mirror a destination channel's state into the caller's view so
    // outbound calls show Ringing/Up from the caller perspective.
    if callerExt := m.destch2ext[ch]; callerExt != "" {
        if callerCall, ok := m.activeCalls[callerExt]; ok {
            callerCall.DestState = state
        }
    }
}

func (m *Monitor) onDial(p ami.Event) {
    ch := p["Channel"]
    ext := m.resolveExt(ch)
    if ext == "" {
        return
    }
    call := m.call(ext)
    call.Destination = p["Destination"]
    call.DialStatus = p["DialStatus"]
    dialed := p["DialString"]
    if dialed == "" {
        dialed = p["Dialstring"]
    }
    if dialed == "" {
        dialed = p["DestExten"]
    }
    if meaningfulNumber(dialed) {
        if call.OriginalDestination == "" {
            call.OriginalDestination = dialed
        }
        call.Exten = dialed
    }
}

func (m *Monitor) onDialBegin(p ami.Event) {
    ch := p["Channel"]
    ext := m.resolveExt(ch)
    if ext == "" {
        return
    }

    destexten := p["DestExten"]
    dialstring := p["DialString"]
    destch := p["DestChannel"]

    call := m.call(ext)
    call.Channel = ch
    if call.State == "" {
        call.State = StateDialing
    }
    call.DestChannel = destch
    m.ch2ext[ch] = ext

    if call.StartTime.IsZero() {
        call.StartTime = time.Now()
        call.AnswerTime = nil
    }

    // Resolve the dialed number from DestExten, falling back to the
    // dial string's endpoint part (PJSIP/120@ctx style).
    var dialed string
    if meaningfulNumber(destexten) {
        dialed = destexten
    } else if dialstring != "" {
        candidate := dialstring
        if idx := strings.Index(candidate, "@"); idx >= 0 {
            candidate = candidate[:idx]
        }
        if idx := strings.Index(candidate, "/"); idx >= 0 {
            candidate = candidate[:idx]
        }
        candidate = strings.TrimSpace(candidate)
        if meaningfulNumber(candidate) {
            dialed = candidate
        }
    }

    if dialed != "" {
        call.Exten = dialed
        if call.OriginalDestination == "" {
            call.OriginalDestination = dialed
        }
        if dialed != ext {
            m.crossRef(ext, dialed)
        }
    }

    // Shadow entry for an internal destination extension.
    destExt := extFromChannel(destch)
    if destExt != "" && !dialplanContexts[destExt] {
        destCall := m.call(destExt)
        destCall.Channel = destch
        if destCall.State == "" {
            destCall.State = StateRinging
        }
        destCall.Caller = ext
        m.ch2ext[destch] = destExt
    }

    if destch != "" {
        m.destch2ext[destch] = ext
    }

    m.touchGauges()
}

func (m *Monitor) onDialEnd(p ami.Event) {
    ch := p["Channel"]
    ext := m.resolveExt(ch)
    destexten := p["DestExten"]
    destch := p["DestChannel"]
    dialstatus := p["DialStatus"]

    if ext != "" {
        if call, ok := m.activeCalls[ext]; ok {
            applyDialStatus(call, dialstatus)
            if meaningfulNumber(destexten) {
                if call.OriginalDestination == "" {
                    call.OriginalDestination = destexten
                }
                call.Exten = destexten
            }
        }
    }

    destExt := extFromChannel(destch)
    if destExt == "" && meaningfulNumber(destexten) && isDigits(destexten) && len(destexten) <= 5 {
        destExt = destexten
    }

    if destExt != "" {
        if destCall, ok := m.activeCalls[destExt]; ok {
            if destch != "" {
                destCall.Channel = destch
                m.ch2ext[destch] = destExt
            }
            if destCall.Caller == "" && ext != "" {
                destCall.Caller = ext
            }
            applyDialStatus(destCall, dialstatus)
        }
    }
}

// applyDialStatus updates a call's dialstatus. A new ANSWER always
// wins; an existing ANSWER is never overwritten by a later CANCEL or
// timeout status.
func applyDialStatus(call *Call, dialstatus string) {
    newStatus := strings.ToUpper(dialstatus)
    current := strings.ToUpper(call.DialStatus)
    if newStatus == "ANSWER" || current != "ANSWER" {
        call.DialStatus = dialstatus
    }
}

func (m *Monitor) onBridge(p ami.Event) {
    ch1, ch2 := p["Channel1"], p["Channel2"]
    ext1, ext2 := m.resolveExt(ch1), m.resolveExt(ch2)

    linkedid := p["Linkedid"]
    if linkedid == "" {
        linkedid = m.ch2linkedid[ch1]
    }
    if linkedid == "" {
        linkedid = m.ch2linkedid[ch2]
    }

    if linkedid != "" {
        if ch1 != "" {
            m.moveChannel(linkedid, ch1)
        }
        if ch2 != "" {
            m.moveChannel(linkedid, ch2)
        }
        logger.WithField("linkedid", linkedid).Debug("Bridge linked channels ", ch1, " and ", ch2)
    }

    cid := func(ch, ext string) string {
        if ext != "" {
            if call, ok := m.activeCalls[ext]; ok && call.CallerID != "" {
                return call.CallerID
            }
        }
        return m.chCallerID[ch]
    }

    cid1, cid2 := cid(ch1, ext1), cid(ch2, ext2)

    var call1, call2 *Call
    if ext1 != "" {
        call1 = m.call(ext1)
    }
    if ext2 != "" {
        call2 = m.call(ext2)
    }

    if call1 != nil {
        if cid2 != "" && cid2 != ext1 {
            call1.Destination = cid2
        } else {
            call1.Destination = ext2
        }
        if call2 != nil && call2.Queue != "" && call1.Queue == "" {
            call1.Queue = call2.Queue
        }
    }

    if call2 != nil {
        if cid1 != "" && cid1 != ext2 {
            call2.Destination = cid1
        } else {
            call2.Destination = ext1
        }
        if call1 != nil && call1.Queue != "" && call2.Queue == "" {
            call2.Queue = call1.Queue
        }
    }
}

func (m *Monitor) onVarSet(p ami.Event) {
    ch, variable, val := p["Channel"], p["Variable"], p["Value"]
    if !dialedVars[strings.ToUpper(variable)] {
        return
    }
    ext := m.resolveExt(ch)
    if ext == "" || val == "" || val == ext || !meaningfulNumber(val) {
        return
    }
    call := m.call(ext)
    if call.OriginalDestination == "" {
        call.OriginalDestination = val
        call.Exten = val
    }
}

func (m *Monitor) onExtensionStatus(p ami.Event) {
    ext := p["Exten"]
    if ext == "" {
        return
    }
    m.extensions[ext] = p
    // Never delete the active call here; an Idle status can arrive
    // before the Hangup event, and Hangup owns all cleanup.
}

func (m *Monitor) onDeviceStateChange(p ami.Event) {
    device, state := p["Device"], p["State"]
    ext := extFromChannel(device)
    if ext == "" {
        return
    }
    if call, ok := m.activeCalls[ext]; ok {
        call.State = state
    }
}
