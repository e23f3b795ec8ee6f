package monitor

import (
    "strings"

    "github.com/Ibrahimgamal99/OpDesk/pkg/errors"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

// activeChannel returns the channel carrying ext's current call, from
// the call record or by reverse lookup. Callers must hold the lock.
func (m *Monitor) activeChannel(ext string) string {
    if call, ok := m.activeCalls[ext]; ok && call.Channel != "" {
        return call.Channel
    }
    for ch, e := range m.ch2ext {
        if e == ext {
            return ch
        }
    }
    return ""
}

// HangupExtension hangs up the current call on an extension. The call
// state is resynced first so the channel lookup is fresh.
func (m *Monitor) HangupExtension(ext string) error {
    if !m.client.IsConnected() {
        return errors.New(errors.ErrAMIConnection, "not connected to AMI")
    }
    if err := m.SyncActiveCalls(); err != nil {
        logger.WithError(err).Warn("Active call sync before hangup failed")
    }

    m.mu.RLock()
    ch := m.activeChannel(ext)
    m.mu.RUnlock()
    if ch == "" {
        return errors.New(errors.ErrCallNotFound, "no active call on extension "+ext)
    }

    if err := m.client.Hangup(ch); err != nil {
        return err
    }
    logger.WithField("ext", ext).WithField("channel", ch).Info("Hangup requested")
    return nil
}

// numMatch compares two numbers ignoring leading zeros, so 0101234567
// and 101234567 are the same caller.
func numMatch(a, b string) bool {
    if a == b {
        return true
    }
    if a == "" || b == "" {
        return false
    }
    return strings.TrimLeft(a, "0") == strings.TrimLeft(b, "0")
}

// transferSourceChannel resolves the channel to redirect when the
// supervisor names a transfer source. The source is either an
// extension, whose own channel is used, or the number the extension is
// talking to, in which case the bridge peer's channel is used. Callers
// must hold the lock.
func (m *Monitor) transferSourceChannel(source string) string {
    source = strings.TrimSpace(source)
    if source == "" {
        return ""
    }
    if ch := m.activeChannel(source); ch != "" {
        return ch
    }

    for ext, call := range m.activeCalls {
        talkingTo := displayNumber(call, ext)
        if talkingTo == "Unknown" || !numMatch(source, talkingTo) {
            continue
        }
        agentCh := call.Channel
        if agentCh == "" {
            continue
        }
        linkedid := m.ch2linkedid[agentCh]
        if linkedid == "" {
            continue
        }
        for peer := range m.linked[linkedid] {
            if peer != agentCh {
                return peer
            }
        }
    }
    return ""
}

// TransferCall blind-transfers the call on source to destination.
// Source may be an extension or the far-end number shown in the
// console.
func (m *Monitor) TransferCall(source, destination, context string) error {
    if !m.client.IsConnected() {
        return errors.New(errors.ErrAMIConnection, "not connected to AMI")
    }
    if destination == "" {
        return errors.New(errors.ErrValidation, "no destination provided for transfer")
    }
    if err := m.SyncActiveCalls(); err != nil {
        logger.WithError(err).Warn("Active call sync before transfer failed")
    }

    m.mu.RLock()
    ch := m.transferSourceChannel(source)
    m.mu.RUnlock()
    if ch == "" {
        return errors.New(errors.ErrCallNotFound, "no active call on "+source)
    }

    ctx := context
    if ctx == "" {
        ctx = m.context
    }
    if ctx == "" {
        ctx = "default"
    }

    if err := m.client.Redirect(ch, ctx, destination, 1); err != nil {
        return err
    }
    logger.WithField("source", source).
        WithField("destination", destination).
        WithField("channel", ch).
        Info("Transfer requested")
    return nil
}

// chanSpy originates a ChanSpy call from the supervisor's phone onto
// the target's channel. The channel's unique suffix is stripped so the
// spy follows the endpoint, not one past call leg.
func (m *Monitor) chanSpy(supervisor, target, options, label string) error {
    if !m.client.IsConnected() {
        return errors.New(errors.ErrAMIConnection, "not connected to AMI")
    }
    if err := m.SyncActiveCalls(); err != nil {
        logger.WithError(err).Warn("Active call sync before spy failed")
    }

    m.mu.RLock()
    ch := m.activeChannel(target)
    m.mu.RUnlock()
    if ch == "" {
        return errors.New(errors.ErrCallNotFound, "no active call on extension "+target)
    }

    base := ch
    if idx := strings.LastIndex(ch, "-"); idx > 0 {
        base = ch[:idx]
    }

    err := m.client.Originate(map[string]string{
        "Channel":     "PJSIP/" + supervisor,
        "Application": "ChanSpy",
        "Data":        base + "," + options,
        "CallerID":    label + " <" + target + ">",
        "Timeout":     "30000",
    })
    if err != nil {
        return err
    }
    logger.WithField("supervisor", supervisor).
        WithField("target", target).
        Info(label, " session started")
    return nil
}

// ListenToCall lets the supervisor hear the target's call silently.
func (m *Monitor) ListenToCall(supervisor, target string) error {
    return m.chanSpy(supervisor, target, "qsE", "Listen")
}

// WhisperToCall lets the supervisor speak to the agent only.
func (m *Monitor) WhisperToCall(supervisor, target string) error {
    return m.chanSpy(supervisor, target, "qwsE", "Whisper")
}

// BargeIntoCall joins the supervisor into both sides of the call.
func (m *Monitor) BargeIntoCall(supervisor, target string) error {
    return m.chanSpy(supervisor, target, "qBsE", "Barge")
}
