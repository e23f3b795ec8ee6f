package monitor

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/Ibrahimgamal99/OpDesk/internal/ami"
    "github.com/Ibrahimgamal99/OpDesk/internal/crm"
)

// fakeTransport satisfies Transport with canned responses so the
// correlator can be driven without a PBX.
type fakeTransport struct {
    connected bool
    events    chan ami.Event

    statusEvents []ami.Event
    summary      []ami.Event
    queueStatus  map[string][]ami.Event
    extState     map[string]ami.Event

    addResp    ami.Event
    removeResp ami.Event
    pauseResp  ami.Event

    hangups    []string
    redirects  []map[string]string
    originates []map[string]string
}

func newFakeTransport() *fakeTransport {
    return &fakeTransport{
        connected:   true,
        events:      make(chan ami.Event, 16),
        queueStatus: make(map[string][]ami.Event),
        extState:    make(map[string]ami.Event),
        addResp:     ami.Event{"Response": "Success"},
        removeResp:  ami.Event{"Response": "Success"},
        pauseResp:   ami.Event{"Response": "Success"},
    }
}

func (f *fakeTransport) Events() <-chan ami.Event { return f.events }
func (f *fakeTransport) IsConnected() bool        { return f.connected }

func (f *fakeTransport) SetEventMask(string) error { return nil }

func (f *fakeTransport) ExtensionState(exten, _ string) (ami.Event, error) {
    if e, ok := f.extState[exten]; ok {
        return e, nil
    }
    return ami.Event{"Response": "Success", "Exten": exten, "Status": "0"}, nil
}

func (f *fakeTransport) Status() ([]ami.Event, error) { return f.statusEvents, nil }

func (f *fakeTransport) QueueStatus(queue string) ([]ami.Event, error) {
    return f.queueStatus[queue], nil
}

func (f *fakeTransport) QueueSummary() ([]ami.Event, error) { return f.summary, nil }

func (f *fakeTransport) Redirect(channel, context, exten string, _ int) error {
    f.redirects = append(f.redirects, map[string]string{
        "Channel": channel, "Context": context, "Exten": exten,
    })
    return nil
}

func (f *fakeTransport) Originate(fields map[string]string) error {
    f.originates = append(f.originates, fields)
    return nil
}

func (f *fakeTransport) Hangup(channel string) error {
    f.hangups = append(f.hangups, channel)
    return nil
}

func (f *fakeTransport) QueueAdd(string, string, string, int) (ami.Event, error) {
    return f.addResp, nil
}

func (f *fakeTransport) QueueRemove(string, string) (ami.Event, error) {
    return f.removeResp, nil
}

func (f *fakeTransport) QueuePause(string, string, bool, string) (ami.Event, error) {
    return f.pauseResp, nil
}

type recordingSink struct {
    records []crm.Record
}

func (r *recordingSink) Publish(record crm.Record) {
    r.records = append(r.records, record)
}

type recordingNotifier struct {
    notes []Notification
}

func (r *recordingNotifier) Insert(n Notification) {
    r.notes = append(r.notes, n)
}

func newTestMonitor() (*Monitor, *fakeTransport, *recordingSink, *recordingNotifier) {
    ft := newFakeTransport()
    sink := &recordingSink{}
    notifier := &recordingNotifier{}
    m := New(ft, Options{CRM: sink, Notifier: notifier})
    return m, ft, sink, notifier
}

func feed(m *Monitor, events ...ami.Event) {
    for _, e := range events {
        m.HandleEvent(e)
    }
}

func TestInternalCallLifecycle(t *testing.T) {
    m, _, sink, notifier := newTestMonitor()

    feed(m,
        ami.Event{"Event": "Newchannel", "Channel": "PJSIP/101-00000001",
            "CallerIDNum": "101", "Exten": "102", "Context": "ext-local",
            "Uniqueid": "u1", "Linkedid": "u1"},
        ami.Event{"Event": "DialBegin", "Channel": "PJSIP/101-00000001",
            "DestChannel": "PJSIP/102-00000002", "DestExten": "102"},
        ami.Event{"Event": "Newchannel", "Channel": "PJSIP/102-00000002",
            "CallerIDNum": "102", "Uniqueid": "u2", "Linkedid": "u1"},
        ami.Event{"Event": "Newstate", "Channel": "PJSIP/102-00000002",
            "ChannelStateDesc": "Up"},
        ami.Event{"Event": "Newstate", "Channel": "PJSIP/101-00000001",
            "ChannelStateDesc": "Up"},
        ami.Event{"Event": "Bridge", "Channel1": "PJSIP/101-00000001",
            "Channel2": "PJSIP/102-00000002", "Linkedid": "u1"},
    )

    m.mu.RLock()
    caller := m.activeCalls["101"]
    require.NotNil(t, caller)
    assert.Equal(t, "102", caller.OriginalDestination)
    assert.Equal(t, StateUp, caller.State)
    assert.NotNil(t, caller.AnswerTime)
    callee := m.activeCalls["102"]
    require.NotNil(t, callee)
    assert.Equal(t, "101", callee.Caller)
    m.mu.RUnlock()

    // Callee leg drops first: not final, no record yet.
    feed(m, ami.Event{"Event": "Hangup", "Channel": "PJSIP/102-00000002",
        "Cause": "16", "Uniqueid": "u2", "Linkedid": "u1"})
    assert.Empty(t, sink.records)

    feed(m, ami.Event{"Event": "Hangup", "Channel": "PJSIP/101-00000001",
        "Cause": "16", "Uniqueid": "u1", "Linkedid": "u1"})

    require.Len(t, sink.records, 1)
    rec := sink.records[0]
    assert.Equal(t, "101", rec.Caller)
    assert.Equal(t, "102", rec.Destination)
    assert.Equal(t, StatusCompleted, rec.CallStatus)
    assert.Equal(t, crm.TypeInternal, rec.CallType)
    assert.Empty(t, rec.Queue)
    assert.Empty(t, notifier.notes)

    m.mu.RLock()
    assert.Empty(t, m.activeCalls)
    assert.Empty(t, m.ch2ext)
    assert.Empty(t, m.linked)
    m.mu.RUnlock()
}

func TestMissedInternalCall(t *testing.T) {
    m, _, sink, notifier := newTestMonitor()

    feed(m,
        ami.Event{"Event": "Newchannel", "Channel": "PJSIP/101-00000001",
            "CallerIDNum": "101", "Exten": "102", "Context": "ext-local",
            "Uniqueid": "u1", "Linkedid": "u1"},
        ami.Event{"Event": "DialBegin", "Channel": "PJSIP/101-00000001",
            "DestChannel": "PJSIP/102-00000002", "DestExten": "102"},
        ami.Event{"Event": "Newchannel", "Channel": "PJSIP/102-00000002",
            "CallerIDNum": "102", "Uniqueid": "u2", "Linkedid": "u1"},
        ami.Event{"Event": "DialEnd", "Channel": "PJSIP/101-00000001",
            "DestChannel": "PJSIP/102-00000002", "DialStatus": "CANCEL"},
        // Callee leg dies ringing.
        ami.Event{"Event": "Hangup", "Channel": "PJSIP/102-00000002",
            "Cause": "19", "Uniqueid": "u2", "Linkedid": "u1"},
    )

    assert.Empty(t, sink.records)
    require.Len(t, notifier.notes, 1)
    assert.Equal(t, "102", notifier.notes[0].Extension)
    assert.Equal(t, "101", notifier.notes[0].Caller)
    assert.Equal(t, StatusNoAnswer, notifier.notes[0].Reason)

    feed(m, ami.Event{"Event": "Hangup", "Channel": "PJSIP/101-00000001",
        "Cause": "16", "Uniqueid": "u1", "Linkedid": "u1"})

    require.Len(t, sink.records, 1)
    assert.Equal(t, StatusNoAnswer, sink.records[0].CallStatus)
    assert.Equal(t, "101", sink.records[0].Caller)
    assert.Equal(t, "102", sink.records[0].Destination)
}

func TestQueueCallAnsweredByAgent(t *testing.T) {
    m, _, sink, notifier := newTestMonitor()

    trunk := "PJSIP/asterisk-00000010"
    agent := "PJSIP/110-00000011"

    feed(m,
        ami.Event{"Event": "Newchannel", "Channel": trunk,
            "CallerIDNum": "0123456789", "Exten": "600",
            "Uniqueid": "t1", "Linkedid": "t1"},
        ami.Event{"Event": "QueueCallerJoin", "Queue": "support",
            "Uniqueid": "t1", "CallerIDNum": "0123456789", "Position": "1",
            "Channel": trunk, "Linkedid": "t1"},
        ami.Event{"Event": "AgentCalled", "Queue": "support",
            "Interface": "PJSIP/110", "DestChannel": agent,
            "CallerIDNum": "0123456789", "Linkedid": "t1"},
        ami.Event{"Event": "Newchannel", "Channel": agent,
            "CallerIDNum": "110", "Uniqueid": "a1", "Linkedid": "t1"},
        ami.Event{"Event": "AgentConnect", "Queue": "support",
            "Interface": "PJSIP/110", "MemberChannel": agent,
            "Channel": trunk, "CallerIDNum": "0123456789", "Linkedid": "t1"},
    )

    m.mu.RLock()
    assert.Equal(t, 1, m.queues["support"].CallsWaiting)
    agentCall := m.activeCalls["110"]
    require.NotNil(t, agentCall)
    assert.True(t, agentCall.QueueAnswered)
    assert.False(t, agentCall.QueueWaiting)
    assert.Equal(t, "0123456789", agentCall.QueueCaller)
    assert.Equal(t, "110", agentCall.AnsweredAgent)
    m.mu.RUnlock()

    // Caller leg drops first, then the agent leg finishes the call.
    feed(m,
        ami.Event{"Event": "Hangup", "Channel": trunk,
            "Cause": "16", "Uniqueid": "t1", "Linkedid": "t1"},
        ami.Event{"Event": "Hangup", "Channel": agent,
            "Cause": "16", "Uniqueid": "a1", "Linkedid": "t1"},
    )

    require.Len(t, sink.records, 1)
    rec := sink.records[0]
    assert.Equal(t, "0123456789", rec.Caller)
    assert.Equal(t, "110", rec.Destination)
    assert.Equal(t, StatusCompleted, rec.CallStatus)
    assert.Equal(t, crm.TypeInbound, rec.CallType)
    assert.Equal(t, "support", rec.Queue)
    assert.Empty(t, notifier.notes)

    m.mu.RLock()
    assert.Empty(t, m.queueEntries)
    assert.Equal(t, 0, m.queues["support"].CallsWaiting)
    m.mu.RUnlock()
}

func TestQueueAbandonment(t *testing.T) {
    m, _, sink, _ := newTestMonitor()

    // Provider channel is not a trunk prefix, so the caller's own
    // hangup counts as final.
    caller := "PJSIP/provider-00000020"

    feed(m,
        ami.Event{"Event": "Newchannel", "Channel": caller,
            "CallerIDNum": "0123456789", "Exten": "600",
            "Uniqueid": "q1", "Linkedid": "q1"},
        ami.Event{"Event": "QueueCallerJoin", "Queue": "support",
            "Uniqueid": "q1", "CallerIDNum": "0123456789", "Position": "1",
            "Channel": caller, "Linkedid": "q1"},
        ami.Event{"Event": "Hangup", "Channel": caller,
            "Cause": "16", "Uniqueid": "q1", "Linkedid": "q1"},
    )

    require.Len(t, sink.records, 1)
    rec := sink.records[0]
    assert.Equal(t, "0123456789", rec.Caller)
    assert.Equal(t, "600", rec.Destination)
    assert.Equal(t, "support", rec.Queue)
    assert.Equal(t, crm.TypeInbound, rec.CallType)
    assert.Equal(t, StatusNoAnswer, rec.CallStatus)

    m.mu.RLock()
    assert.Empty(t, m.queueEntries)
    assert.Equal(t, 0, m.queues["support"].CallsWaiting)
    m.mu.RUnlock()
}

func TestAgentRingTimeoutDoesNotEndCall(t *testing.T) {
    m, _, sink, notifier := newTestMonitor()

    trunk := "PJSIP/asterisk-00000030"
    agent := "PJSIP/110-00000031"

    feed(m,
        ami.Event{"Event": "Newchannel", "Channel": trunk,
            "CallerIDNum": "0123456789", "Exten": "600",
            "Uniqueid": "t1", "Linkedid": "t1"},
        ami.Event{"Event": "QueueCallerJoin", "Queue": "support",
            "Uniqueid": "t1", "CallerIDNum": "0123456789", "Position": "1",
            "Channel": trunk, "Linkedid": "t1"},
        ami.Event{"Event": "AgentCalled", "Queue": "support",
            "Interface": "PJSIP/110", "DestChannel": agent,
            "CallerIDNum": "0123456789", "Linkedid": "t1"},
        ami.Event{"Event": "Newchannel", "Channel": agent,
            "CallerIDNum": "110", "Uniqueid": "a1", "Linkedid": "t1"},
        // Ring timeout on the agent leg while the caller stays queued.
        ami.Event{"Event": "Hangup", "Channel": agent,
            "Cause": "19", "Uniqueid": "a1", "Linkedid": "t1"},
    )

    assert.Empty(t, sink.records)
    require.Len(t, notifier.notes, 1)
    assert.Equal(t, "110", notifier.notes[0].Extension)
    assert.Equal(t, "0123456789", notifier.notes[0].Caller)
    assert.Equal(t, "support", notifier.notes[0].Queue)
    assert.Equal(t, StatusNoAnswer, notifier.notes[0].Reason)

    // The caller is still waiting.
    m.mu.RLock()
    assert.Len(t, m.queueEntries, 1)
    m.mu.RUnlock()
}

func TestHangupUnknownChannel(t *testing.T) {
    m, _, sink, notifier := newTestMonitor()

    feed(m, ami.Event{"Event": "Hangup", "Channel": "PJSIP/999-00000099",
        "Cause": "16", "Uniqueid": "x1", "Linkedid": "x1"})

    assert.Empty(t, sink.records)
    assert.Empty(t, notifier.notes)
    assert.Equal(t, 0, m.ActiveCallCount())
}

func TestDuplicateFinalHangupSendsOneRecord(t *testing.T) {
    m, _, sink, _ := newTestMonitor()

    feed(m,
        ami.Event{"Event": "Newchannel", "Channel": "PJSIP/101-00000001",
            "CallerIDNum": "101", "Exten": "0123456789",
            "Uniqueid": "u1", "Linkedid": "u1"},
        ami.Event{"Event": "Newstate", "Channel": "PJSIP/101-00000001",
            "ChannelStateDesc": "Up"},
        ami.Event{"Event": "Hangup", "Channel": "PJSIP/101-00000001",
            "Cause": "16", "Uniqueid": "u1", "Linkedid": "u1"},
        ami.Event{"Event": "Hangup", "Channel": "PJSIP/101-00000001",
            "Cause": "16", "Uniqueid": "u1", "Linkedid": "u1"},
    )

    assert.Len(t, sink.records, 1)
    assert.Equal(t, crm.TypeOutbound, sink.records[0].CallType)
    assert.Equal(t, "0123456789", sink.records[0].Destination)
}

func TestHangupWithoutLinkedidSkipsCRM(t *testing.T) {
    m, _, sink, _ := newTestMonitor()

    feed(m,
        ami.Event{"Event": "Newchannel", "Channel": "PJSIP/101-00000001",
            "CallerIDNum": "101", "Exten": "102", "Uniqueid": ""},
        ami.Event{"Event": "Hangup", "Channel": "PJSIP/101-00000001",
            "Cause": "16"},
    )

    assert.Empty(t, sink.records)
    assert.Equal(t, 0, m.ActiveCallCount())
}

func TestVarSetCapturesDialedNumber(t *testing.T) {
    m, _, _, _ := newTestMonitor()

    feed(m,
        ami.Event{"Event": "Newchannel", "Channel": "PJSIP/101-00000001",
            "CallerIDNum": "101", "Uniqueid": "u1", "Linkedid": "u1"},
        ami.Event{"Event": "VarSet", "Channel": "PJSIP/101-00000001",
            "Variable": "DIALEDPEERNUMBER", "Value": "0123456789"},
        ami.Event{"Event": "VarSet", "Channel": "PJSIP/101-00000001",
            "Variable": "SOMETHING_ELSE", "Value": "555"},
    )

    m.mu.RLock()
    defer m.mu.RUnlock()
    call := m.activeCalls["101"]
    require.NotNil(t, call)
    assert.Equal(t, "0123456789", call.OriginalDestination)
    assert.Equal(t, "0123456789", call.Exten)
}

func TestExtensionStatusNeverDropsCall(t *testing.T) {
    m, _, _, _ := newTestMonitor()

    feed(m,
        ami.Event{"Event": "Newchannel", "Channel": "PJSIP/101-00000001",
            "CallerIDNum": "101", "Exten": "102",
            "Uniqueid": "u1", "Linkedid": "u1"},
        ami.Event{"Event": "ExtensionStatus", "Exten": "101",
            "Status": "0", "StatusText": "Idle"},
    )

    m.mu.RLock()
    defer m.mu.RUnlock()
    assert.NotNil(t, m.activeCalls["101"])
    assert.Equal(t, "0", m.extensions["101"]["Status"])
}

func TestHandleEventRecoversFromPanic(t *testing.T) {
    m, _, _, _ := newTestMonitor()

    // A nil map write inside a handler must not kill the loop. Feeding
    // an event with no name is the simplest no-op, then a normal event
    // still works.
    assert.NotPanics(t, func() {
        feed(m, ami.Event{}, ami.Event{"Event": "Newchannel",
            "Channel": "PJSIP/101-00000001", "CallerIDNum": "101",
            "Exten": "102", "Uniqueid": "u1", "Linkedid": "u1"})
    })
    assert.Equal(t, 2, m.ActiveCallCount()) // 101 plus cross-referenced 102
}
