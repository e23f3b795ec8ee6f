package monitor

import (
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/Ibrahimgamal99/OpDesk/internal/ami"
)

func TestSyncActiveCallsRebuildsState(t *testing.T) {
    m, ft, _, _ := newTestMonitor()

    // A stale call that the sweep will not report.
    feed(m, ami.Event{"Event": "Newchannel", "Channel": "PJSIP/105-000000aa",
        "CallerIDNum": "105", "Exten": "106", "Uniqueid": "s1", "Linkedid": "s1"})

    ft.statusEvents = []ami.Event{
        {"Event": "Status", "Channel": "PJSIP/101-00000001",
            "ChannelStateDesc": "Up", "ChannelState": "6",
            "CallerIDNum": "101", "ConnectedLineNum": "0123456789"},
        {"Event": "Status", "Channel": "PJSIP/102-00000002",
            "ChannelStateDesc": "Down", "ChannelState": "0",
            "CallerIDNum": "102"},
        {"Event": "Status", "Channel": "PJSIP/asterisk-00000003",
            "ChannelStateDesc": "Up", "ChannelState": "6"},
    }

    require.NoError(t, m.SyncActiveCalls())

    m.mu.RLock()
    defer m.mu.RUnlock()
    require.Len(t, m.activeCalls, 1)
    call := m.activeCalls["101"]
    require.NotNil(t, call)
    assert.Equal(t, "PJSIP/101-00000001", call.Channel)
    assert.Equal(t, "0123456789", call.Destination)
    assert.Equal(t, "0123456789", call.OriginalDestination)
    assert.Equal(t, StateUp, call.State)
    assert.False(t, call.StartTime.IsZero())

    // Down channels and trunk channels never survive the sweep.
    assert.Nil(t, m.activeCalls["102"])
    assert.Nil(t, m.activeCalls["105"])
    assert.Len(t, m.ch2ext, 1)
}

func TestSyncActiveCallsPreservesTimes(t *testing.T) {
    m, ft, _, _ := newTestMonitor()

    start := time.Now().Add(-2 * time.Minute)
    answer := time.Now().Add(-1 * time.Minute)
    m.mu.Lock()
    m.activeCalls["101"] = &Call{
        Extension:  "101",
        Channel:    "PJSIP/101-00000001",
        StartTime:  start,
        AnswerTime: &answer,
    }
    m.mu.Unlock()

    ft.statusEvents = []ami.Event{
        {"Event": "Status", "Channel": "PJSIP/101-00000001",
            "ChannelStateDesc": "Up", "ChannelState": "6", "CallerIDNum": "101"},
    }

    require.NoError(t, m.SyncActiveCalls())

    m.mu.RLock()
    defer m.mu.RUnlock()
    call := m.activeCalls["101"]
    require.NotNil(t, call)
    assert.Equal(t, start, call.StartTime)
    require.NotNil(t, call.AnswerTime)
    assert.Equal(t, answer, *call.AnswerTime)
}

func TestSyncActiveCallsPrunesQueueEntries(t *testing.T) {
    m, ft, _, _ := newTestMonitor()

    feed(m, ami.Event{"Event": "QueueCallerJoin", "Queue": "support",
        "Uniqueid": "q1", "CallerIDNum": "0123456789", "Position": "1",
        "Channel": "PJSIP/provider-00000010"})

    m.mu.RLock()
    assert.Len(t, m.queueEntries, 1)
    m.mu.RUnlock()

    // The sweep reports no channels at all: the waiting entry's
    // channel is gone, so the entry goes too.
    ft.statusEvents = nil
    require.NoError(t, m.SyncActiveCalls())

    m.mu.RLock()
    defer m.mu.RUnlock()
    assert.Empty(t, m.queueEntries)
    assert.Equal(t, 0, m.queues["support"].CallsWaiting)
}

func TestSyncQueues(t *testing.T) {
    m, ft, _, _ := newTestMonitor()

    ft.summary = []ami.Event{
        {"Event": "QueueSummary", "Queue": "support", "Callers": "2",
            "Available": "3", "LoggedIn": "5", "HoldTime": "12", "TalkTime": "80"},
        {"Event": "QueueSummary", "Queue": "sales", "Callers": "0",
            "Available": "1", "LoggedIn": "1"},
    }
    ft.queueStatus["support"] = []ami.Event{
        {"Event": "QueueParams", "Queue": "support", "Max": "0"},
        {"Event": "QueueMember", "Queue": "support", "Name": "Agent 110",
            "Location": "PJSIP/110", "Status": "1", "Paused": "0",
            "Membership": "dynamic"},
        {"Event": "QueueMember", "Queue": "support", "Name": "Agent 111",
            "Location": "PJSIP/111", "Status": "2", "Paused": "1",
            "Membership": "static"},
        {"Event": "QueueEntry", "Queue": "support", "Position": "1",
            "CallerIDNum": "0123456789", "Uniqueid": "e1", "Wait": "30"},
    }

    require.NoError(t, m.SyncQueues())

    m.mu.RLock()
    defer m.mu.RUnlock()

    support := m.queues["support"]
    require.NotNil(t, support)
    assert.Equal(t, 3, support.Available)
    assert.Equal(t, 5, support.LoggedIn)
    assert.Equal(t, 12, support.HoldTime)

    dyn := m.queueMembers["support:PJSIP/110"]
    require.NotNil(t, dyn)
    assert.True(t, dyn.Dynamic)
    assert.Equal(t, "Not in use", dyn.Status)

    static := m.queueMembers["support:PJSIP/111"]
    require.NotNil(t, static)
    assert.False(t, static.Dynamic)
    assert.True(t, static.Paused)
    assert.Equal(t, "In use", static.Status)

    entry := m.queueEntries["e1"]
    require.NotNil(t, entry)
    assert.Equal(t, "support", entry.Queue)
    assert.Equal(t, 1, entry.Position)
    // Entry time is backdated by the reported wait.
    wait := time.Since(entry.EntryTime)
    assert.GreaterOrEqual(t, wait, 29*time.Second)
    assert.LessOrEqual(t, wait, 35*time.Second)

    // Entry sweep is authoritative over event-driven counts.
    assert.Equal(t, 1, support.CallsWaiting)
}

func TestSyncExtensionStatuses(t *testing.T) {
    m, ft, _, _ := newTestMonitor()
    m.SetMonitored([]string{"101", "102"})

    ft.extState["101"] = ami.Event{"Response": "Success", "Exten": "101", "Status": "8"}

    require.NoError(t, m.SyncExtensionStatuses())

    m.mu.RLock()
    defer m.mu.RUnlock()
    assert.Equal(t, "8", m.extensions["101"]["Status"])
    assert.Equal(t, "0", m.extensions["102"]["Status"])
}
