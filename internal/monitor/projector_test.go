package monitor

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/Ibrahimgamal99/OpDesk/internal/ami"
)

func buildProjectorState(m *Monitor) {
    m.SetMonitored([]string{"101", "102", "110", "120"})

    feed(m,
        // 101 talking to an external number.
        ami.Event{"Event": "Newchannel", "Channel": "PJSIP/101-00000001",
            "CallerIDNum": "101", "Exten": "0123456789",
            "Uniqueid": "u1", "Linkedid": "u1"},
        ami.Event{"Event": "Newstate", "Channel": "PJSIP/101-00000001",
            "ChannelStateDesc": "Up"},
        // 110 ringing from 102.
        ami.Event{"Event": "Newchannel", "Channel": "PJSIP/102-00000005",
            "CallerIDNum": "102", "Exten": "110",
            "Uniqueid": "u5", "Linkedid": "u5"},
        ami.Event{"Event": "DialBegin", "Channel": "PJSIP/102-00000005",
            "DestChannel": "PJSIP/110-00000006", "DestExten": "110"},
        // Cached idle status for 120.
        ami.Event{"Event": "ExtensionStatus", "Exten": "120", "Status": "0"},
        // Queue state.
        ami.Event{"Event": "QueueMemberStatus", "Queue": "support",
            "Interface": "PJSIP/110", "MemberName": "Agent 110", "Status": "6"},
        ami.Event{"Event": "QueueCallerJoin", "Queue": "support",
            "Uniqueid": "w1", "CallerIDNum": "0999999999", "Position": "1"},
        // Asterisk's builtin queue must stay invisible.
        ami.Event{"Event": "QueueMemberStatus", "Queue": "default",
            "Interface": "PJSIP/110", "Status": "1"},
    )
}

func TestProjectSnapshot(t *testing.T) {
    m, _, _, _ := newTestMonitor()
    buildProjectorState(m)

    snap := m.Project(Scope{})

    // Extension rows.
    require.Contains(t, snap.Extensions, "101")
    assert.Equal(t, "in_call", snap.Extensions["101"].Status)
    require.NotNil(t, snap.Extensions["101"].CallInfo)
    assert.Equal(t, "0123456789", snap.Extensions["101"].CallInfo.TalkingTo)
    assert.NotEmpty(t, snap.Extensions["101"].CallInfo.Duration)
    assert.NotEmpty(t, snap.Extensions["101"].CallInfo.TalkTime)

    assert.Equal(t, "ringing", snap.Extensions["110"].Status)
    assert.Equal(t, "idle", snap.Extensions["120"].Status)
    assert.Nil(t, snap.Extensions["120"].CallInfo)

    // 110 is a callee of 102; only the caller's row shows.
    assert.Contains(t, snap.ActiveCalls, "102")
    assert.NotContains(t, snap.ActiveCalls, "110")
    assert.Contains(t, snap.ActiveCalls, "101")

    // Queue views; the default queue is hidden.
    require.Contains(t, snap.Queues, "support")
    assert.NotContains(t, snap.Queues, "default")
    assert.Equal(t, 1, snap.Queues["support"].CallsWaiting)
    assert.Contains(t, snap.Queues["support"].Members, "PJSIP/110")
    assert.Equal(t, "Ringing", snap.Queues["support"].Members["PJSIP/110"].Status)

    require.Contains(t, snap.QueueEntries, "w1")
    assert.Equal(t, "0999999999", snap.QueueEntries["w1"].CallerID)
    assert.NotEmpty(t, snap.QueueEntries["w1"].WaitTime)

    assert.Equal(t, 4, snap.Stats.TotalExtensions)
    assert.Equal(t, 1, snap.Stats.TotalQueues)
    assert.Equal(t, 1, snap.Stats.TotalWaiting)
}

func TestProjectScopeFiltering(t *testing.T) {
    m, _, _, _ := newTestMonitor()
    buildProjectorState(m)

    snap := m.Project(Scope{Extensions: []string{"101"}, Queues: []string{"sales"}})

    assert.Contains(t, snap.Extensions, "101")
    assert.NotContains(t, snap.Extensions, "110")
    assert.Contains(t, snap.ActiveCalls, "101")
    assert.NotContains(t, snap.ActiveCalls, "102")
    assert.Empty(t, snap.Queues)
    assert.Empty(t, snap.QueueMembers)
    assert.Empty(t, snap.QueueEntries)
    assert.Equal(t, 0, snap.Stats.TotalWaiting)
}

func TestProjectDoesNotMutate(t *testing.T) {
    m, _, _, _ := newTestMonitor()
    buildProjectorState(m)

    before := m.ActiveCallCount()
    _ = m.Project(Scope{})
    _ = m.Project(Scope{Extensions: []string{"101"}})
    assert.Equal(t, before, m.ActiveCallCount())
}
