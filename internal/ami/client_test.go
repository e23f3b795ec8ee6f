package ami

import (
    "bufio"
    "context"
    "fmt"
    "net"
    "strings"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

// fakeAsterisk accepts one AMI connection and answers scripted frames.
type fakeAsterisk struct {
    t        *testing.T
    listener net.Listener
    conn     net.Conn
    reader   *bufio.Reader
}

func newFakeAsterisk(t *testing.T) *fakeAsterisk {
    l, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    t.Cleanup(func() { l.Close() })
    return &fakeAsterisk{t: t, listener: l}
}

func (f *fakeAsterisk) addr() (string, int) {
    addr := f.listener.Addr().(*net.TCPAddr)
    return addr.IP.String(), addr.Port
}

func (f *fakeAsterisk) accept() {
    conn, err := f.listener.Accept()
    require.NoError(f.t, err)
    f.conn = conn
    f.reader = bufio.NewReader(conn)
    f.write("Asterisk Call Manager/5.0.4\r\n")
}

// readAction reads one action frame and returns its fields.
func (f *fakeAsterisk) readAction() map[string]string {
    fields := make(map[string]string)
    for {
        line, err := f.reader.ReadString('\n')
        require.NoError(f.t, err)
        line = strings.TrimRight(line, "\r\n")
        if line == "" {
            return fields
        }
        if idx := strings.Index(line, ":"); idx > 0 {
            fields[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
        }
    }
}

func (f *fakeAsterisk) write(s string) {
    _, err := f.conn.Write([]byte(s))
    require.NoError(f.t, err)
}

func (f *fakeAsterisk) writeFrame(lines ...string) {
    f.write(strings.Join(lines, "\r\n") + "\r\n\r\n")
}

// serveLogin answers the Login action the client sends during Connect.
func (f *fakeAsterisk) serveLogin(succeed bool) {
    action := f.readAction()
    require.Equal(f.t, "Login", action["Action"])
    if succeed {
        f.writeFrame(
            "Response: Success",
            "ActionID: "+action["ActionID"],
            "Message: Authentication accepted",
        )
    } else {
        f.writeFrame(
            "Response: Error",
            "ActionID: "+action["ActionID"],
            "Message: Authentication failed",
        )
    }
}

func newTestClient(f *fakeAsterisk) *Client {
    host, port := f.addr()
    return NewClient(Config{
        Host:          host,
        Port:          port,
        Username:      "opdesk",
        Password:      "secret",
        ActionTimeout: 2 * time.Second,
    })
}

func connectClient(t *testing.T, f *fakeAsterisk) *Client {
    c := newTestClient(f)
    done := make(chan error, 1)
    go func() { done <- c.Connect(context.Background()) }()
    f.accept()
    f.serveLogin(true)
    require.NoError(t, <-done)
    t.Cleanup(c.Close)
    return c
}

func TestConnectAndLogin(t *testing.T) {
    f := newFakeAsterisk(t)
    c := connectClient(t, f)

    assert.True(t, c.IsConnected())
    assert.True(t, c.IsLoggedIn())
}

func TestLoginFailure(t *testing.T) {
    f := newFakeAsterisk(t)
    c := newTestClient(f)

    done := make(chan error, 1)
    go func() { done <- c.Connect(context.Background()) }()
    f.accept()
    f.serveLogin(false)

    err := <-done
    require.Error(t, err)
    assert.Contains(t, err.Error(), "Authentication failed")
    assert.False(t, c.IsLoggedIn())
}

func TestSendRoutesResponseByActionID(t *testing.T) {
    f := newFakeAsterisk(t)
    c := connectClient(t, f)

    go func() {
        action := f.readAction()
        // An unrelated event arrives before the response.
        f.writeFrame("Event: Newchannel", "Channel: PJSIP/101-00000001")
        f.writeFrame("Response: Success", "ActionID: "+action["ActionID"], "Message: ok")
    }()

    resp, err := c.Send(Action{Action: "Ping"})
    require.NoError(t, err)
    assert.Equal(t, "Success", resp["Response"])

    // The interleaved event still reaches the event channel.
    select {
    case ev := <-c.Events():
        assert.Equal(t, "Newchannel", ev.Name())
    case <-time.After(time.Second):
        t.Fatal("expected Newchannel on event channel")
    }
}

func TestSendMultiCollectsUntilComplete(t *testing.T) {
    f := newFakeAsterisk(t)
    c := connectClient(t, f)

    go func() {
        action := f.readAction()
        id := action["ActionID"]
        f.writeFrame("Response: Success", "ActionID: "+id, "Message: Queue status will follow")
        f.writeFrame("Event: QueueParams", "ActionID: "+id, "Queue: support")
        f.writeFrame("Event: QueueMember", "ActionID: "+id, "Queue: support", "Location: PJSIP/101")
        f.writeFrame("Event: QueueEntry", "ActionID: "+id, "Queue: support", "Position: 1")
        f.writeFrame("Event: QueueStatusComplete", "ActionID: "+id)
    }()

    events, err := c.QueueStatus("support")
    require.NoError(t, err)
    require.Len(t, events, 3)
    assert.Equal(t, "QueueParams", events[0].Name())
    assert.Equal(t, "QueueMember", events[1].Name())
    assert.Equal(t, "QueueEntry", events[2].Name())
}

func TestSendMultiErrorResponseStopsCollection(t *testing.T) {
    f := newFakeAsterisk(t)
    c := connectClient(t, f)

    go func() {
        action := f.readAction()
        f.writeFrame("Response: Error", "ActionID: "+action["ActionID"], "Message: No such queue")
    }()

    _, events, err := c.SendMulti(Action{Action: "QueueStatus"}, "")
    require.NoError(t, err)
    assert.Empty(t, events)
}

func TestSendMultiDefaultSentinel(t *testing.T) {
    f := newFakeAsterisk(t)
    c := connectClient(t, f)

    go func() {
        action := f.readAction()
        id := action["ActionID"]
        f.writeFrame("Response: Success", "ActionID: "+id)
        f.writeFrame("Event: Status", "ActionID: "+id, "Channel: PJSIP/101-00000001")
        f.writeFrame("Event: StatusComplete", "ActionID: "+id)
    }()

    _, events, err := c.SendMulti(Action{Action: "Status"}, "")
    require.NoError(t, err)
    require.Len(t, events, 1)
    assert.Equal(t, "PJSIP/101-00000001", events[0]["Channel"])
}

func TestSendTimeout(t *testing.T) {
    f := newFakeAsterisk(t)
    c := connectClient(t, f)

    go func() { f.readAction() }() // swallow the action, never answer

    _, err := c.Send(Action{Action: "Ping"})
    require.Error(t, err)
    assert.Contains(t, err.Error(), "timeout")
}

func TestUnsolicitedEvents(t *testing.T) {
    f := newFakeAsterisk(t)
    c := connectClient(t, f)

    f.writeFrame("Event: Hangup", "Channel: PJSIP/101-00000001", "Cause: 16")
    f.writeFrame("Event: Newstate", "Channel: PJSIP/102-00000002", "ChannelStateDesc: Up")

    var got []string
    for i := 0; i < 2; i++ {
        select {
        case ev := <-c.Events():
            got = append(got, ev.Name())
        case <-time.After(time.Second):
            t.Fatal("timed out waiting for events")
        }
    }
    assert.Equal(t, []string{"Hangup", "Newstate"}, got)
}

func TestEventsChannelClosesOnDisconnect(t *testing.T) {
    f := newFakeAsterisk(t)
    c := connectClient(t, f)

    f.conn.Close()

    select {
    case _, ok := <-waitClosed(c.Events()):
        assert.False(t, ok)
    case <-time.After(2 * time.Second):
        t.Fatal("event channel did not close")
    }
    assert.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseAfterConnectionLossStopsLoops(t *testing.T) {
    f := newFakeAsterisk(t)
    c := connectClient(t, f)

    // The far end drops the connection; the read loop exits on its own.
    f.conn.Close()
    require.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 10*time.Millisecond)

    done := make(chan struct{})
    go func() {
        c.Close()
        close(done)
    }()

    select {
    case <-done:
    case <-time.After(2 * time.Second):
        t.Fatal("Close did not return after connection loss")
    }

    // Shutdown must be broadcast even though the connection was already
    // gone, or the ping loop runs forever.
    select {
    case <-c.shutdown:
    default:
        t.Fatal("Close left the shutdown channel open")
    }

    // A second Close is a no-op, not a double close.
    c.Close()
}

// waitClosed drains events until the channel closes, forwarding the
// closed state.
func waitClosed(ch <-chan Event) <-chan Event {
    out := make(chan Event)
    go func() {
        for range ch {
        }
        close(out)
    }()
    return out
}

func TestFrameParsingToleratesColonValues(t *testing.T) {
    f := newFakeAsterisk(t)
    c := connectClient(t, f)

    f.writeFrame("Event: VarSet", "Variable: SIPURI", "Value: sip:101@10.0.0.1:5060")

    select {
    case ev := <-c.Events():
        assert.Equal(t, "sip:101@10.0.0.1:5060", ev["Value"])
    case <-time.After(time.Second):
        t.Fatal("expected VarSet event")
    }
}

func TestSendWhenDisconnected(t *testing.T) {
    c := NewClient(Config{Host: "127.0.0.1", Port: 1})
    _, err := c.Send(Action{Action: "Ping"})
    require.Error(t, err)
    assert.Contains(t, err.Error(), "not connected")
}

func TestActionIDsAreUnique(t *testing.T) {
    f := newFakeAsterisk(t)
    c := connectClient(t, f)

    ids := make(map[string]bool)
    for i := 0; i < 3; i++ {
        go func() {
            action := f.readAction()
            f.writeFrame("Response: Success", "ActionID: "+action["ActionID"])
        }()
        resp, err := c.Send(Action{Action: "Ping"})
        require.NoError(t, err)
        id := resp["ActionID"]
        require.False(t, ids[id], fmt.Sprintf("duplicate ActionID %s", id))
        ids[id] = true
    }
}
