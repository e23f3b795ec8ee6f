package ami

import (
    "bufio"
    "context"
    "fmt"
    "net"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "github.com/Ibrahimgamal99/OpDesk/pkg/errors"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

// Client speaks the Asterisk Manager Interface over a single TCP
// connection. Exactly one goroutine (readLoop) ever reads the socket;
// action callers receive their frames through the pending map, keyed
// by ActionID.
type Client struct {
    config Config

    conn   net.Conn
    reader *bufio.Reader
    writer *bufio.Writer

    writeMu sync.Mutex

    mu        sync.RWMutex
    connected bool
    loggedIn  bool

    actionID  uint64
    pending   map[string]*pendingAction
    pendingMu sync.Mutex

    events    chan Event
    shutdown  chan struct{}
    closeOnce sync.Once
    wg        sync.WaitGroup

    totalEvents   uint64
    totalActions  uint64
    failedActions uint64
}

// Config holds AMI connection configuration
type Config struct {
    Host           string
    Port           int
    Username       string
    Password       string
    ActionTimeout  time.Duration
    ConnectTimeout time.Duration
    PingInterval   time.Duration
    BufferSize     int
}

// Event is a single AMI frame, parsed into its header fields.
type Event map[string]string

// Name returns the Event header, empty for response frames.
func (e Event) Name() string { return e["Event"] }

// Action represents an AMI action
type Action struct {
    Action   string
    ActionID string
    Fields   map[string]string
}

// pendingAction routes frames carrying a known ActionID back to the
// caller. For multi-event actions the events channel is non-nil and
// collection runs until the complete sentinel arrives.
type pendingAction struct {
    response chan Event
    events   chan Event
    complete string
    done     chan struct{}
}

// NewClient creates an AMI client
func NewClient(config Config) *Client {
    if config.Port == 0 {
        config.Port = 5038
    }
    if config.ActionTimeout == 0 {
        config.ActionTimeout = 10 * time.Second
    }
    if config.ConnectTimeout == 0 {
        config.ConnectTimeout = 10 * time.Second
    }
    if config.PingInterval == 0 {
        config.PingInterval = 30 * time.Second
    }
    if config.BufferSize == 0 {
        config.BufferSize = 1000
    }

    return &Client{
        config:   config,
        pending:  make(map[string]*pendingAction),
        events:   make(chan Event, config.BufferSize),
        shutdown: make(chan struct{}),
    }
}

// Connect dials Asterisk, validates the banner, logs in and starts the
// reader and ping loops.
func (c *Client) Connect(ctx context.Context) error {
    c.mu.Lock()
    if c.connected {
        c.mu.Unlock()
        return nil
    }

    addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
    logger.WithField("addr", addr).Info("Connecting to Asterisk AMI")

    dialer := net.Dialer{Timeout: c.config.ConnectTimeout}

    conn, err := dialer.DialContext(ctx, "tcp", addr)
    if err != nil {
        c.mu.Unlock()
        return errors.Wrap(err, errors.ErrAMIConnection, "failed to connect to AMI")
    }

    c.conn = conn
    c.reader = bufio.NewReader(conn)
    c.writer = bufio.NewWriter(conn)

    conn.SetReadDeadline(time.Now().Add(5 * time.Second))

    banner, err := c.reader.ReadString('\n')
    if err != nil {
        conn.Close()
        c.mu.Unlock()
        return errors.Wrap(err, errors.ErrAMIConnection, "failed to read AMI banner")
    }

    conn.SetReadDeadline(time.Time{})

    banner = strings.TrimSpace(banner)
    logger.WithField("banner", banner).Debug("AMI banner received")

    if !strings.Contains(banner, "Asterisk Call Manager") {
        conn.Close()
        c.mu.Unlock()
        return errors.New(errors.ErrAMIConnection, fmt.Sprintf("invalid AMI banner: %s", banner))
    }

    c.connected = true
    c.mu.Unlock()

    c.wg.Add(1)
    go c.readLoop()

    if err := c.login(); err != nil {
        c.mu.Lock()
        c.connected = false
        c.mu.Unlock()
        conn.Close()
        return err
    }

    c.mu.Lock()
    c.loggedIn = true
    c.mu.Unlock()

    c.wg.Add(1)
    go c.pingLoop()

    logger.Info("Connected to Asterisk AMI successfully")

    return nil
}

func (c *Client) login() error {
    logger.WithField("username", c.config.Username).Debug("Performing AMI login")

    resp, err := c.Send(Action{
        Action: "Login",
        Fields: map[string]string{
            "Username": c.config.Username,
            "Secret":   c.config.Password,
        },
    })
    if err != nil {
        return err
    }

    if resp["Response"] != "Success" {
        msg := resp["Message"]
        if msg == "" {
            msg = "Authentication failed"
        }
        return errors.New(errors.ErrAuthFailed, msg)
    }

    return nil
}

// Close shuts the client down and waits for the loops to exit. The
// shutdown broadcast must not depend on connection state: after a lost
// connection the read loop is already gone but the ping loop still
// waits on it.
func (c *Client) Close() {
    c.mu.Lock()
    c.connected = false
    c.loggedIn = false
    conn := c.conn
    c.mu.Unlock()

    c.closeOnce.Do(func() { close(c.shutdown) })

    if conn != nil {
        conn.Close()
    }

    done := make(chan struct{})
    go func() {
        c.wg.Wait()
        close(done)
    }()

    select {
    case <-done:
        logger.Info("AMI client closed gracefully")
    case <-time.After(5 * time.Second):
        logger.Warn("AMI client close timeout")
    }
}

// Send sends an action and waits for its single response frame.
func (c *Client) Send(action Action) (Event, error) {
    resp, _, err := c.send(action, nil, "")
    return resp, err
}

// SendMulti sends an action whose answer spans multiple event frames.
// Events tagged with the action's ID are collected until the complete
// sentinel arrives; an empty sentinel defaults to "<Action>Complete".
func (c *Client) SendMulti(action Action, complete string) (Event, []Event, error) {
    if complete == "" {
        complete = action.Action + "Complete"
    }
    collect := make(chan Event, 256)
    resp, events, err := c.send(action, collect, complete)
    return resp, events, err
}

func (c *Client) send(action Action, collect chan Event, complete string) (Event, []Event, error) {
    c.mu.RLock()
    if !c.connected {
        c.mu.RUnlock()
        return nil, nil, errors.New(errors.ErrAMIConnection, "not connected to AMI")
    }
    if action.Action != "Login" && !c.loggedIn {
        c.mu.RUnlock()
        return nil, nil, errors.New(errors.ErrAMIConnection, "not logged in to AMI")
    }
    c.mu.RUnlock()

    actionID := fmt.Sprintf("%d", atomic.AddUint64(&c.actionID, 1))
    action.ActionID = actionID

    p := &pendingAction{
        response: make(chan Event, 1),
        events:   collect,
        complete: complete,
        done:     make(chan struct{}),
    }

    c.pendingMu.Lock()
    c.pending[actionID] = p
    c.pendingMu.Unlock()

    defer func() {
        c.pendingMu.Lock()
        delete(c.pending, actionID)
        c.pendingMu.Unlock()
    }()

    var sb strings.Builder
    sb.WriteString(fmt.Sprintf("Action: %s\r\n", action.Action))
    sb.WriteString(fmt.Sprintf("ActionID: %s\r\n", actionID))
    for key, value := range action.Fields {
        sb.WriteString(fmt.Sprintf("%s: %s\r\n", key, value))
    }
    sb.WriteString("\r\n")

    c.writeMu.Lock()
    _, err := c.writer.WriteString(sb.String())
    if err == nil {
        err = c.writer.Flush()
    }
    c.writeMu.Unlock()

    if err != nil {
        return nil, nil, errors.Wrap(err, errors.ErrAMIConnection, "failed to write AMI action")
    }

    atomic.AddUint64(&c.totalActions, 1)

    timer := time.NewTimer(c.config.ActionTimeout)
    defer timer.Stop()

    var resp Event
    select {
    case resp = <-p.response:
    case <-timer.C:
        atomic.AddUint64(&c.failedActions, 1)
        return nil, nil, errors.New(errors.ErrAMITimeout, "AMI action timeout").WithContext("action", action.Action)
    case <-c.shutdown:
        return nil, nil, errors.New(errors.ErrAMIConnection, "AMI client shutting down")
    }

    if collect == nil {
        return resp, nil, nil
    }

    // An error response terminates a multi-event action immediately.
    if resp["Response"] == "Error" {
        return resp, nil, nil
    }

    var events []Event
    for {
        select {
        case ev := <-collect:
            events = append(events, ev)
        case <-p.done:
            // Drain what the reader routed before the sentinel.
            for {
                select {
                case ev := <-collect:
                    events = append(events, ev)
                default:
                    return resp, events, nil
                }
            }
        case <-timer.C:
            atomic.AddUint64(&c.failedActions, 1)
            logger.WithField("action", action.Action).Warn("AMI multi-event action timed out, returning partial result")
            return resp, events, nil
        case <-c.shutdown:
            return resp, events, errors.New(errors.ErrAMIConnection, "AMI client shutting down")
        }
    }
}

// readLoop is the only socket reader. Frames with a pending ActionID
// are routed to the waiting caller, everything else goes to the event
// channel.
func (c *Client) readLoop() {
    defer c.wg.Done()
    defer close(c.events)

    for {
        select {
        case <-c.shutdown:
            return
        default:
        }

        frame, err := c.readFrame()
        if err != nil {
            select {
            case <-c.shutdown:
            default:
                logger.WithError(err).Error("AMI read failed, connection lost")
            }
            c.mu.Lock()
            c.connected = false
            c.loggedIn = false
            c.mu.Unlock()
            return
        }

        if frame == nil {
            continue
        }

        atomic.AddUint64(&c.totalEvents, 1)
        c.dispatch(frame)
    }
}

func (c *Client) dispatch(frame Event) {
    if actionID := frame["ActionID"]; actionID != "" {
        c.pendingMu.Lock()
        p, exists := c.pending[actionID]
        c.pendingMu.Unlock()

        if exists {
            if _, isResponse := frame["Response"]; isResponse {
                select {
                case p.response <- frame:
                default:
                }
                return
            }
            if p.events != nil {
                if frame.Name() == p.complete {
                    close(p.done)
                    return
                }
                select {
                case p.events <- frame:
                default:
                    logger.WithField("event", frame.Name()).Warn("AMI collector full, dropping event")
                }
                return
            }
        }
    }

    if frame.Name() == "" {
        return
    }

    select {
    case c.events <- frame:
    case <-time.After(100 * time.Millisecond):
        logger.WithField("event", frame.Name()).Warn("AMI event channel full, dropping event")
    }
}

// readFrame reads header lines until the blank terminator.
func (c *Client) readFrame() (Event, error) {
    frame := make(Event)

    for {
        line, err := c.reader.ReadString('\n')
        if err != nil {
            return nil, err
        }

        line = strings.TrimRight(line, "\r\n")

        if line == "" {
            if len(frame) > 0 {
                return frame, nil
            }
            continue
        }

        if idx := strings.Index(line, ":"); idx > 0 {
            key := strings.TrimSpace(line[:idx])
            value := strings.TrimSpace(line[idx+1:])
            frame[key] = value
        }
    }
}

func (c *Client) pingLoop() {
    defer c.wg.Done()

    ticker := time.NewTicker(c.config.PingInterval)
    defer ticker.Stop()

    for {
        select {
        case <-c.shutdown:
            return
        case <-ticker.C:
            if _, err := c.Send(Action{Action: "Ping"}); err != nil {
                logger.WithError(err).Warn("AMI ping failed")
                c.mu.Lock()
                c.connected = false
                c.mu.Unlock()
            }
        }
    }
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return c.connected
}

// IsLoggedIn returns login status
func (c *Client) IsLoggedIn() bool {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return c.loggedIn
}

// Events returns the channel of unsolicited AMI events. It is closed
// when the connection is lost.
func (c *Client) Events() <-chan Event {
    return c.events
}

// Stats returns transport counters for health and metrics reporting.
func (c *Client) Stats() map[string]interface{} {
    return map[string]interface{}{
        "total_events":   atomic.LoadUint64(&c.totalEvents),
        "total_actions":  atomic.LoadUint64(&c.totalActions),
        "failed_actions": atomic.LoadUint64(&c.failedActions),
        "connected":      c.IsConnected(),
        "logged_in":      c.IsLoggedIn(),
    }
}
