package ami

import (
    "fmt"

    "github.com/Ibrahimgamal99/OpDesk/pkg/errors"
)

// SetEventMask controls which event classes Asterisk sends.
func (c *Client) SetEventMask(mask string) error {
    resp, err := c.Send(Action{
        Action: "Events",
        Fields: map[string]string{"EventMask": mask},
    })
    if err != nil {
        return err
    }
    // Asterisk answers "Events On" / "Events Off" rather than Success.
    if r := resp["Response"]; r != "Success" && r != "Events On" && r != "Events Off" {
        return errors.New(errors.ErrActionFailed, "Events action failed").WithContext("response", r)
    }
    return nil
}

// ExtensionState queries the device state of a single extension.
func (c *Client) ExtensionState(exten, context string) (Event, error) {
    resp, err := c.Send(Action{
        Action: "ExtensionState",
        Fields: map[string]string{
            "Exten":   exten,
            "Context": context,
        },
    })
    if err != nil {
        return nil, err
    }
    if resp["Response"] != "Success" {
        return nil, errors.New(errors.ErrActionFailed, "ExtensionState failed").WithContext("exten", exten)
    }
    return resp, nil
}

// Status lists all live channels as Status events.
func (c *Client) Status() ([]Event, error) {
    _, events, err := c.SendMulti(Action{Action: "Status"}, "StatusComplete")
    return events, err
}

// QueueStatus returns the member and entry events for a queue, or for
// all queues when queue is empty.
func (c *Client) QueueStatus(queue string) ([]Event, error) {
    fields := make(map[string]string)
    if queue != "" {
        fields["Queue"] = queue
    }
    _, events, err := c.SendMulti(Action{Action: "QueueStatus", Fields: fields}, "QueueStatusComplete")
    return events, err
}

// QueueSummary returns one summary event per queue.
func (c *Client) QueueSummary() ([]Event, error) {
    _, events, err := c.SendMulti(Action{Action: "QueueSummary"}, "QueueSummaryComplete")
    return events, err
}

// Redirect moves a channel to a new dialplan target.
func (c *Client) Redirect(channel, context, exten string, priority int) error {
    resp, err := c.Send(Action{
        Action: "Redirect",
        Fields: map[string]string{
            "Channel":  channel,
            "Context":  context,
            "Exten":    exten,
            "Priority": fmt.Sprintf("%d", priority),
        },
    })
    if err != nil {
        return err
    }
    if resp["Response"] != "Success" {
        return errors.New(errors.ErrActionFailed, respMessage(resp, "Redirect failed")).WithContext("channel", channel)
    }
    return nil
}

// Originate places a call from an application, e.g. ChanSpy.
func (c *Client) Originate(fields map[string]string) error {
    resp, err := c.Send(Action{Action: "Originate", Fields: fields})
    if err != nil {
        return err
    }
    if resp["Response"] != "Success" {
        return errors.New(errors.ErrActionFailed, respMessage(resp, "Originate failed"))
    }
    return nil
}

// Hangup terminates a channel.
func (c *Client) Hangup(channel string) error {
    resp, err := c.Send(Action{
        Action: "Hangup",
        Fields: map[string]string{"Channel": channel},
    })
    if err != nil {
        return err
    }
    if resp["Response"] != "Success" {
        return errors.New(errors.ErrActionFailed, respMessage(resp, "Hangup failed")).WithContext("channel", channel)
    }
    return nil
}

// QueueAdd adds a member interface to a queue.
func (c *Client) QueueAdd(queue, iface, memberName string, penalty int) (Event, error) {
    fields := map[string]string{
        "Queue":     queue,
        "Interface": iface,
        "Penalty":   fmt.Sprintf("%d", penalty),
    }
    if memberName != "" {
        fields["MemberName"] = memberName
    }
    return c.Send(Action{Action: "QueueAdd", Fields: fields})
}

// QueueRemove removes a member interface from a queue.
func (c *Client) QueueRemove(queue, iface string) (Event, error) {
    return c.Send(Action{
        Action: "QueueRemove",
        Fields: map[string]string{
            "Queue":     queue,
            "Interface": iface,
        },
    })
}

// QueuePause pauses or unpauses a queue member. An empty queue applies
// to every queue the interface belongs to.
func (c *Client) QueuePause(queue, iface string, paused bool, reason string) (Event, error) {
    pausedVal := "false"
    if paused {
        pausedVal = "true"
    }
    fields := map[string]string{
        "Interface": iface,
        "Paused":    pausedVal,
    }
    if queue != "" {
        fields["Queue"] = queue
    }
    if reason != "" {
        fields["Reason"] = reason
    }
    return c.Send(Action{Action: "QueuePause", Fields: fields})
}

func respMessage(resp Event, fallback string) string {
    if msg := resp["Message"]; msg != "" {
        return msg
    }
    return fallback
}
