package crm

import "fmt"

// Call types.
const (
    TypeInbound  = "inbound"
    TypeInternal = "internal"
    TypeOutbound = "outbound"
)

// Record is one call as delivered to the CRM. Durations are HH:MM:SS,
// Datetime is ISO-8601.
type Record struct {
    Caller      string `json:"caller"`
    Destination string `json:"destination"`
    Datetime    string `json:"datetime"`
    Duration    string `json:"duration"`
    TalkTime    string `json:"talk_time"`
    CallStatus  string `json:"call_status"`
    Queue       string `json:"queue,omitempty"`
    CallType    string `json:"call_type"`
}

// FormatSeconds renders a second count as HH:MM:SS.
func FormatSeconds(total int) string {
    if total < 0 {
        total = 0
    }
    return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
