package monitor

import (
    "fmt"
    "regexp"
    "strings"
    "time"
)

// Call states reported by Asterisk (ChannelStateDesc values).
const (
    StateNew     = "New"
    StateDialing = "Dialing"
    StateRing    = "Ring"
    StateRinging = "Ringing"
    StateUp      = "Up"
    StateDown    = "Down"
)

// CRM call status tokens.
const (
    StatusCompleted     = "completed"
    StatusBusy          = "busy"
    StatusNoAnswer      = "noanswer"
    StatusSwitchedOff   = "switched_off"
    StatusInvalidNumber = "invalid_number"
    StatusFailed        = "failed"
)

// Call is the active-call record for one extension. At most one call is
// tracked per extension.
type Call struct {
    Extension           string
    Channel             string
    DestChannel         string
    State               string
    DestState           string
    Caller              string
    CallerID            string
    Exten               string
    Destination         string
    OriginalDestination string
    Context             string
    StartTime           time.Time
    AnswerTime          *time.Time
    DialStatus          string
    Queue               string
    QueueWaiting        bool
    QueueAnswered       bool
    QueueCaller         string
    QueueCallerChannel  string
    AnsweredAgent       string
    Linkedid            string
}

// dialplanContexts are single-word dialplan targets that must never be
// mistaken for extension numbers.
var dialplanContexts = map[string]bool{
    "s": true, "h": true, "i": true, "t": true, "o": true, "a": true,
    "e": true, "start": true, "hangup": true, "invalid": true, "timeout": true,
}

// dialedVars are the channel variables that may carry the dialed number.
var dialedVars = map[string]bool{
    "EXTEN": true, "DIALEDPEERNUMBER": true, "DIALEDNUMBER": true,
    "OUTNUM": true, "DIAL_NUMBER": true, "CALLEDNUM": true, "FROM_DID": true,
}

// extensionStatusNames maps ExtensionStatus codes to display strings.
var extensionStatusNames = map[string]string{
    "-1": "Not Found", "0": "Idle", "1": "In Use", "2": "Busy",
    "4": "Unavailable", "8": "Ringing", "9": "In Use & Ringing",
    "16": "On Hold", "32": "On Hold",
}

// queueMemberStatusNames maps queue member device status codes. These
// differ from the extension status codes.
var queueMemberStatusNames = map[string]string{
    "0": "Unknown",
    "1": "Not in use",
    "2": "In use",
    "3": "Busy",
    "4": "Invalid",
    "5": "Unavailable",
    "6": "Ringing",
    "7": "Ring+In use",
    "8": "On Hold",
}

var (
    reExtFromChannel = regexp.MustCompile(`/(\d+)-`)
    reChannelType    = regexp.MustCompile(`/([^-]+)-`)
)

func queueMemberStatus(code string) string {
    if name, ok := queueMemberStatusNames[code]; ok {
        return name
    }
    return fmt.Sprintf("Unknown (%s)", code)
}

func isDigits(s string) bool {
    if s == "" {
        return false
    }
    for _, r := range s {
        if r < '0' || r > '9' {
            return false
        }
    }
    return true
}

// internalExt reports whether s looks like an internal extension.
func internalExt(s string) bool {
    return isDigits(s) && len(s) >= 3 && len(s) <= 5
}

// meaningfulNumber reports whether a value looks like a real phone or
// extension number, or a feature code like *43. Short strings, dialplan
// context names, and the 4-digit priority artefact starting with 5 are
// rejected.
func meaningfulNumber(value string) bool {
    v := strings.TrimSpace(value)
    if v == "" {
        return false
    }
    if strings.HasPrefix(v, "*") && len(v) >= 2 && isDigits(v[1:]) {
        return true
    }
    if !isDigits(v) {
        return false
    }
    if dialplanContexts[strings.ToLower(v)] || len(v) <= 2 {
        return false
    }
    if len(v) == 4 && v[0] == '5' {
        return false
    }
    return true
}

// extFromChannel extracts the owning extension from a channel name like
// PJSIP/110-0000001a. Non-digit prefixes (trunks) return "".
func extFromChannel(channel string) string {
    if channel == "" {
        return ""
    }
    m := reExtFromChannel.FindStringSubmatch(channel)
    if m == nil {
        return ""
    }
    return m[1]
}

func channelTypeOf(channel string) string {
    m := reChannelType.FindStringSubmatch(channel)
    if m == nil {
        return ""
    }
    return m[1]
}

// mapCauseToStatus maps an Asterisk hangup cause code, refined by the
// dial status, to a CRM call status token.
func mapCauseToStatus(cause, dialStatus string) string {
    var status string
    switch cause {
    case "16":
        status = StatusCompleted
    case "17":
        status = StatusBusy
    case "18", "19", "127":
        status = StatusNoAnswer
    case "20":
        status = StatusSwitchedOff
    case "28", "34":
        status = StatusInvalidNumber
    case "21", "31":
        status = StatusFailed
    case "0":
        status = StatusBusy
    default:
        status = StatusFailed
    }

    switch strings.ToUpper(dialStatus) {
    case "CANCEL", "NOANSWER":
        status = StatusNoAnswer
    case "BUSY":
        status = StatusBusy
    case "CONGESTION", "CHANUNAVAIL":
        status = StatusFailed
    }

    return status
}

// shouldNotify reports whether a hangup warrants a missed-call
// notification. Answered calls and normal completions never notify.
func shouldNotify(cause string, call *Call) bool {
    if call != nil && call.AnswerTime != nil {
        return false
    }
    switch mapCauseToStatus(cause, "") {
    case StatusBusy, StatusNoAnswer, StatusSwitchedOff, StatusFailed, StatusInvalidNumber:
        return true
    }
    return false
}

// formatDuration renders MM:SS, or HH:MM:SS past an hour.
func formatDuration(d time.Duration) string {
    total := int(d.Seconds())
    if total < 0 {
        total = 0
    }
    hours := total / 3600
    minutes := (total % 3600) / 60
    seconds := total % 60
    if hours > 0 {
        return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
    }
    return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// NormalizeInterface turns a bare extension into a PJSIP interface for
// queue actions; values already carrying a technology pass through.
func NormalizeInterface(s string) string {
    s = strings.TrimSpace(s)
    if s == "" {
        return s
    }
    if strings.Contains(s, "/") {
        return s
    }
    if isDigits(s) {
        return "PJSIP/" + s
    }
    return s
}

// displayNumber picks the best number to show for a call, in priority
// order.
func displayNumber(call *Call, ext string) string {
    for _, v := range []string{
        call.OriginalDestination, call.Caller, call.Destination, call.Exten, call.CallerID,
    } {
        if v != "" && v != ext && meaningfulNumber(v) {
            return v
        }
    }
    return "Unknown"
}
