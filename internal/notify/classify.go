package notify

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"streambot/internal/transport"
)

// FailureKind is the normalized class of a delivery error.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureUnexpected
	FailureForbidden
	FailureChatDeactivated
	FailureChatNotFound
	FailureChannelNotFound
	FailureUserDeactivated
	FailureNotModified
	FailureImageProcess
	FailureMessageGone
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureForbidden:
		return "forbidden"
	case FailureChatDeactivated:
		return "chat_deactivated"
	case FailureChatNotFound:
		return "chat_not_found"
	case FailureChannelNotFound:
		return "channel_not_found"
	case FailureUserDeactivated:
		return "user_deactivated"
	case FailureNotModified:
		return "not_modified"
	case FailureImageProcess:
		return "image_process"
	case FailureMessageGone:
		return "message_gone"
	default:
		return "unexpected"
	}
}

// Kick reports whether the kind means the bot lost access to the recipient.
func (k FailureKind) Kick() bool {
	switch k {
	case FailureForbidden, FailureChatDeactivated, FailureChatNotFound,
		FailureChannelNotFound, FailureUserDeactivated:
		return true
	}
	return false
}

// RemovalKind selects the directory call for a kicked recipient.
type RemovalKind int

const (
	RemoveNone RemovalKind = iota
	RemoveChat
	RemoveChannel
)

func (r RemovalKind) String() string {
	switch r {
	case RemoveChat:
		return "chat"
	case RemoveChannel:
		return "channel"
	default:
		return "none"
	}
}

// Decision is the outcome of classifying one delivery error.
type Decision struct {
	Kind    FailureKind
	Kick    bool
	Removal RemovalKind
	// MigrateTo is set when the error carries a new chat id, independent of Kick.
	MigrateTo transport.Recipient
}

type rule struct {
	re   *regexp.Regexp
	kind FailureKind
}

// Evaluated in order; the first match wins.
var rules = []rule{
	{regexp.MustCompile(`^403\s+`), FailureForbidden},
	{regexp.MustCompile(`group chat is deactivated`), FailureChatDeactivated},
	{regexp.MustCompile(`channel not found(?:"|$)`), FailureChannelNotFound},
	{regexp.MustCompile(`chat not found(?:"|$)`), FailureChatNotFound},
	{regexp.MustCompile(`USER_DEACTIVATED`), FailureUserDeactivated},
	{regexp.MustCompile(`message is not modified`), FailureNotModified},
	{regexp.MustCompile(`IMAGE_PROCESS_FAILED|FILE_PART_0_MISSING`), FailureImageProcess},
	{regexp.MustCompile(`message to edit not found`), FailureMessageGone},
}

var (
	jsonBodyRe  = regexp.MustCompile(`^\d+\s+(\{.+\})$`)
	channelIDRe = regexp.MustCompile(`^@\w+$`)
)

// Classify maps a delivery error for recipient to into a Decision. It has no
// side effects.
func Classify(err error, to transport.Recipient) Decision {
	if err == nil {
		return Decision{}
	}

	text := err.Error()
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) {
		text = apiErr.Error()
	}
	text = strings.TrimSpace(text)

	d := Decision{Kind: FailureUnexpected}
	for _, r := range rules {
		if r.re.MatchString(text) {
			d.Kind = r.kind
			break
		}
	}

	if apiErr != nil && apiErr.MigrateTo != "" {
		d.MigrateTo = transport.Recipient(apiErr.MigrateTo)
	} else if id := migrateTarget(text); id != "" {
		d.MigrateTo = transport.Recipient(id)
	}

	if d.Kind.Kick() {
		d.Kick = true
		d.Removal = RemoveChat
		if channelIDRe.MatchString(string(to)) {
			d.Removal = RemoveChannel
		}
	}
	return d
}

// migrateTarget extracts parameters.migrate_to_chat_id from errors rendered
// as "<code> <json body>".
func migrateTarget(text string) string {
	m := jsonBodyRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	var body struct {
		Parameters *struct {
			MigrateToChatID json.Number `json:"migrate_to_chat_id"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(m[1]), &body); err != nil || body.Parameters == nil {
		return ""
	}
	id := body.Parameters.MigrateToChatID.String()
	if id == "0" {
		return ""
	}
	return id
}
