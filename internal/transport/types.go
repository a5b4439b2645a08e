package transport

import (
	"context"
	"fmt"
	"strings"
)

// Recipient is an opaque chat destination: a numeric chat id ("-100123")
// or a public channel handle ("@news").
type Recipient string

func (r Recipient) String() string { return string(r) }

// MessageRef identifies a message delivered by the messaging API.
// PhotoID is set for photo messages and can be reused to resend the same
// image without uploading it again.
type MessageRef struct {
	Recipient Recipient
	MessageID int
	PhotoID   string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Photo is either freshly uploaded bytes (Data) or a previously uploaded
// file handle (FileID). FileID wins when both are set.
type Photo struct {
	FileID string
	Data   []byte
	Name   string
}

// Messenger is the outbound messaging transport.
type Messenger interface {
	SendText(ctx context.Context, to Recipient, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to Recipient, photo Photo, caption string) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	EditCaption(ctx context.Context, ref MessageRef, caption string) error
}

// APIError is a normalized messaging API failure.
//
// Error() renders "<code> <description>" so text-based classifiers see the
// same shape regardless of which client library produced the failure.
type APIError struct {
	Code        int
	Description string
	// MigrateTo is the new chat id when a group was upgraded to a supergroup.
	MigrateTo  string
	RetryAfter int
	Err        error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	desc := strings.TrimSpace(e.Description)
	if desc == "" && e.Err != nil {
		desc = e.Err.Error()
	}
	return fmt.Sprintf("%d %s", e.Code, desc)
}

func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
