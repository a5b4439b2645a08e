package notify

import (
	"errors"
	"fmt"

	"streambot/internal/transport"
)

var (
	// ErrDownload means no preview candidate could be fetched within the
	// download retry budget.
	ErrDownload = errors.New("preview download failed")
	// ErrRecipientUnreachable means the photo upload failed because the bot
	// lost access to the recipient. The recipient has already been removed;
	// the photo can be retried with another one.
	ErrRecipientUnreachable = errors.New("recipient unreachable")
	ErrPhotoSend            = errors.New("photo upload failed")
)

// SendError is a per-recipient delivery failure kept in a Report.
type SendError struct {
	Recipient transport.Recipient
	Kind      FailureKind
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("deliver to %s (%s): %v", e.Recipient, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ChatMigratedError reports a recipient that was upgraded to a supergroup
// during a photo upload. The directory has already been updated.
type ChatMigratedError struct {
	From, To transport.Recipient
	Err      error
}

func (e *ChatMigratedError) Error() string {
	return fmt.Sprintf("chat %s migrated to %s: %v", e.From, e.To, e.Err)
}

func (e *ChatMigratedError) Unwrap() error { return e.Err }
