package telegram

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the client capability surface. Callers branch with
// errors.Is; implementations wrap these with context.
var (
	// ErrAuth means the stored credential is invalid or expired. The client
	// transitions to disconnected; removing the record is an operator call.
	ErrAuth = errors.New("telegram: authorization invalid")

	// ErrTransport is a network-level failure talking to Telegram.
	ErrTransport = errors.New("telegram: transport failure")

	// ErrNoActiveCall means the chat has no ongoing group call to join.
	ErrNoActiveCall = errors.New("telegram: no active group call")

	// ErrAlreadyJoined means the client is already in the chat's call.
	ErrAlreadyJoined = errors.New("telegram: already joined call")

	// ErrNotJoined means the client is not in the chat's call.
	ErrNotJoined = errors.New("telegram: not joined")

	// ErrCodeInvalid is a protocol rejection of a login code.
	ErrCodeInvalid = errors.New("telegram: login code invalid")

	// ErrPasswordInvalid is a protocol rejection of a 2FA password.
	ErrPasswordInvalid = errors.New("telegram: 2fa password invalid")

	// ErrChatUnknown means the client cannot resolve the chat.
	ErrChatUnknown = errors.New("telegram: unknown chat")
)

// FloodWaitError carries the server-requested pause before a retry.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("telegram: flood wait %s", e.Wait)
}

// AsFloodWait extracts a FloodWaitError from an error chain.
func AsFloodWait(err error) (*FloodWaitError, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw, true
	}
	return nil, false
}
