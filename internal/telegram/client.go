// Package telegram defines the capability contract between the assistant
// pool and the Telegram transport: a Client per authenticated user account,
// a BotClient for the main bot, and an Authorizer for enrollment. Concrete
// implementations wrap a real MTProto library or the simulated transport
// used by tests; the pool treats them identically.
package telegram

import (
	"context"
	"time"

	"github.com/chorusbot/chorus/internal/models"
)

// Client is a capability wrapper over one authenticated assistant session.
// Implementations serialize update handling per account; methods crossing
// the network take a context and respect its deadline.
type Client interface {
	// AssistantID is the registry id this client belongs to.
	AssistantID() int

	// Start resumes the session from the stored credential. On success the
	// client is connected, receives updates in the background, and has
	// touched its activity clock. Idempotent while connected.
	Start(ctx context.Context) error

	// Stop shuts the session down in order. Idempotent.
	Stop(ctx context.Context) error

	// Connected reports whether the transport handshake completed and the
	// authorization state is ready.
	Connected() bool

	SendMessage(ctx context.Context, chatID int64, text string) error

	// JoinCall joins the chat's active group call.
	JoinCall(ctx context.Context, chatID int64) error

	// LeaveCall leaves the chat's group call.
	LeaveCall(ctx context.Context, chatID int64) error

	// ActiveCalls returns the chat ids of calls this client is in.
	ActiveCalls() []int64
	ActiveCallsCount() int
	InCall(chatID int64) bool

	// Chats lists the group chats the account currently belongs to,
	// used by the auto-leave sweep.
	Chats(ctx context.Context) ([]int64, error)

	// LeaveChat leaves a group chat entirely (membership, not just a call).
	LeaveChat(ctx context.Context, chatID int64) error

	LastActivity() time.Time
	IsIdle(threshold time.Duration) bool

	// UserInfo fetches the account's own profile snapshot.
	UserInfo(ctx context.Context) (models.UserInfo, error)
}

// Authorizer drives the interactive login of a new account during
// enrollment. Every exit path must end in Export or Close so the
// in-progress session is never leaked.
type Authorizer interface {
	// SendCode asks Telegram to deliver a verification code to the phone.
	SendCode(ctx context.Context, phone string) error

	// SubmitCode submits the code; needs2FA reports whether the account
	// has a cloud password that must be provided next.
	SubmitCode(ctx context.Context, code string) (needs2FA bool, err error)

	// SubmitPassword completes a 2FA login.
	SubmitPassword(ctx context.Context, password string) error

	// Export returns the opaque session credential and the profile of the
	// now-authorized account.
	Export(ctx context.Context) ([]byte, models.UserInfo, error)

	// Close tears down the in-progress session. Idempotent.
	Close(ctx context.Context) error
}

// Factory produces transport objects. The daemon wires a real MTProto
// factory; tests wire the simulated one.
type Factory interface {
	NewClient(assistantID int, credential []byte) (Client, error)
	NewAuthorizer(apiID int, apiHash string) (Authorizer, error)
}

// Button is one inline-keyboard button; Action is the callback payload.
type Button struct {
	Label  string
	Action string
}

// Reply is a structured response rendered by the command surface: text plus
// an optional inline keyboard, one row per inner slice.
type Reply struct {
	Text     string
	Keyboard [][]Button
}

// BotClient is the narrow surface of the main bot account the core needs:
// delivering replies and operator notifications.
type BotClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendReply(ctx context.Context, chatID int64, reply Reply) error
}
