package telegram

import (
	"context"
	"time"
)

// MaxFloodWait is the ceiling above which a server-requested wait is not
// honoured and the operation is abandoned instead.
const MaxFloodWait = 200 * time.Second

// WithFloodWait runs op, honouring a single flood-wait response: if the
// server asks for a pause at or below MaxFloodWait, it sleeps for the
// requested duration and retries exactly once. Waits above the ceiling, a
// second flood-wait, and all other errors are returned to the caller.
func WithFloodWait(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	fw, ok := AsFloodWait(err)
	if !ok {
		return err
	}
	if fw.Wait > MaxFloodWait {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(fw.Wait):
	}
	return op(ctx)
}
