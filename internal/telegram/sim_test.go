package telegram

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newStartedClient(t *testing.T, f *SimFactory, id int) *SimClient {
	t.Helper()
	c, err := f.NewClient(id, []byte("cred"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c.(*SimClient)
}

func TestSimClient_StartStopIdempotent(t *testing.T) {
	f := NewSimFactory()
	c := newStartedClient(t, f, 1)

	if !c.Connected() {
		t.Fatal("expected connected after Start")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on stopped client: %v", err)
	}
	if c.Connected() {
		t.Error("expected disconnected after Stop")
	}
}

func TestSimClient_WarmupOnFirstStart(t *testing.T) {
	f := NewSimFactory()
	c := newStartedClient(t, f, 1)

	first := c.WarmupActions()
	if first < 2 {
		t.Errorf("warmup actions = %d, want at least 2", first)
	}

	// Warmup happens once, not on every reconnect.
	c.Stop(context.Background())
	c.Start(context.Background())
	if c.WarmupActions() != first {
		t.Error("warmup repeated on reconnect")
	}
}

func TestSimClient_CallLifecycle(t *testing.T) {
	f := NewSimFactory()
	c := newStartedClient(t, f, 1)
	ctx := context.Background()

	if err := c.JoinCall(ctx, -100); err != nil {
		t.Fatalf("JoinCall: %v", err)
	}
	if !c.InCall(-100) || c.ActiveCallsCount() != 1 {
		t.Fatal("expected one active call")
	}

	if err := c.JoinCall(ctx, -100); !errors.Is(err, ErrAlreadyJoined) {
		t.Errorf("second join = %v, want ErrAlreadyJoined", err)
	}

	if err := c.LeaveCall(ctx, -100); err != nil {
		t.Fatalf("LeaveCall: %v", err)
	}
	if err := c.LeaveCall(ctx, -100); !errors.Is(err, ErrNotJoined) {
		t.Errorf("second leave = %v, want ErrNotJoined", err)
	}
}

func TestSimClient_JoinNoCall(t *testing.T) {
	f := NewSimFactory()
	f.SetNoCall(-200)
	c := newStartedClient(t, f, 1)

	if err := c.JoinCall(context.Background(), -200); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("join = %v, want ErrNoActiveCall", err)
	}
}

func TestSimClient_IsIdle(t *testing.T) {
	f := NewSimFactory()
	c := newStartedClient(t, f, 1)

	if c.IsIdle(time.Minute) {
		t.Error("fresh client reported idle")
	}
	c.SetLastActivity(time.Now().Add(-2 * time.Minute))
	if !c.IsIdle(time.Minute) {
		t.Error("stale client not reported idle")
	}
}

func TestSimAuthorizer_HappyPath(t *testing.T) {
	f := NewSimFactory()
	auth, err := f.NewAuthorizer(12345, "hash")
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	ctx := context.Background()

	if err := auth.SendCode(ctx, "+967780138966"); err != nil {
		t.Fatalf("SendCode: %v", err)
	}
	needs2FA, err := auth.SubmitCode(ctx, "12345")
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	if needs2FA {
		t.Fatal("2FA unexpectedly required")
	}

	cred, info, err := auth.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(cred) == 0 {
		t.Error("empty credential")
	}
	if info.Phone != "+967780138966" {
		t.Errorf("info.Phone = %q", info.Phone)
	}
}

func TestSimAuthorizer_TwoFactor(t *testing.T) {
	f := NewSimFactory()
	f.SetNeeds2FA(true)
	auth, _ := f.NewAuthorizer(12345, "hash")
	ctx := context.Background()

	auth.SendCode(ctx, "+967780138966")
	needs2FA, err := auth.SubmitCode(ctx, "12345")
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	if !needs2FA {
		t.Fatal("expected 2FA requirement")
	}

	if err := auth.SubmitPassword(ctx, "wrong"); !errors.Is(err, ErrPasswordInvalid) {
		t.Errorf("bad password = %v, want ErrPasswordInvalid", err)
	}
	if err := auth.SubmitPassword(ctx, "hunter2"); err != nil {
		t.Fatalf("SubmitPassword: %v", err)
	}
	if _, _, err := auth.Export(ctx); err != nil {
		t.Fatalf("Export: %v", err)
	}
}

func TestSimAuthorizer_BadCode(t *testing.T) {
	f := NewSimFactory()
	auth, _ := f.NewAuthorizer(12345, "hash")
	ctx := context.Background()

	auth.SendCode(ctx, "+967780138966")
	if _, err := auth.SubmitCode(ctx, "00000"); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("bad code = %v, want ErrCodeInvalid", err)
	}
}

func TestSimAuthorizer_ExportBeforeAuth(t *testing.T) {
	f := NewSimFactory()
	auth, _ := f.NewAuthorizer(12345, "hash")
	if _, _, err := auth.Export(context.Background()); !errors.Is(err, ErrAuth) {
		t.Errorf("export = %v, want ErrAuth", err)
	}
}
