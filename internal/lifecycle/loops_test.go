package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chorusbot/chorus/internal/db"
	"github.com/chorusbot/chorus/internal/enroll"
	"github.com/chorusbot/chorus/internal/pool"
	"github.com/chorusbot/chorus/internal/registry"
	"github.com/chorusbot/chorus/internal/telegram"
	"github.com/sethvargo/go-retry"
)

type loopEnv struct {
	reg     *registry.Registry
	factory *telegram.SimFactory
	pool    *pool.Manager
	enroll  *enroll.Manager
	runner  *Runner
	slept   []time.Duration
}

func newLoopEnv(t *testing.T, assistants int) *loopEnv {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg, _ := registry.New(gdb)
	factory := telegram.NewSimFactory()
	pm, _ := pool.NewManager(pool.ManagerOpts{Registry: reg, Factory: factory})
	em, _ := enroll.NewManager(enroll.ManagerOpts{
		Registry: reg, Pool: pm, Factory: factory, APIID: 1, APIHash: "h",
	})

	for i := 1; i <= assistants; i++ {
		if _, err := reg.Add([]byte(fmt.Sprintf("cred-%d", i)), fmt.Sprintf("Assistant %d", i)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := pm.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	env := &loopEnv{reg: reg, factory: factory, pool: pm, enroll: em}
	runner, err := NewRunner(Opts{
		Pool:          pm,
		Registry:      reg,
		Enroll:        em,
		IdleThreshold: 30 * time.Minute,
		SessionIdle:   30 * time.Minute,
		Sleep:         func(d time.Duration) { env.slept = append(env.slept, d) },
		Backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
		},
	})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	env.runner = runner
	return env
}

func TestHealthProbe_ReconnectsDownedClient(t *testing.T) {
	env := newLoopEnv(t, 2)
	ctx := context.Background()

	c1 := env.factory.Client(1)
	c1.Stop(ctx)
	if env.pool.CountConnected() != 1 {
		t.Fatal("setup: expected one downed client")
	}

	env.runner.HealthProbe(ctx)
	if env.pool.CountConnected() != 2 {
		t.Error("downed client not reconnected")
	}
}

func TestHealthProbe_SurvivesPersistentFailure(t *testing.T) {
	env := newLoopEnv(t, 2)
	ctx := context.Background()

	env.factory.Client(1).Stop(ctx)
	env.factory.Client(2).Stop(ctx)
	env.factory.FailStart(1, errors.New("session revoked"))

	env.runner.HealthProbe(ctx)

	if env.pool.IsConnected(1) {
		t.Error("revoked client reported connected")
	}
	if !env.pool.IsConnected(2) {
		t.Error("healthy client not reconnected after earlier failure")
	}
}

func TestIdleCleanup_CyclesIdleCallFreeClients(t *testing.T) {
	env := newLoopEnv(t, 3)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	env.factory.Client(1).SetLastActivity(old)
	env.factory.Client(2).SetLastActivity(old)
	env.factory.Client(2).JoinCall(ctx, -100)
	env.factory.Client(2).SetLastActivity(old)
	// Client 3 stays fresh.

	env.runner.IdleCleanup(ctx)

	if env.factory.Client(1).StopCount() == 0 {
		t.Error("idle client 1 not cycled")
	}
	if env.factory.Client(2).StopCount() != 0 {
		t.Error("in-call client 2 was cycled")
	}
	if env.factory.Client(3).StopCount() != 0 {
		t.Error("fresh client 3 was cycled")
	}
}

func TestIdleCleanup_CooldownBetweenRestarts(t *testing.T) {
	env := newLoopEnv(t, 2)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	env.factory.Client(1).SetLastActivity(old)
	env.factory.Client(2).SetLastActivity(old)

	env.runner.IdleCleanup(ctx)

	// Restarting touches the activity clock, so the sim clients reconnect
	// with fresh timestamps; both idle clients get cycled with exactly one
	// cooldown between them.
	if len(env.slept) != 1 || env.slept[0] != restartCooldown {
		t.Errorf("slept %v, want one %v cooldown", env.slept, restartCooldown)
	}
}

func TestAutoLeaveSweep_DisabledByDefault(t *testing.T) {
	env := newLoopEnv(t, 1)
	ctx := context.Background()

	c := env.factory.Client(1)
	c.SetChats([]int64{-1, -2})
	c.SetLastActivity(time.Now().Add(-time.Hour))

	env.runner.AutoLeaveSweep(ctx)
	if n := len(c.LeftChats()); n != 0 {
		t.Errorf("left %d chats while disabled", n)
	}
}

func TestAutoLeaveSweep_LeavesIdleChatsButNeverActiveCalls(t *testing.T) {
	env := newLoopEnv(t, 1)
	ctx := context.Background()
	env.reg.SetAutoLeave(true, 5)

	c := env.factory.Client(1)
	c.JoinCall(ctx, -3) // membership in -3 plus an active call
	c.SetChats([]int64{-1, -2, -3})
	c.SetLastActivity(time.Now().Add(-10 * time.Minute))

	env.runner.AutoLeaveSweep(ctx)

	left := c.LeftChats()
	if len(left) != 2 {
		t.Fatalf("left %v, want chats -1 and -2", left)
	}
	for _, chatID := range left {
		if chatID == -3 {
			t.Fatal("left a chat with an active call")
		}
	}
	if !c.InCall(-3) {
		t.Error("active call disturbed by sweep")
	}

	// One pacing sleep between the two leaves.
	if len(env.slept) != 1 || env.slept[0] != autoLeaveEvery {
		t.Errorf("slept %v, want one %v pacing gap", env.slept, autoLeaveEvery)
	}
}

func TestAutoLeaveSweep_BoundedBatch(t *testing.T) {
	env := newLoopEnv(t, 1)
	ctx := context.Background()
	env.reg.SetAutoLeave(true, 5)

	chats := make([]int64, 30)
	for i := range chats {
		chats[i] = int64(-(i + 1))
	}
	c := env.factory.Client(1)
	c.SetChats(chats)
	c.SetLastActivity(time.Now().Add(-10 * time.Minute))

	env.runner.AutoLeaveSweep(ctx)
	if n := len(c.LeftChats()); n != autoLeaveBatch {
		t.Errorf("left %d chats in one sweep, want batch of %d", n, autoLeaveBatch)
	}
}

func TestAutoLeaveSweep_SkipsFreshClients(t *testing.T) {
	env := newLoopEnv(t, 1)
	ctx := context.Background()
	env.reg.SetAutoLeave(true, 5)

	c := env.factory.Client(1)
	c.SetChats([]int64{-1, -2})
	// Activity just now; under the 5 minute timeout.

	env.runner.AutoLeaveSweep(ctx)
	if n := len(c.LeftChats()); n != 0 {
		t.Errorf("left %d chats from a fresh client", n)
	}
}

func TestRunner_StartStop(t *testing.T) {
	env := newLoopEnv(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := env.runner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	env.runner.Stop()
}

func TestSessionGC_SweepsEnrollmentAndPlayback(t *testing.T) {
	env := newLoopEnv(t, 1)
	ctx := context.Background()

	// Stale playback session on a live call.
	c := env.factory.Client(1)
	c.JoinCall(ctx, -100)
	env.pool.TouchSession(-100)

	// Nothing stale yet.
	env.runner.SessionGC(ctx)
	if !c.InCall(-100) {
		t.Fatal("fresh session swept")
	}
}
