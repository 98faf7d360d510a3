package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/chorusbot/chorus/internal/db"
	"github.com/chorusbot/chorus/internal/enroll"
	"github.com/chorusbot/chorus/internal/pool"
	"github.com/chorusbot/chorus/internal/registry"
	"github.com/chorusbot/chorus/internal/telegram"
)

const operatorID int64 = 777000

type panelEnv struct {
	reg     *registry.Registry
	factory *telegram.SimFactory
	pool    *pool.Manager
	panel   *Panel
}

func newPanelEnv(t *testing.T, assistants int) *panelEnv {
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

	p, err := New(Opts{Registry: reg, Pool: pm, Enroll: em, OperatorID: operatorID})
	if err != nil {
		t.Fatalf("panel: %v", err)
	}
	return &panelEnv{reg: reg, factory: factory, pool: pm, panel: p}
}

func TestHandleText_RejectsNonOperator(t *testing.T) {
	env := newPanelEnv(t, 0)
	ctx := context.Background()

	if _, err := env.panel.HandleText(ctx, 12345, "/assistants"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("HandleText = %v, want ErrUnauthorized", err)
	}
	if _, err := env.panel.HandleAction(ctx, 12345, "panel:list"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("HandleAction = %v, want ErrUnauthorized", err)
	}
}

func TestOverview_ListsLiveStatus(t *testing.T) {
	env := newPanelEnv(t, 2)
	ctx := context.Background()

	c1, _ := env.pool.Get(1)
	c1.JoinCall(ctx, -100)
	c2, _ := env.pool.Get(2)
	c2.Stop(ctx)

	reply, err := env.panel.HandleText(ctx, operatorID, "/assistants")
	if err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	for _, want := range []string{
		"2 total, 1 connected, 1 active calls",
		"#1 Assistant 1 — connected",
		"#2 Assistant 2 — disconnected",
		"Auto-leave: off (5 min)",
	} {
		if !strings.Contains(reply.Text, want) {
			t.Errorf("overview missing %q:\n%s", want, reply.Text)
		}
	}
	if len(reply.Keyboard) == 0 {
		t.Fatal("overview has no keyboard")
	}
}

func TestAddFlow_RunsThroughEnrollment(t *testing.T) {
	env := newPanelEnv(t, 0)
	ctx := context.Background()

	reply, err := env.panel.HandleAction(ctx, operatorID, "panel:add")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(reply.Text, "phone number") {
		t.Fatalf("begin reply = %q", reply.Text)
	}

	// A second add while enrolling is refused gracefully.
	reply, err = env.panel.HandleAction(ctx, operatorID, "panel:add")
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if !strings.Contains(reply.Text, "already running") {
		t.Errorf("second add reply = %q", reply.Text)
	}

	// Text now feeds the enrollment, not the command router.
	env.panel.HandleText(ctx, operatorID, "+15551234567")
	env.panel.HandleAction(ctx, operatorID, "enroll:use_default")
	env.panel.HandleText(ctx, operatorID, "12345")
	reply, err = env.panel.HandleText(ctx, operatorID, "Panel Assistant")
	if err != nil {
		t.Fatalf("name: %v", err)
	}
	if !strings.Contains(reply.Text, "enrolled and connected") {
		t.Fatalf("final reply = %q", reply.Text)
	}
	if !env.pool.IsConnected(1) {
		t.Error("enrolled assistant not connected")
	}
}

func TestCancelCommand_EndsEnrollment(t *testing.T) {
	env := newPanelEnv(t, 0)
	ctx := context.Background()

	env.panel.HandleAction(ctx, operatorID, "panel:add")
	reply, err := env.panel.HandleText(ctx, operatorID, "/cancel")
	if err != nil {
		t.Fatalf("/cancel: %v", err)
	}
	if !strings.Contains(reply.Text, "cancelled") {
		t.Errorf("cancel reply = %q", reply.Text)
	}

	// Back to the command router.
	reply, _ = env.panel.HandleText(ctx, operatorID, "/assistants")
	if !strings.Contains(reply.Text, "No assistants enrolled yet") {
		t.Errorf("overview after cancel = %q", reply.Text)
	}
}

func TestRemove_RequiresConfirmation(t *testing.T) {
	env := newPanelEnv(t, 1)
	ctx := context.Background()

	reply, err := env.panel.HandleAction(ctx, operatorID, "panel:remove:1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !strings.Contains(reply.Text, "Remove assistant #1") {
		t.Fatalf("confirm prompt = %q", reply.Text)
	}
	if _, err := env.reg.Get(1); err != nil {
		t.Fatal("record deleted before confirmation")
	}

	reply, err = env.panel.HandleAction(ctx, operatorID, "panel:remove_confirm:1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !strings.Contains(reply.Text, "removed") {
		t.Errorf("confirm reply = %q", reply.Text)
	}
	if _, err := env.reg.Get(1); !errors.Is(err, registry.ErrNotFound) {
		t.Error("record survived removal")
	}
	if _, ok := env.pool.Get(1); ok {
		t.Error("client survived removal")
	}
}

func TestRemove_RefusedWhileInCall(t *testing.T) {
	env := newPanelEnv(t, 1)
	ctx := context.Background()

	c, _ := env.pool.Get(1)
	c.JoinCall(ctx, -100)

	reply, err := env.panel.HandleAction(ctx, operatorID, "panel:remove_confirm:1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !strings.Contains(reply.Text, "active call") {
		t.Errorf("reply = %q", reply.Text)
	}
	if _, err := env.reg.Get(1); err != nil {
		t.Error("in-call assistant was removed")
	}
}

func TestRemove_ClearsBindings(t *testing.T) {
	env := newPanelEnv(t, 1)
	ctx := context.Background()
	env.reg.BindChat(-100, 1)

	if _, err := env.panel.HandleAction(ctx, operatorID, "panel:remove_confirm:1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, ok, _ := env.reg.Binding(-100); ok {
		t.Error("binding survived assistant removal")
	}
}

func TestRestartAll(t *testing.T) {
	env := newPanelEnv(t, 2)
	ctx := context.Background()

	old := env.factory.Client(1)
	reply, err := env.panel.HandleAction(ctx, operatorID, "panel:restart_all")
	if err != nil {
		t.Fatalf("restart_all: %v", err)
	}
	if !strings.Contains(reply.Text, "2/2 assistants connected") {
		t.Errorf("reply = %q", reply.Text)
	}
	if old.StopCount() == 0 {
		t.Error("old client not stopped")
	}
}

func TestAutoLeaveToggleAndTimeout(t *testing.T) {
	env := newPanelEnv(t, 0)
	ctx := context.Background()

	reply, err := env.panel.HandleAction(ctx, operatorID, "panel:autoleave")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !strings.Contains(reply.Text, "now on") {
		t.Fatalf("toggle reply = %q", reply.Text)
	}
	if len(reply.Keyboard) == 0 {
		t.Fatal("no timeout choices offered on enable")
	}

	if _, err := env.panel.HandleAction(ctx, operatorID, "panel:autoleave_timeout:10"); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	s, _ := env.reg.AutoLeave()
	if !s.Enabled || s.TimeoutMinutes != 10 {
		t.Errorf("settings = %+v, want enabled/10", s)
	}

	// Toggle off keeps the timeout.
	env.panel.HandleAction(ctx, operatorID, "panel:autoleave")
	s, _ = env.reg.AutoLeave()
	if s.Enabled || s.TimeoutMinutes != 10 {
		t.Errorf("settings = %+v, want disabled/10", s)
	}
}

func TestUnknownInputs(t *testing.T) {
	env := newPanelEnv(t, 0)
	ctx := context.Background()

	reply, _ := env.panel.HandleText(ctx, operatorID, "what")
	if !strings.Contains(reply.Text, "Unknown command") {
		t.Errorf("text reply = %q", reply.Text)
	}
	reply, _ = env.panel.HandleAction(ctx, operatorID, "bogus:thing")
	if !strings.Contains(reply.Text, "Unknown action") {
		t.Errorf("action reply = %q", reply.Text)
	}
	reply, _ = env.panel.HandleAction(ctx, operatorID, "panel:remove:notanumber")
	if !strings.Contains(reply.Text, "Unknown action") {
		t.Errorf("bad id reply = %q", reply.Text)
	}
}
