package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/chorusbot/chorus/internal/db"
	"gorm.io/gorm"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r, err := New(gdb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestAdd_RoundTrip(t *testing.T) {
	r := testRegistry(t)

	id, err := r.Add([]byte("cred-1"), "Assistant 1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}

	rec, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(rec.Credential) != "cred-1" {
		t.Errorf("credential = %q, want cred-1", rec.Credential)
	}
	if rec.Name != "Assistant 1" {
		t.Errorf("name = %q, want Assistant 1", rec.Name)
	}
	if !rec.Active {
		t.Error("new record should be active")
	}
}

func TestAdd_DuplicateCredential(t *testing.T) {
	r := testRegistry(t)

	if _, err := r.Add([]byte("cred-1"), "First"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := r.Add([]byte("cred-1"), "Second"); !errors.Is(err, ErrCredentialExists) {
		t.Errorf("duplicate Add = %v, want ErrCredentialExists", err)
	}
}

func TestAdd_NameBounds(t *testing.T) {
	r := testRegistry(t)

	if _, err := r.Add([]byte("c"), "ab"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("short name = %v, want ErrInvalidName", err)
	}
	long := make([]byte, 51)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := r.Add([]byte("c"), string(long)); !errors.Is(err, ErrInvalidName) {
		t.Errorf("long name = %v, want ErrInvalidName", err)
	}
}

func TestAdd_ReusesGaps(t *testing.T) {
	r := testRegistry(t)

	for i, cred := range []string{"a", "b", "c"} {
		id, err := r.Add([]byte(cred), "Assistant X")
		if err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
		if id != i+1 {
			t.Fatalf("id = %d, want %d", id, i+1)
		}
	}

	if err := r.Remove(2); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	id, err := r.Add([]byte("d"), "Assistant Y")
	if err != nil {
		t.Fatalf("Add after gap: %v", err)
	}
	if id != 2 {
		t.Errorf("id = %d, want reused 2", id)
	}
}

func TestRemove_Idempotence(t *testing.T) {
	r := testRegistry(t)

	id, _ := r.Add([]byte("cred"), "Assistant 1")
	if err := r.Remove(id); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := r.Remove(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestGetAll_TracksAddsAndRemoves(t *testing.T) {
	r := testRegistry(t)

	a, _ := r.Add([]byte("a"), "Assistant A")
	b, _ := r.Add([]byte("b"), "Assistant B")
	c, _ := r.Add([]byte("c"), "Assistant C")
	r.Remove(b)
	r.SetActive(c, false)

	all, err := r.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
	if all[0].ID != a || all[1].ID != c {
		t.Errorf("ids = %d,%d, want %d,%d", all[0].ID, all[1].ID, a, c)
	}
	if all[1].Active {
		t.Error("deactivated record still marked active")
	}

	active, err := r.GetAllActive()
	if err != nil {
		t.Fatalf("GetAllActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != a {
		t.Errorf("active = %v, want only id %d", active, a)
	}
}

func TestRename(t *testing.T) {
	r := testRegistry(t)

	id, _ := r.Add([]byte("cred"), "Old Name")
	if err := r.Rename(id, "New Name"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	rec, _ := r.Get(id)
	if rec.Name != "New Name" {
		t.Errorf("name = %q, want New Name", rec.Name)
	}

	if err := r.Rename(id, "x"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("bad rename = %v, want ErrInvalidName", err)
	}
	if err := r.Rename(99, "Valid Name"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rename missing = %v, want ErrNotFound", err)
	}
}

func TestBumpUsage(t *testing.T) {
	r := testRegistry(t)

	id, _ := r.Add([]byte("cred"), "Assistant 1")
	before := time.Now().Add(-time.Second)

	for i := 0; i < 3; i++ {
		if err := r.BumpUsage(id); err != nil {
			t.Fatalf("BumpUsage: %v", err)
		}
	}

	rec, _ := r.Get(id)
	if rec.TotalCalls != 3 {
		t.Errorf("total_calls = %d, want 3", rec.TotalCalls)
	}
	if rec.LastUsedAt.Before(before) {
		t.Errorf("last_used_at = %v, want after %v", rec.LastUsedAt, before)
	}

	if err := r.BumpUsage(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("bump missing = %v, want ErrNotFound", err)
	}
}

func TestBindings(t *testing.T) {
	r := testRegistry(t)

	if _, ok, err := r.Binding(-100); err != nil || ok {
		t.Fatalf("Binding on empty = %v, %v", ok, err)
	}

	if err := r.BindChat(-100, 2); err != nil {
		t.Fatalf("BindChat: %v", err)
	}
	id, ok, err := r.Binding(-100)
	if err != nil || !ok || id != 2 {
		t.Fatalf("Binding = %d,%v,%v, want 2,true,nil", id, ok, err)
	}

	// Rebind overwrites.
	if err := r.BindChat(-100, 3); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	id, _, _ = r.Binding(-100)
	if id != 3 {
		t.Errorf("rebound = %d, want 3", id)
	}

	if err := r.ClearBinding(-100); err != nil {
		t.Fatalf("ClearBinding: %v", err)
	}
	if _, ok, _ := r.Binding(-100); ok {
		t.Error("binding survived clear")
	}
}

func TestClearBindingsFor(t *testing.T) {
	r := testRegistry(t)

	r.BindChat(-1, 7)
	r.BindChat(-2, 7)
	r.BindChat(-3, 8)

	if err := r.ClearBindingsFor(7); err != nil {
		t.Fatalf("ClearBindingsFor: %v", err)
	}
	if _, ok, _ := r.Binding(-1); ok {
		t.Error("binding -1 survived")
	}
	if _, ok, _ := r.Binding(-3); !ok {
		t.Error("unrelated binding removed")
	}
}

func TestAutoLeaveSettings(t *testing.T) {
	r := testRegistry(t)

	s, err := r.AutoLeave()
	if err != nil {
		t.Fatalf("AutoLeave: %v", err)
	}
	if s.Enabled || s.TimeoutMinutes != 5 {
		t.Errorf("defaults = %+v, want disabled/5", s)
	}

	if err := r.SetAutoLeave(true, 10); err != nil {
		t.Fatalf("SetAutoLeave: %v", err)
	}
	s, _ = r.AutoLeave()
	if !s.Enabled || s.TimeoutMinutes != 10 {
		t.Errorf("settings = %+v, want enabled/10", s)
	}

	if err := r.SetAutoLeave(true, 0); err == nil {
		t.Error("expected error for zero timeout")
	}
}

func TestSmallestFreeID(t *testing.T) {
	cases := []struct {
		ids  []int
		want int
	}{
		{nil, 1},
		{[]int{1}, 2},
		{[]int{1, 2, 3}, 4},
		{[]int{2, 3}, 1},
		{[]int{1, 3, 4}, 2},
	}
	for _, tc := range cases {
		if got := smallestFreeID(tc.ids); got != tc.want {
			t.Errorf("smallestFreeID(%v) = %d, want %d", tc.ids, got, tc.want)
		}
	}
}

func TestNew_RequiresDB(t *testing.T) {
	var nilDB *gorm.DB
	if _, err := New(nilDB); err == nil {
		t.Fatal("expected error for nil db")
	}
}
