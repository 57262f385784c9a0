package persist

import (
	"testing"

	"i3gateway/internal/router"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettingRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.GetSetting("missing"); err != nil || ok {
		t.Fatalf("GetSetting(missing) = ok=%v err=%v, want ok=false", ok, err)
	}

	if err := s.SetSetting("router_password", "4242"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	val, ok, err := s.GetSetting("router_password")
	if err != nil || !ok {
		t.Fatalf("GetSetting = %q ok=%v err=%v", val, ok, err)
	}
	if val != "4242" {
		t.Fatalf("GetSetting = %q, want 4242", val)
	}

	if err := s.SetSetting("router_password", "9999"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	val, _, _ = s.GetSetting("router_password")
	if val != "9999" {
		t.Fatalf("GetSetting after overwrite = %q, want 9999", val)
	}
}

func TestGetAllSettings(t *testing.T) {
	s := openTestStore(t)
	s.SetSetting("a", "1")
	s.SetSetting("b", "2")

	all, err := s.GetAllSettings()
	if err != nil {
		t.Fatalf("GetAllSettings: %v", err)
	}
	if all["a"] != "1" || all["b"] != "2" {
		t.Fatalf("GetAllSettings = %v", all)
	}
}

func TestRouterStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	empty, err := s.LoadRouterState()
	if err != nil {
		t.Fatalf("LoadRouterState on empty store: %v", err)
	}
	if empty != (router.PersistentState{}) {
		t.Fatalf("LoadRouterState on empty store = %+v, want zero value", empty)
	}

	want := router.PersistentState{Password: 555, MudlistID: 7, ChanlistID: 3}
	if err := s.SaveRouterState(want); err != nil {
		t.Fatalf("SaveRouterState: %v", err)
	}

	got, err := s.LoadRouterState()
	if err != nil {
		t.Fatalf("LoadRouterState: %v", err)
	}
	if got != want {
		t.Fatalf("LoadRouterState = %+v, want %+v", got, want)
	}
}

func TestRouterStateSurvivesFailoverUpdate(t *testing.T) {
	s := openTestStore(t)
	s.SaveRouterState(router.PersistentState{Password: 1, MudlistID: 1, ChanlistID: 1})
	s.SaveRouterState(router.PersistentState{Password: 2, MudlistID: 2, ChanlistID: 2})

	got, err := s.LoadRouterState()
	if err != nil {
		t.Fatalf("LoadRouterState: %v", err)
	}
	want := router.PersistentState{Password: 2, MudlistID: 2, ChanlistID: 2}
	if got != want {
		t.Fatalf("LoadRouterState = %+v, want %+v", got, want)
	}
}

func TestSessionIndexCRUD(t *testing.T) {
	s := openTestStore(t)

	rec := SessionRecord{
		ID:              "sess-1",
		MudName:         "TestMUD",
		APIKeyID:        "key-1",
		PermissionsJSON: `["tell","channel_send"]`,
		CreatedAtUnix:   1000,
		LastActivity:    1000,
	}
	if err := s.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	list, err := s.LoadSessions()
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(list) != 1 || list[0].ID != "sess-1" {
		t.Fatalf("LoadSessions = %+v", list)
	}

	rec.LastActivity = 2000
	if err := s.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}
	list, _ = s.LoadSessions()
	if len(list) != 1 || list[0].LastActivity != 2000 {
		t.Fatalf("expected upsert to update in place, got %+v", list)
	}

	if err := s.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	list, _ = s.LoadSessions()
	if len(list) != 0 {
		t.Fatalf("expected empty session index after delete, got %+v", list)
	}
}

func TestPruneSessionsOlderThan(t *testing.T) {
	s := openTestStore(t)
	s.SaveSession(SessionRecord{ID: "old", MudName: "M", APIKeyID: "k", LastActivity: 100})
	s.SaveSession(SessionRecord{ID: "new", MudName: "M", APIKeyID: "k", LastActivity: 9000})

	n, err := s.PruneSessionsOlderThan(1000)
	if err != nil {
		t.Fatalf("PruneSessionsOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d sessions, want 1", n)
	}

	list, _ := s.LoadSessions()
	if len(list) != 1 || list[0].ID != "new" {
		t.Fatalf("LoadSessions after prune = %+v", list)
	}
}

func TestBackup(t *testing.T) {
	s := openTestStore(t)
	s.SetSetting("router_password", "111")

	dest := t.TempDir() + "/backup.db"
	if err := s.Backup(dest); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	restored, err := Open(dest)
	if err != nil {
		t.Fatalf("Open backup: %v", err)
	}
	defer restored.Close()

	val, ok, err := restored.GetSetting("router_password")
	if err != nil || !ok || val != "111" {
		t.Fatalf("GetSetting on backup = %q ok=%v err=%v", val, ok, err)
	}
}

func TestMigrationsAreIdempotentAcrossReopen(t *testing.T) {
	dir := t.TempDir() + "/state.db"
	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s1.SetSetting("k", "v")
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	val, ok, err := s2.GetSetting("k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("GetSetting after reopen = %q ok=%v err=%v", val, ok, err)
	}
}
