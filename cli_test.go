package main

import (
	"os"
	"path/filepath"
	"testing"

	"i3gateway/internal/persist"
)

func cliDBSetup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "i3gateway.db")
	st, err := persist.Open(dbPath)
	if err != nil {
		t.Fatalf("persist.Open: %v", err)
	}
	st.Close()
	return dbPath
}

func cliDBWithSettings(t *testing.T, kv map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "i3gateway.db")
	st, err := persist.Open(dbPath)
	if err != nil {
		t.Fatalf("persist.Open: %v", err)
	}
	for k, v := range kv {
		if err := st.SetSetting(k, v); err != nil {
			t.Fatalf("SetSetting(%q, %q): %v", k, v, err)
		}
	}
	st.Close()
	return dbPath
}

func cliDBWithSessions(t *testing.T, sessions ...persist.SessionRecord) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "i3gateway.db")
	st, err := persist.Open(dbPath)
	if err != nil {
		t.Fatalf("persist.Open: %v", err)
	}
	for _, s := range sessions {
		if err := st.SaveSession(s); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}
	st.Close()
	return dbPath
}

func TestRunCLIVersionReturnsTrue(t *testing.T) {
	if !RunCLI([]string{"version"}, "not-used.db") {
		t.Error("RunCLI(version) should return true")
	}
}

func TestRunCLIUnknownSubcommandReturnsFalse(t *testing.T) {
	if RunCLI([]string{"nonexistent-cmd"}, "not-used.db") {
		t.Error("RunCLI(unknown) should return false")
	}
}

func TestRunCLIEmptyArgsReturnsFalse(t *testing.T) {
	if RunCLI([]string{}, "not-used.db") {
		t.Error("RunCLI([]) should return false")
	}
}

func TestRunCLINilArgsReturnsFalse(t *testing.T) {
	if RunCLI(nil, "not-used.db") {
		t.Error("RunCLI(nil) should return false")
	}
}

func TestCLIStatusReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"status"}, dbPath) {
		t.Error("RunCLI(status) should return true")
	}
}

func TestCLISessionsEmptyReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"sessions"}, dbPath) {
		t.Error("RunCLI(sessions) should return true")
	}
}

func TestCLISessionsListReturnsTrue(t *testing.T) {
	dbPath := cliDBWithSessions(t, persist.SessionRecord{
		ID:              "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		MudName:         "ExampleMUD",
		APIKeyID:        "key-1",
		PermissionsJSON: `["*"]`,
		CreatedAtUnix:   1000,
		LastActivity:    2000,
	})
	if !RunCLI([]string{"sessions"}, dbPath) {
		t.Error("RunCLI(sessions) should return true")
	}
}

func TestCLISettingsListReturnsTrue(t *testing.T) {
	dbPath := cliDBWithSettings(t, map[string]string{"mud_name": "test"})
	if !RunCLI([]string{"settings"}, dbPath) {
		t.Error("RunCLI(settings) should return true")
	}
}

func TestCLISettingsListExplicitReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"settings", "list"}, dbPath) {
		t.Error("RunCLI(settings list) should return true")
	}
}

func TestCLISettingsSetReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"settings", "set", "mykey", "myvalue"}, dbPath) {
		t.Error("RunCLI(settings set) should return true")
	}

	st, err := persist.Open(dbPath)
	if err != nil {
		t.Fatalf("persist.Open: %v", err)
	}
	defer st.Close()

	val, ok, err := st.GetSetting("mykey")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if !ok {
		t.Fatal("expected setting to exist")
	}
	if val != "myvalue" {
		t.Errorf("setting value: got %q, want %q", val, "myvalue")
	}
}

func TestCLIKeygenReturnsTrue(t *testing.T) {
	if !RunCLI([]string{"keygen", "ExampleMUD"}, "not-used.db") {
		t.Error("RunCLI(keygen) should return true")
	}
}

func TestCLIBackupDefaultPath(t *testing.T) {
	dbPath := cliDBSetup(t)

	origDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	tmpDir := t.TempDir()
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer os.Chdir(origDir)

	if !RunCLI([]string{"backup"}, dbPath) {
		t.Error("RunCLI(backup) should return true")
	}

	backupPath := filepath.Join(tmpDir, "i3gateway-backup.db")
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		t.Error("backup file should exist at default path")
	}

	backupStore, err := persist.Open(backupPath)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	backupStore.Close()
}

func TestCLIBackupCustomPath(t *testing.T) {
	dbPath := cliDBWithSettings(t, map[string]string{"mud_name": "backup-test"})
	outPath := filepath.Join(t.TempDir(), "custom-backup.db")

	if !RunCLI([]string{"backup", outPath}, dbPath) {
		t.Error("RunCLI(backup <path>) should return true")
	}

	if _, err := os.Stat(outPath); os.IsNotExist(err) {
		t.Error("backup file should exist at custom path")
	}

	backupStore, err := persist.Open(outPath)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer backupStore.Close()

	val, ok, err := backupStore.GetSetting("mud_name")
	if err != nil || !ok || val != "backup-test" {
		t.Errorf("backup should contain mud_name=backup-test, got %q ok=%v err=%v", val, ok, err)
	}
}
