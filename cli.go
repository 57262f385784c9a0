package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"i3gateway/internal/auth"
	"i3gateway/internal/persist"
)

// Version is the gateway's reported build version.
const Version = "0.1.0"

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled, mirroring the teacher's dispatch-before-flag-parsing idiom.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	switch subcmd {
	case "version":
		fmt.Printf("i3gateway %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "sessions":
		return cliSessions(dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	case "keygen":
		return cliKeygen(args[1:])
	default:
		return false
	}
}

// cliKeygen prints a new APIKeyConfig entry (as JSON) an operator can append
// to the file passed to -api-keys. The raw key is shown once and never
// stored; only its hash is kept once loaded.
func cliKeygen(args []string) bool {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: i3gateway keygen <mud-name> [permission...]\n")
		os.Exit(1)
	}
	mudName := args[0]
	perms := args[1:]
	if len(perms) == 0 {
		perms = []string{"*"}
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		fmt.Fprintf(os.Stderr, "error generating key: %v\n", err)
		os.Exit(1)
	}

	cfg := auth.APIKeyConfig{
		ID:          uuid.New().String(),
		Key:         hex.EncodeToString(secret),
		MudName:     mudName,
		Permissions: perms,
	}
	out, _ := json.MarshalIndent(cfg, "", "  ")
	fmt.Println(string(out))
	return true
}

func cliStatus(dbPath string) bool {
	st, err := persist.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	rs, err := st.LoadRouterState()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading router state: %v\n", err)
		os.Exit(1)
	}
	sessions, err := st.LoadSessions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading sessions: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Mudlist generation: %d\n", rs.MudlistID)
	fmt.Printf("Chanlist generation: %d\n", rs.ChanlistID)
	fmt.Printf("Indexed sessions: %d\n", len(sessions))
	return true
}

func cliSessions(dbPath string) bool {
	st, err := persist.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	sessions, err := st.LoadSessions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("No indexed sessions found.")
		return true
	}
	for _, s := range sessions {
		last := time.Unix(s.LastActivity, 0).UTC().Format("2006-01-02 15:04:05")
		fmt.Printf("  %s  mud=%-20s key=%-10s last_activity=%s\n", s.ID, s.MudName, s.APIKeyID, last)
	}
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st, err := persist.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		settings, err := st.GetAllSettings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: i3gateway settings [list|set <key> <value>]\n")
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st, err := persist.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	outPath := "i3gateway-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
