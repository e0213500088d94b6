package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vhubd/vhubd/internal/config"
	"github.com/vhubd/vhubd/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled, so main can skip starting the server.
func RunCLI(args []string, defaultCfgDir string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("vhubd %s\n", Version)
		return true
	case "status":
		return cliStatus(defaultCfgDir)
	case "unban":
		return cliUnban(args[1:], defaultCfgDir)
	case "backup":
		return cliBackup(args[1:], defaultCfgDir)
	default:
		return false
	}
}

func openStoreOrExit(cfgDir string) *store.Store {
	st, err := store.Open(filepath.Join(cfgDir, "vhubd.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(cfgDir string) bool {
	cfg, err := config.Load(cfgDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	st := openStoreOrExit(cfgDir)
	defer st.Close()

	bans, _ := st.ListBans(context.Background(), time.Now())
	fmt.Printf("Hub: %s\n", cfg.HubName)
	fmt.Printf("Config dir: %s\n", cfgDir)
	fmt.Printf("Listen port: %d\n", cfg.ListenPort)
	fmt.Printf("Active bans: %d\n", len(bans))
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliUnban(args []string, cfgDir string) bool {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: vhubd unban <ban-id>")
		os.Exit(1)
	}
	st := openStoreOrExit(cfgDir)
	defer st.Close()

	if err := st.DeleteBan(context.Background(), args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error removing ban: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed ban %s\n", args[0])
	return true
}

func cliBackup(args []string, cfgDir string) bool {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: vhubd backup <dest-path>")
		os.Exit(1)
	}
	st := openStoreOrExit(cfgDir)
	defer st.Close()

	if err := st.Backup(context.Background(), args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error backing up database: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Backed up database to %s\n", args[0])
	return true
}
