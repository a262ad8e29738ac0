package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/media"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
	"github.com/nextlevelbuilder/chatbridge/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("chatbridge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults and env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println("  Validation:")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("    - %s\n", line)
		}
	} else {
		fmt.Println("  Validation: OK")
	}
	snap := cfg.Snapshot()

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Zhipu", snap.Providers.Zhipu.APIKey)
	checkProvider("OpenAI", snap.Providers.OpenAI.APIKey)
	fmt.Printf("    %-12s %s (model %s)\n", "Active:", snap.Bot.Provider, snap.Bot.Model)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Feishu", snap.Channels.Feishu.Enabled,
		snap.Channels.Feishu.AppID != "" && snap.Channels.Feishu.AppSecret != "")
	checkChannel("GitLab", snap.Channels.GitLab.Enabled, snap.Channels.GitLab.SecretToken != "")

	fmt.Println()
	fmt.Println("  Sessions:")
	checkSessions(snap.Sessions)

	fmt.Println()
	dir, err := media.TmpDir(snap.Media.TmpDir)
	if err != nil {
		fmt.Printf("  Media dir: %s\n", err)
	} else {
		fmt.Printf("  Media dir: %s", dir)
		if path, err := media.WriteTemp(dir, ".probe", []byte("ok")); err != nil {
			fmt.Printf(" (NOT WRITABLE: %s)\n", err)
		} else {
			os.Remove(path)
			fmt.Println(" (OK)")
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey string) {
	switch {
	case apiKey == "":
		fmt.Printf("    %-12s (not configured)\n", name+":")
	case len(apiKey) <= 8:
		fmt.Printf("    %-12s %s\n", name+":", strings.Repeat("*", len(apiKey)))
	default:
		maskedKey := apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		fmt.Printf("    %-12s %s\n", name+":", maskedKey)
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkSessions(cfg config.SessionsConfig) {
	storage := cfg.Storage
	if storage == "" {
		storage = store.StorageMemory
	}
	fmt.Printf("    %-12s %s\n", "Storage:", storage)
	if storage != store.StorageSQLite {
		return
	}

	path := config.ExpandHome(cfg.Path)
	fmt.Printf("    %-12s %s\n", "Path:", filepath.Clean(path))
	s, err := sqlite.Open(path)
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		return
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		fmt.Printf("    %-12s PING FAILED (%s)\n", "Status:", err)
		return
	}
	n, err := s.Count(ctx)
	if err != nil {
		fmt.Printf("    %-12s QUERY FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s %d stored\n", "Sessions:", n)
}
