package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"relaybot/internal/config"
	"relaybot/internal/runner"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your Relaybot installation",
		Long: `Verifies that Relaybot's configuration, relay endpoint, ledger database,
and tool binaries are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Relaybot Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'relaybot init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}

			// 3. Ledger database writable
			if err := checkDatabase(cfg.Dedupe.DBPath); err != nil {
				printFail("Ledger database", err.Error())
				failed++
			} else {
				printPass("Ledger database", cfg.Dedupe.DBPath)
				passed++
			}

			// 4. Relay reachable
			if err := checkRelay(cfg.Relay.BaseURL); err != nil {
				printWarn("Relay endpoint", fmt.Sprintf("%s: %v", cfg.Relay.BaseURL, err))
				warned++
			} else {
				printPass("Relay endpoint", cfg.Relay.BaseURL)
				passed++
			}

			// 5. Tool binaries and negotiated capabilities
			ctx := context.Background()
			for _, rc := range []struct {
				name   string
				binary string
				flags  runner.FlagSpec
			}{
				{"Primary tool", cfg.Runners.Primary.Binary, runner.ClaudeFlags()},
				{"Fallback tool", cfg.Runners.Fallback.Binary, runner.CodexFlags()},
			} {
				if rc.binary == "" {
					printWarn(rc.name, "not configured")
					warned++
					continue
				}
				r := runner.New(runner.Config{Name: rc.name, Binary: rc.binary, Flags: rc.flags, Logger: logger})
				if !r.CheckAvailable() {
					printWarn(rc.name, fmt.Sprintf("%s not found in PATH", rc.binary))
					warned++
					continue
				}
				caps := r.DetectCapabilities(ctx)
				printPass(rc.name, fmt.Sprintf("%s (prompt-flag=%v non-interactive=%v read-only=%v)",
					rc.binary, caps.PromptFlag, caps.NonInteractive, caps.ReadOnly))
				passed++
			}

			// 6. Metrics port
			if cfg.Metrics.Enabled {
				if err := checkPort(cfg.Metrics.Port); err != nil {
					printWarn("Metrics port", fmt.Sprintf("port %d may be in use: %v", cfg.Metrics.Port, err))
					warned++
				} else {
					printPass("Metrics port", fmt.Sprintf(":%d available", cfg.Metrics.Port))
					passed++
				}
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running Relaybot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nRelaybot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Relaybot is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkRelay(baseURL string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("returned %d", resp.StatusCode)
	}
	return nil
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
