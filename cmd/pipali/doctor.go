package cli

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipali/pipali/internal/config"
	"github.com/pipali/pipali/internal/keyring"
	"github.com/pipali/pipali/internal/store"
)

// DoctorCmd creates the doctor command for health checks
func DoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system health and diagnose issues",
		Long: `Run diagnostics on your pipali installation.

Checks:
  - Configuration file
  - Data directory
  - OS keychain and stored credentials
  - Database status
  - Running sidecar`,
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

type checkResult struct {
	name    string
	status  string // "ok", "warn", "error"
	message string
}

func runDoctor() {
	fmt.Println("\033[1m🔍 Pipali Doctor\033[0m")
	fmt.Println("================")
	fmt.Println()

	var results []checkResult
	results = append(results, checkConfig()...)
	results = append(results, checkCredentials()...)
	results = append(results, checkDatabase()...)
	results = append(results, checkSidecar()...)

	okCount := 0
	warnCount := 0
	errorCount := 0

	for _, r := range results {
		switch r.status {
		case "ok":
			fmt.Printf("\033[32m✓\033[0m %s: %s\n", r.name, r.message)
			okCount++
		case "warn":
			fmt.Printf("\033[33m⚠\033[0m %s: %s\n", r.name, r.message)
			warnCount++
		case "error":
			fmt.Printf("\033[31m✗\033[0m %s: %s\n", r.name, r.message)
			errorCount++
		}
	}

	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  \033[32m%d passed\033[0m", okCount)
	if warnCount > 0 {
		fmt.Printf("  \033[33m%d warnings\033[0m", warnCount)
	}
	if errorCount > 0 {
		fmt.Printf("  \033[31m%d errors\033[0m", errorCount)
	}
	fmt.Println()

	if errorCount > 0 {
		os.Exit(1)
	}
}

func checkConfig() []checkResult {
	var results []checkResult

	dataDir := config.DefaultDataDir()
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		results = append(results, checkResult{
			name:    "Data Directory",
			status:  "warn",
			message: fmt.Sprintf("%s not found; it is created on first run", dataDir),
		})
	} else {
		results = append(results, checkResult{
			name:    "Data Directory",
			status:  "ok",
			message: dataDir,
		})
	}

	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if _, err := config.Load(path); err != nil {
		results = append(results, checkResult{
			name:    "Config File",
			status:  "error",
			message: fmt.Sprintf("%s: %v", path, err),
		})
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		results = append(results, checkResult{
			name:    "Config File",
			status:  "warn",
			message: fmt.Sprintf("%s not found; using defaults", path),
		})
	} else {
		results = append(results, checkResult{
			name:    "Config File",
			status:  "ok",
			message: path,
		})
	}

	return results
}

func checkCredentials() []checkResult {
	var results []checkResult

	if !keyring.Available() {
		results = append(results, checkResult{
			name:    "Keychain",
			status:  "warn",
			message: "OS keychain unavailable; tokens fall back to PIPALI_REFRESH_TOKEN",
		})
	} else {
		results = append(results, checkResult{
			name:    "Keychain",
			status:  "ok",
			message: "available",
		})
	}

	if os.Getenv("PIPALI_REFRESH_TOKEN") != "" {
		results = append(results, checkResult{
			name:    "Refresh Token",
			status:  "ok",
			message: "set via PIPALI_REFRESH_TOKEN",
		})
	} else if _, err := keyring.Get("api-refresh-token"); err == nil {
		results = append(results, checkResult{
			name:    "Refresh Token",
			status:  "ok",
			message: "stored in keychain",
		})
	} else {
		results = append(results, checkResult{
			name:    "Refresh Token",
			status:  "error",
			message: "not found. Run 'pipali login' to store one.",
		})
	}

	return results
}

func checkDatabase() []checkResult {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil
	}
	if _, statErr := os.Stat(cfg.DatabasePath()); os.IsNotExist(statErr) {
		return []checkResult{{
			name:    "Database",
			status:  "warn",
			message: "not created yet; it is created on first run",
		}}
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return []checkResult{{
			name:    "Database",
			status:  "error",
			message: fmt.Sprintf("cannot open %s: %v", cfg.DatabasePath(), err),
		}}
	}
	st.Close()
	return []checkResult{{
		name:    "Database",
		status:  "ok",
		message: cfg.DatabasePath(),
	}}
}

func checkSidecar() []checkResult {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + cfg.Addr + "/healthz")
	if err != nil {
		return []checkResult{{
			name:    "Sidecar",
			status:  "warn",
			message: fmt.Sprintf("not running on %s", cfg.Addr),
		}}
	}
	resp.Body.Close()
	return []checkResult{{
		name:    "Sidecar",
		status:  "ok",
		message: fmt.Sprintf("running on %s", cfg.Addr),
	}}
}
