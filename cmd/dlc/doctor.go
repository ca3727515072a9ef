package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franz/dedup-janitor/internal/embed"
	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/util"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor [dir]...",
	Short: "Run diagnostic checks on the environment and configuration",
	Long: `Run diagnostic checks to ensure dlc can operate correctly.

This command checks:
- SQLite version compatibility
- Database accessibility, integrity and unresolved transactions
- Staging area: writable, local filesystem, free space
- Quarantine directory, when configured
- Embedding endpoint and model (optional, semantic tier only)
- Each directory given as an argument: readable, same filesystem as staging

Use this command to troubleshoot issues before running dlc operations.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().String("quarantine", "", "quarantine directory to check (optional)")
	doctorCmd.Flags().Bool("skip-embedding", false, "do not contact the embedding endpoint")
}

type checkResult struct {
	name    string
	message string
	error   bool
	warning bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	util.InfoLog("=== DLC Doctor - System Diagnostics ===")
	util.InfoLog("")

	results := []checkResult{}

	// 1. Check SQLite
	results = append(results, checkSQLite())

	// 2. Check database file and journal
	dbPath := GetConfigString("db", "dlc-state.db")
	results = append(results, checkDatabase(dbPath))

	// 3. Check staging area
	stagingDir := GetConfigString("staging_dir", ".dlc-staging")
	results = append(results, checkWritableDirectory("Staging area", stagingDir))
	results = append(results, checkLocalFilesystem("Staging area", stagingDir))
	results = append(results, checkDiskSpace(stagingDir, "staging"))

	// 4. Check quarantine
	quarantine, _ := cmd.Flags().GetString("quarantine")
	if quarantine == "" {
		quarantine = viper.GetString("quarantine")
	}
	if quarantine != "" {
		results = append(results, checkWritableDirectory("Quarantine", quarantine))
	}

	// 5. Check embedding endpoint
	if skip, _ := cmd.Flags().GetBool("skip-embedding"); !skip {
		results = append(results, checkEmbedding(
			GetConfigString("embedding.url", "http://localhost:11434"),
			GetConfigString("embedding.model", "nomic-embed-text")))
	}

	// 6. Check library roots
	for _, root := range args {
		results = append(results, checkSourceDirectory(root))
		results = append(results, checkSameFilesystem(root, stagingDir))
	}

	// Print results
	util.InfoLog("")
	util.InfoLog("=== Diagnostic Results ===")
	util.InfoLog("")

	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		symbol := "✓"
		if r.error {
			symbol = "✗"
			hasErrors = true
		} else if r.warning {
			symbol = "⚠"
			hasWarnings = true
		}

		line := fmt.Sprintf("[%s] %s", symbol, r.name)
		if r.message != "" {
			line += fmt.Sprintf(": %s", r.message)
		}

		if r.error {
			util.ErrorLog("%s", line)
		} else if r.warning {
			util.WarnLog("%s", line)
		} else {
			util.SuccessLog("%s", line)
		}
	}

	// Summary
	util.InfoLog("")
	if hasErrors {
		util.ErrorLog("❌ Some critical checks failed. Please resolve errors before running dlc.")
		return fmt.Errorf("system diagnostics failed")
	} else if hasWarnings {
		util.WarnLog("⚠️  Some checks produced warnings. Review them before proceeding.")
	} else {
		util.SuccessLog("✅ All checks passed! System is ready for dlc operations.")
	}

	return nil
}

// checkSQLite verifies SQLite version
func checkSQLite() checkResult {
	// modernc.org/sqlite is built in, just verify it answers
	version := store.SQLiteVersion()
	if version == "" {
		return checkResult{
			name:    "SQLite",
			error:   true,
			message: "unable to determine version",
		}
	}

	return checkResult{
		name:    "SQLite",
		message: fmt.Sprintf("version %s (built-in)", version),
	}
}

// checkDatabase verifies database accessibility and reports open transactions
func checkDatabase(dbPath string) checkResult {
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return checkResult{
				name:    "Database",
				message: fmt.Sprintf("%s (will be created on first run)", dbPath),
			}
		}
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot access %s: %v", dbPath, err),
		}
	}

	if !info.Mode().IsRegular() {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("%s is not a regular file", dbPath),
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot open %s: %v", dbPath, err),
		}
	}
	defer db.Close()

	if err := db.CheckIntegrity(); err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("integrity check failed: %v", err),
		}
	}

	open, err := db.ListOpenTransactions()
	if err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot read journal: %v", err),
		}
	}
	counts, _ := db.CountOperationsByStatus()
	embeddings, _ := db.CountEmbeddings()
	message := fmt.Sprintf("%s (%s, %d applied operations, %d cached embeddings)",
		dbPath, util.FormatBytes(info.Size()), counts[store.OpApplied], embeddings)

	if len(open) > 0 {
		return checkResult{
			name:    "Database",
			warning: true,
			message: fmt.Sprintf("%s; %d interrupted transactions, run 'dlc recover'", message, len(open)),
		}
	}
	return checkResult{name: "Database", message: message}
}

// checkSourceDirectory verifies a library root is readable
func checkSourceDirectory(path string) checkResult {
	name := fmt.Sprintf("Library %s", path)
	info, err := os.Stat(path)
	if err != nil {
		return checkResult{
			name:    name,
			error:   true,
			message: fmt.Sprintf("cannot access: %v", err),
		}
	}

	if !info.IsDir() {
		return checkResult{
			name:    name,
			error:   true,
			message: "not a directory",
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return checkResult{
			name:    name,
			error:   true,
			message: fmt.Sprintf("cannot read: %v", err),
		}
	}

	return checkResult{
		name:    name,
		message: fmt.Sprintf("%d entries", len(entries)),
	}
}

// checkWritableDirectory verifies a directory exists or can be created, and is writable
func checkWritableDirectory(name, path string) checkResult {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(path, 0755); err != nil {
				return checkResult{
					name:    name,
					error:   true,
					message: fmt.Sprintf("cannot create %s: %v", path, err),
				}
			}
			return checkResult{
				name:    name,
				message: fmt.Sprintf("%s (created)", path),
			}
		}
		return checkResult{
			name:    name,
			error:   true,
			message: fmt.Sprintf("cannot access %s: %v", path, err),
		}
	}

	if !info.IsDir() {
		return checkResult{
			name:    name,
			error:   true,
			message: fmt.Sprintf("%s is not a directory", path),
		}
	}

	// Check write permission by creating a temp file
	testFile := filepath.Join(path, ".dlc_write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return checkResult{
			name:    name,
			error:   true,
			message: fmt.Sprintf("cannot write to %s: %v", path, err),
		}
	}
	f.Close()
	os.Remove(testFile)

	return checkResult{
		name:    name,
		message: fmt.Sprintf("%s (writable)", path),
	}
}

// checkLocalFilesystem warns when the journal lock would live on a network mount
func checkLocalFilesystem(name, path string) checkResult {
	name += " filesystem"
	info, err := util.DetectMount(path)
	if err != nil {
		return checkResult{
			name:    name,
			warning: true,
			message: fmt.Sprintf("cannot determine filesystem: %v", err),
		}
	}
	if info.Remote {
		return checkResult{
			name:    name,
			warning: true,
			message: fmt.Sprintf("%s is a network mount (%s); locking and renames may not be atomic", info.MountPoint, info.FSType),
		}
	}
	fsType := info.FSType
	if fsType == "" {
		fsType = "unknown type"
	}
	return checkResult{
		name:    name,
		message: fmt.Sprintf("local (%s)", fsType),
	}
}

// checkSameFilesystem reports whether backups of root are cheap renames or full copies
func checkSameFilesystem(root, stagingDir string) checkResult {
	name := fmt.Sprintf("Staging for %s", root)
	same, err := util.IsSameFilesystem(root, stagingDir)
	if err != nil {
		return checkResult{
			name:    name,
			warning: true,
			message: fmt.Sprintf("cannot compare filesystems: %v", err),
		}
	}
	if !same {
		return checkResult{
			name:    name,
			warning: true,
			message: "different filesystem; every removal is copied across devices before it is applied",
		}
	}
	return checkResult{name: name, message: "same filesystem"}
}

// checkEmbedding verifies the embedding endpoint answers and serves the model
func checkEmbedding(url, model string) checkResult {
	name := "Embedding endpoint (optional)"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := embed.New(embed.Config{BaseURL: url, Model: model})
	if err := client.Ping(ctx); err != nil {
		msg := fmt.Sprintf("%s: %v (semantic tier will exclude every document)", url, err)
		if errors.Is(err, util.ErrNotFound) {
			msg = fmt.Sprintf("model %s is not pulled at %s", model, url)
		}
		return checkResult{name: name, warning: true, message: msg}
	}
	return checkResult{
		name:    name,
		message: fmt.Sprintf("%s (model %s)", url, model),
	}
}

// checkDiskSpace verifies available disk space
func checkDiskSpace(path string, label string) checkResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return checkResult{
			name:    fmt.Sprintf("Disk space (%s)", label),
			warning: true,
			message: fmt.Sprintf("cannot determine disk space: %v", err),
		}
	}

	// Available bytes = available blocks * block size
	availBytes := stat.Bavail * uint64(stat.Bsize)
	totalBytes := stat.Blocks * uint64(stat.Bsize)
	usedBytes := totalBytes - (stat.Bfree * uint64(stat.Bsize))

	availGB := float64(availBytes) / (1024 * 1024 * 1024)
	usedPercent := float64(usedBytes) / float64(totalBytes) * 100

	// Backups need room for every file a transaction removes
	warning := false
	warningMsg := ""
	if availGB < 5 {
		warning = true
		warningMsg = " (low space!)"
	} else if usedPercent > 90 {
		warning = true
		warningMsg = " (>90% used)"
	}

	return checkResult{
		name:    fmt.Sprintf("Disk space (%s)", label),
		warning: warning,
		message: fmt.Sprintf("%.1f GB available%s", availGB, warningMsg),
	}
}
