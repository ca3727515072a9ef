package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/franz/dedup-janitor/internal/hasher"
	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/report"
	"github.com/franz/dedup-janitor/internal/util"
)

// Scanner discovers files in directory trees and snapshots them
type Scanner struct {
	extensions  map[string]bool // empty means every extension
	exclude     []string
	minSize     int64
	concurrency int
	logger      *report.EventLogger
}

// Config holds scanner configuration
type Config struct {
	Extensions  []string // restrict to these extensions; empty scans everything
	Exclude     []string // directory trees to skip, e.g. the staging area
	MinSize     int64    // files smaller than this are ignored
	Concurrency int
	Logger      *report.EventLogger
}

// New creates a new Scanner
func New(cfg *Config) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	// Build extension map (case-insensitive)
	extMap := make(map[string]bool)
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extMap[ext] = true
	}

	var exclude []string
	for _, dir := range cfg.Exclude {
		if dir == "" {
			continue
		}
		if canon, err := util.CanonicalPath(dir); err == nil {
			dir = canon
		}
		exclude = append(exclude, filepath.Clean(dir))
	}

	return &Scanner{
		extensions:  extMap,
		exclude:     exclude,
		minSize:     cfg.MinSize,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

// Result represents a scan result
type Result struct {
	Files   []model.FileDescriptor // sorted by path
	Skipped int
	Errors  []error
}

// Count returns the number of discovered files of each kind
func (r *Result) Count() map[model.Kind]int {
	counts := make(map[model.Kind]int)
	for _, f := range r.Files {
		counts[f.Kind]++
	}
	return counts
}

// Scan walks every root and snapshots the regular files it finds. A path
// reachable from more than one root is reported once. Unreadable entries
// are collected in Result.Errors and the walk continues.
func (s *Scanner) Scan(ctx context.Context, roots ...string) (*Result, error) {
	result := &Result{}
	var resultMu sync.Mutex
	addErr := func(err error) {
		resultMu.Lock()
		result.Errors = append(result.Errors, err)
		resultMu.Unlock()
	}

	filePaths := make(chan string, 100)
	seen := make(map[string]bool)

	var filesFound atomic.Int64
	var filesProcessed atomic.Int64
	var filesSkipped atomic.Int64

	progressCtx, cancelProgress := context.WithCancel(ctx)
	defer cancelProgress()

	// Check if stdout is a terminal (disable progress bar if piped/redirected)
	var bar *progressbar.ProgressBar
	if util.IsTerminal(os.Stdout.Fd()) && !util.IsQuiet() {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("Scanning"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("files"),
			progressbar.OptionThrottle(200*time.Millisecond),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetRenderBlankState(true),
		)
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-progressCtx.Done():
				return
			case <-ticker.C:
				found, processed := filesFound.Load(), filesProcessed.Load()
				if bar != nil && found > 0 {
					bar.Describe(fmt.Sprintf("Scanning | %d found | %d skipped", found, filesSkipped.Load()))
					bar.Set64(processed)
				} else if found > 0 {
					util.InfoLog("Progress: found %d files, processed %d", found, processed)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range filePaths {
				if ctx.Err() != nil {
					continue
				}
				desc, err := hasher.Snapshot(path)
				filesProcessed.Add(1)
				switch {
				case err != nil:
					util.WarnLog("Failed to stat %s: %v", path, err)
					addErr(util.WrapKind(util.ErrIO, "stat "+path, err))
				case desc.Size < s.minSize:
					filesSkipped.Add(1)
				default:
					s.logger.LogScan(path, desc.Kind.String(), desc.Size)
					resultMu.Lock()
					result.Files = append(result.Files, desc)
					resultMu.Unlock()
				}
			}
		}()
	}

	var walkErr error
	for _, root := range roots {
		util.InfoLog("Starting scan of: %s", root)
		canonRoot, err := util.CanonicalPath(root)
		if err != nil {
			walkErr = fmt.Errorf("root %s: %w", root, err)
			break
		}
		walkErr = filepath.WalkDir(canonRoot, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				util.WarnLog("Error accessing path %s: %v", path, err)
				addErr(util.WrapKind(util.ErrIO, "access "+path, err))
				return nil
			}
			if d.IsDir() {
				if s.excluded(path) {
					return filepath.SkipDir
				}
				return nil
			}
			// symlinks, sockets and devices are never duplicates we can remove
			if !d.Type().IsRegular() || !s.wanted(path) || seen[path] {
				return nil
			}
			seen[path] = true
			filesFound.Add(1)
			select {
			case filePaths <- path:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if walkErr != nil {
			break
		}
	}

	close(filePaths)
	wg.Wait()
	cancelProgress()
	if bar != nil {
		bar.Finish()
	}

	sort.Slice(result.Files, func(i, j int) bool { return result.Files[i].Path < result.Files[j].Path })
	result.Skipped = int(filesSkipped.Load())

	if walkErr != nil {
		return result, fmt.Errorf("walk error: %w", walkErr)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	util.SuccessLog("Scan complete: %d files discovered, %d skipped, %d errors",
		len(result.Files), result.Skipped, len(result.Errors))
	return result, nil
}

// excluded reports whether dir is, or is inside, an excluded tree
func (s *Scanner) excluded(dir string) bool {
	for _, ex := range s.exclude {
		if dir == ex || strings.HasPrefix(dir, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// wanted checks the extension filter
func (s *Scanner) wanted(path string) bool {
	if len(s.extensions) == 0 {
		return true
	}
	return s.extensions[strings.ToLower(filepath.Ext(path))]
}

// SupportedExtensions returns the extension filter, sorted; empty means all
func (s *Scanner) SupportedExtensions() []string {
	exts := make([]string, 0, len(s.extensions))
	for ext := range s.extensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
