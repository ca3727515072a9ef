package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franz/dedup-janitor/internal/detect"
	"github.com/franz/dedup-janitor/internal/embed"
	"github.com/franz/dedup-janitor/internal/hasher"
	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/perceptual"
	"github.com/franz/dedup-janitor/internal/report"
	"github.com/franz/dedup-janitor/internal/resilience"
	"github.com/franz/dedup-janitor/internal/review"
	"github.com/franz/dedup-janitor/internal/scan"
	"github.com/franz/dedup-janitor/internal/score"
	"github.com/franz/dedup-janitor/internal/semantic"
	"github.com/franz/dedup-janitor/internal/util"
)

var scanCmd = &cobra.Command{
	Use:   "scan <dir>...",
	Short: "Find duplicate groups and write a reviewable plan",
	Long: `Scan one or more directories for duplicates and write a plan file.

This command runs three detection tiers in order:
1. Exact: files with identical bytes (sha256)
2. Perceptual: images that look alike (difference hash)
3. Semantic: documents with the same meaning (embeddings)

Each group is scored to choose the copy to keep. Nothing is removed;
review the plan with 'dlc review' and carry it out with 'dlc apply'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().String("plan", "", "plan file to write (default dlc-plan.yaml)")
	scanCmd.Flags().String("quarantine", "", "move removed files under this directory instead of deleting them")
	scanCmd.Flags().Int("concurrency", 0, "worker pool size")
	scanCmd.Flags().Bool("no-perceptual", false, "skip the image similarity tier")
	scanCmd.Flags().Bool("no-semantic", false, "skip the document similarity tier")
	scanCmd.Flags().StringSlice("ext", nil, "only scan these extensions")

	viper.BindPFlag("plan", scanCmd.Flags().Lookup("plan"))
	viper.BindPFlag("quarantine", scanCmd.Flags().Lookup("quarantine"))
	viper.BindPFlag("concurrency", scanCmd.Flags().Lookup("concurrency"))
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for _, root := range args {
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			return fmt.Errorf("source directory does not exist: %s", root)
		}
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	concurrency := GetConfigInt("concurrency", 8)
	quarantine := viper.GetString("quarantine")
	planPath := GetConfigString("plan", "dlc-plan.yaml")
	startTime := time.Now()

	// Phase 1: Discovery
	util.InfoLog("=== Phase 1: File Discovery ===")
	exts, _ := cmd.Flags().GetStringSlice("ext")
	scanner := scan.New(&scan.Config{
		Extensions:  exts,
		Exclude:     []string{a.stager.Root(), quarantine},
		MinSize:     viper.GetInt64("min_size"),
		Concurrency: concurrency,
		Logger:      a.logger,
	})
	scanResult, err := scanner.Scan(ctx, args...)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	for _, e := range scanResult.Errors {
		a.logger.LogError(report.EventScan, "", e)
	}
	a.metrics.ObserveFiles(scanResult.Files)
	counts := scanResult.Count()
	util.InfoLog("  Files: %d (%d images, %d documents)",
		len(scanResult.Files), counts[model.KindImage], counts[model.KindDocument])

	// Phase 2: Detection
	util.InfoLog("")
	util.InfoLog("=== Phase 2: Duplicate Detection ===")
	detectors := buildDetectors(cmd, a, concurrency)
	detected, err := detect.Run(ctx, detectors, scanResult.Files)
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}
	groups := detected.Groups()
	excluded := detected.Excluded()
	a.metrics.ObserveGroups(groups)
	a.metrics.ObserveExclusions(excluded)
	for _, e := range excluded {
		util.WarnLog("Excluded %s", e)
	}

	// Phase 3: Scoring
	util.InfoLog("")
	util.InfoLog("=== Phase 3: Scoring ===")
	weights, err := scoreWeights()
	if err != nil {
		return fmt.Errorf("score.weights: %w", err)
	}
	scorer := score.New(&score.Config{
		Weights:      weights,
		PreferNewest: viper.GetBool("score.prefer_newest"),
		Concurrency:  concurrency,
		Logger:       a.logger,
	})
	scored, err := scorer.ScoreAll(ctx, groups)
	if err != nil {
		return fmt.Errorf("scoring failed: %w", err)
	}
	for _, e := range scored.Errors {
		util.DebugLog("Probe: %v", e)
	}

	plan := review.Build(args, quarantine, scored.Verdicts).WithSimilarity(groups)
	if err := review.Save(planPath, plan); err != nil {
		return err
	}

	summary := report.BuildSummary(len(scanResult.Files), len(detected.Files), groups, scored.Verdicts, excluded)
	summary.Roots = args
	summary.Duration = time.Since(startTime)
	summary.PlanPath = planPath
	summary.DatabasePath = a.dbPath
	summary.EventLogPath = a.logger.Path()
	reportPath := filepath.Join(GetConfigString("reports_dir", "artifacts"), "reports",
		time.Now().Format("20060102-150405"), "summary.md")
	if err := report.WriteMarkdownReport(summary, reportPath); err != nil {
		util.WarnLog("Failed to write report: %v", err)
		reportPath = ""
	}

	// Summary
	util.InfoLog("")
	util.SuccessLog("=== Scan Summary ===")
	util.InfoLog("Total time: %v", summary.Duration.Round(time.Millisecond))
	for _, tier := range model.Tiers {
		util.InfoLog("  %s groups: %d", tier, summary.GroupsByTier[tier])
	}
	util.InfoLog("  Reclaimable: %s", util.FormatBytes(summary.ReclaimableBytes))
	if len(excluded) > 0 {
		util.WarnLog("  Excluded: %d files", len(excluded))
	}
	util.InfoLog("Plan: %s", planPath)
	if reportPath != "" {
		util.InfoLog("Report: %s", reportPath)
	}
	util.InfoLog("")
	util.InfoLog("Next step: dlc review --plan %s", planPath)
	return nil
}

func buildDetectors(cmd *cobra.Command, a *app, concurrency int) []detect.Detector {
	exhaustiveCap := GetConfigInt("cluster.exhaustive_cap", 2000)
	detectors := []detect.Detector{
		detect.Exact{Hasher: hasher.New(&hasher.Config{
			Cache:       a.store,
			Concurrency: concurrency,
			EventLogger: a.logger,
		})},
	}

	if skip, _ := cmd.Flags().GetBool("no-perceptual"); !skip {
		detectors = append(detectors, detect.Perceptual{Clusterer: perceptual.New(&perceptual.Config{
			Threshold:     viper.GetFloat64("perceptual.threshold"),
			HashSize:      GetConfigInt("perceptual.hash_size", 8),
			ExhaustiveCap: exhaustiveCap,
			Concurrency:   concurrency,
			EventLogger:   a.logger,
		})})
	}

	if skip, _ := cmd.Flags().GetBool("no-semantic"); !skip {
		client := embed.New(embed.Config{
			BaseURL:    GetConfigString("embedding.url", "http://localhost:11434"),
			Model:      GetConfigString("embedding.model", "nomic-embed-text"),
			Rate:       viper.GetFloat64("embedding.rate"),
			Resilience: resilience.DefaultConfig(),
		})
		grouper := semantic.New(&semantic.Config{
			Threshold:     viper.GetFloat64("semantic.threshold"),
			ExhaustiveCap: exhaustiveCap,
			Workers:       concurrency,
			CallTimeout:   viper.GetDuration("embedding.timeout"),
			MaxChars:      GetConfigInt("embedding.max_chars", 8000),
			LSHBits:       GetConfigInt("semantic.lsh_bits", 64),
			LSHBands:      GetConfigInt("semantic.lsh_bands", 8),
			Cache:         a.store,
			Budget:        semantic.NewConcurrencyBudget(GetConfigInt("embedding.max_in_flight", 4)),
			EventLogger:   a.logger,
		}, a.metrics.InstrumentEmbedder(client))
		detectors = append(detectors, detect.Semantic{Grouper: grouper})
	}
	return detectors
}
