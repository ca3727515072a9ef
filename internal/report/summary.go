package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/util"
)

// SummaryReport describes the outcome of one scan
type SummaryReport struct {
	GeneratedAt time.Time
	Duration    time.Duration
	Roots       []string

	FilesScanned int
	FilesHashed  int

	GroupsByTier     map[model.Tier]int
	ReclaimableBytes int64

	ExclusionsByTier map[model.Tier]int
	Exclusions       []model.Exclusion

	Groups []GroupSummary

	PlanPath     string
	DatabasePath string
	EventLogPath string
}

// GroupSummary is one group with its verdict
type GroupSummary struct {
	ID         string
	Tier       model.Tier
	Similarity float64
	Reason     string
	Keep       DuplicateFile
	Remove     []DuplicateFile
}

// DuplicateFile is one member of a summarized group
type DuplicateFile struct {
	Path      string
	SizeBytes int64
	ModTime   time.Time
}

// Reclaimable is the number of bytes removing the group's duplicates frees
func (g GroupSummary) Reclaimable() int64 {
	var n int64
	for _, f := range g.Remove {
		n += f.SizeBytes
	}
	return n
}

func toDuplicateFile(d model.FileDescriptor) DuplicateFile {
	return DuplicateFile{Path: d.Path, SizeBytes: d.Size, ModTime: d.ModTime}
}

// BuildSummary assembles a report from verdicts and exclusions.
// A file removed by more than one tier is counted toward reclaimable space once.
func BuildSummary(filesScanned, filesHashed int, groups []model.DuplicateGroup, verdicts []model.QualityVerdict, excluded []model.Exclusion) *SummaryReport {
	report := &SummaryReport{
		GeneratedAt:      time.Now(),
		FilesScanned:     filesScanned,
		FilesHashed:      filesHashed,
		GroupsByTier:     make(map[model.Tier]int),
		ExclusionsByTier: make(map[model.Tier]int),
		Exclusions:       excluded,
	}

	similarity := make(map[string]float64, len(groups))
	for _, g := range groups {
		report.GroupsByTier[g.Tier]++
		similarity[g.ID] = g.Similarity
	}

	counted := make(map[string]bool)
	for _, v := range verdicts {
		gs := GroupSummary{
			ID:         v.GroupID,
			Tier:       v.Tier,
			Similarity: similarity[v.GroupID],
			Reason:     v.Reason.String(),
			Keep:       toDuplicateFile(v.Keep),
		}
		for _, r := range v.Remove {
			gs.Remove = append(gs.Remove, toDuplicateFile(r))
			if !counted[r.Path] {
				counted[r.Path] = true
				report.ReclaimableBytes += r.Size
			}
		}
		report.Groups = append(report.Groups, gs)
	}

	for _, e := range excluded {
		report.ExclusionsByTier[e.Tier]++
	}

	sort.SliceStable(report.Groups, func(i, j int) bool {
		ri, rj := report.Groups[i].Reclaimable(), report.Groups[j].Reclaimable()
		if ri != rj {
			return ri > rj
		}
		return report.Groups[i].ID < report.Groups[j].ID
	})

	return report
}

// WriteMarkdownReport writes the summary report as Markdown
func WriteMarkdownReport(report *SummaryReport, outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var md strings.Builder

	md.WriteString("# Duplicate Library Cleaner - Scan Report\n\n")
	md.WriteString(fmt.Sprintf("**Generated:** %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05")))
	if len(report.Roots) > 0 {
		md.WriteString(fmt.Sprintf("**Roots:** `%s`\n\n", strings.Join(report.Roots, "`, `")))
	}
	if report.PlanPath != "" {
		md.WriteString(fmt.Sprintf("**Plan:** `%s`\n\n", report.PlanPath))
	}
	if report.EventLogPath != "" {
		md.WriteString(fmt.Sprintf("**Event Log:** `%s`\n\n", report.EventLogPath))
	}

	md.WriteString("---\n\n")

	md.WriteString("## Overview\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	md.WriteString(fmt.Sprintf("| Files Scanned | %d |\n", report.FilesScanned))
	md.WriteString(fmt.Sprintf("| Files Hashed | %d |\n", report.FilesHashed))
	for _, tier := range model.Tiers {
		md.WriteString(fmt.Sprintf("| %s Groups | %d |\n", titleCase(string(tier)), report.GroupsByTier[tier]))
	}
	md.WriteString(fmt.Sprintf("| Reclaimable | %s |\n", util.FormatBytes(report.ReclaimableBytes)))
	if report.Duration > 0 {
		md.WriteString(fmt.Sprintf("| Duration | %s |\n", report.Duration.Round(time.Millisecond)))
	}
	md.WriteString("\n")

	if len(report.Groups) > 0 {
		limit := min(len(report.Groups), 20)
		md.WriteString(fmt.Sprintf("## Duplicate Groups (top %d by reclaimable space)\n\n", limit))

		for i, g := range report.Groups[:limit] {
			md.WriteString(fmt.Sprintf("### %d. %s (%s, similarity %.2f)\n\n", i+1, g.ID, g.Tier, g.Similarity))
			md.WriteString(fmt.Sprintf("**Keep:** `%s` (%s, %s)\n\n",
				truncatePath(g.Keep.Path, 80), util.FormatBytes(g.Keep.SizeBytes), g.Reason))
			if len(g.Remove) > 0 {
				md.WriteString("**Remove:**\n\n")
				for j, r := range g.Remove {
					md.WriteString(fmt.Sprintf("%d. `%s` | %s | %s\n", j+1,
						truncatePath(r.Path, 80), util.FormatBytes(r.SizeBytes), r.ModTime.Format("2006-01-02")))
				}
				md.WriteString("\n")
			}
		}
	}

	if len(report.Exclusions) > 0 {
		md.WriteString("## Exclusions\n\n")
		md.WriteString("| Tier | Path | Reason |\n")
		md.WriteString("|------|------|--------|\n")
		for _, e := range report.Exclusions {
			reason := ""
			if e.Err != nil {
				reason = strings.ReplaceAll(e.Err.Error(), "|", "\\|")
			}
			md.WriteString(fmt.Sprintf("| %s | `%s` | %s |\n", e.Tier, truncatePath(e.Path, 60), reason))
		}
		md.WriteString("\n")
	}

	md.WriteString("---\n\n")
	md.WriteString("*Generated by dlc - Duplicate Library Cleaner*\n")

	if err := os.WriteFile(outputPath, []byte(md.String()), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	return nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// truncatePath truncates a file path to a maximum length, keeping both ends
func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	start := maxLen/2 - 2
	end := len(path) - (maxLen/2 - 2)
	return path[:start] + "..." + path[end:]
}
