package review

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/franz/dedup-janitor/internal/util"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			PaddingLeft(1).
			PaddingRight(1)

	keepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Bold(true)

	removeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))
)

// RenderGroup draws one group: header line, then members with the keeper
// marked and the rest struck for removal
func RenderGroup(w io.Writer, index int, g Group) {
	status := "pending review"
	if g.Accept {
		status = "accepted"
	}
	header := fmt.Sprintf("#%d %s  %.3f  %s", index+1, g.Tier, g.Similarity, status)
	fmt.Fprintln(w, titleStyle.Render(header))
	if g.Reason != "" {
		fmt.Fprintln(w, infoStyle.Render("  keep reason: "+g.Reason))
	}
	for i, m := range g.Members {
		line := fmt.Sprintf("  %d. %s  (%s, modified %s)", i+1, m.Path, util.FormatBytes(m.Size), humanize.Time(m.ModTime))
		if m.Path == g.Keep {
			fmt.Fprintln(w, keepStyle.Render("K"+line[1:]))
		} else {
			fmt.Fprintln(w, removeStyle.Render("-"+line[1:]))
		}
	}
}

// Render prints every group followed by a totals line
func Render(w io.Writer, f *File) {
	var accepted int
	var bytes int64
	for i, g := range f.Groups {
		RenderGroup(w, i, g)
		fmt.Fprintln(w)
		if g.Accept {
			accepted++
			bytes += g.Removable()
		}
	}
	fmt.Fprintln(w, infoStyle.Render(strings.TrimSpace(fmt.Sprintf(
		"%d groups, %d accepted, %s reclaimable", len(f.Groups), accepted, util.FormatBytes(bytes)))))
}
